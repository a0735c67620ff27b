/*
Copyright © 2023 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/blacktop/machlink/internal/pipeline/static"
	"github.com/blacktop/machlink/internal/plan"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(schemaCmd)
	schemaCmd.Flags().StringP("output", "o", "-", "Where to save the JSONSchema file")
	schemaCmd.Flags().Bool("example", false, "Print an example link plan instead")
	viper.BindPFlag("schema.output", schemaCmd.Flags().Lookup("output"))
	viper.BindPFlag("schema.example", schemaCmd.Flags().Lookup("example"))
}

// schemaCmd represents the schema command
var schemaCmd = &cobra.Command{
	Use:     "schema",
	Aliases: []string{"jsonschema"},
	Short:   "Output the link plan JSON schema",
	Example: heredoc.Doc(`
		# Save the schema for editor completion
		❯ machlink schema -o plan.schema.json

		# Start a new plan from the example
		❯ machlink schema --example -o plan.yaml`),
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		var bts []byte
		if viper.GetBool("schema.example") {
			bts = []byte(static.ExamplePlan)
		} else {
			var err error
			bts, err = json.MarshalIndent(plan.Schema(), "", "\t")
			if err != nil {
				return fmt.Errorf("failed to create jsonschema: %w", err)
			}
		}

		out := viper.GetString("schema.output")
		if out == "-" || out == "" {
			fmt.Println(string(bts))
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return fmt.Errorf("failed to write schema file: %w", err)
		}
		if err := os.WriteFile(out, bts, 0o644); err != nil {
			return fmt.Errorf("failed to write schema file: %w", err)
		}
		return nil
	},
}
