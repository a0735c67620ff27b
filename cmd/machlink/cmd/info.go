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
	"os"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/machlink/internal/report"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(infoCmd)

	infoCmd.Flags().BoolP("loads", "l", false, "Print every load command")
	viper.BindPFlag("info.loads", infoCmd.Flags().Lookup("loads"))
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info <image>",
	Short: "Parse a linked image and print its layout",
	Example: heredoc.Doc(`
		# Header, UUID and the segment/section table
		❯ machlink info build/libhello.dylib

		# Also list every load command
		❯ machlink info -l build/libhello.dylib`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		fi, err := os.Stat(args[0])
		if err != nil {
			return err
		}
		m, err := macho.Open(args[0])
		if err != nil {
			return errors.Wrapf(err, "failed to parse %s", args[0])
		}
		defer m.Close()

		return report.Info(os.Stdout, m, fi.Size(), viper.GetBool("info.loads"))
	},
}
