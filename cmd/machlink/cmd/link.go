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
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/machlink/internal/config"
	mlctx "github.com/blacktop/machlink/internal/context"
	"github.com/blacktop/machlink/internal/pipeline"
	"github.com/blacktop/machlink/internal/plan"
	"github.com/caarlos0/ctrlc"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(linkCmd)

	f := linkCmd.Flags()
	f.StringP("output", "o", "", "Path of the image (overrides the plan)")
	f.String("arch", "", "Architecture (x86_64, i386, arm64, arm64e, armv7)")
	f.String("kind", "", "Output kind (executable, static, dylib, bundle, object, preload, kext)")
	f.String("fixups", "", "Fixup encoding (dyld-info, chained, classic)")
	f.String("chained-format", "", "Chained pointer format override")
	f.Int("split-seg", 0, "Split seg info version (0 for none)")
	f.String("uuid", "", "UUID mode (content, random, none)")
	f.String("unaligned-pointers", "", "Unaligned pointer policy (error, warn, ignore)")
	f.String("header-pad", "", "Minimum free space after the load commands")
	f.String("pagezero-size", "", "Size of __PAGEZERO")
	f.String("stack-size", "", "Main thread stack size")
	f.String("base-address", "", "Preferred load address")
	f.String("code-signature-size", "", "Bytes to reserve for a code signature")
	f.Bool("pie", false, "Position independent executable")
	f.Bool("flat-namespace", false, "Flat namespace binding")
	f.Bool("strip-locals", false, "Drop local symbols")
	f.Bool("keep-private-externs", false, "Keep private externs global")
	f.Bool("debug-notes", false, "Emit debug notes (stabs)")
	f.Bool("function-starts", false, "Emit LC_FUNCTION_STARTS")
	f.Bool("data-in-code", false, "Emit LC_DATA_IN_CODE")
	f.Bool("ignore-optimization-hints", false, "Do not apply ARM64 optimization hints")
	f.Bool("thumb2", false, "Allow Thumb-2 branch ranges")
	f.Bool("allow-text-relocs", false, "Allow relocations in read-only segments")
	f.String("map", "", "Write a map file")
	f.String("provenance", "", "Write a build provenance JSON record")
	f.Bool("verify", false, "Parse the written image back and check it")
	f.VisitAll(func(fl *pflag.Flag) {
		viper.BindPFlag("link."+fl.Name, fl)
	})

	linkCmd.Flags().DurationP("timeout", "t", 0, "Timeout for each link")
	linkCmd.Flags().BoolP("watch", "w", false, "Link again whenever the plan changes")
	viper.BindPFlag("timeout", linkCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("watch", linkCmd.Flags().Lookup("watch"))
}

// linkCmd represents the link command
var linkCmd = &cobra.Command{
	Use:   "link <plan.yaml>",
	Short: "Link a Mach-O image from a link plan",
	Example: heredoc.Doc(`
		# Link the plan and write the image named by its output key
		❯ machlink link plan.yaml

		# Override the output and fixup encoding, and check the result
		❯ machlink link plan.yaml -o build/libhello.dylib --fixups dyld-info --verify

		# Write a map file and provenance record next to the image
		❯ machlink link plan.yaml --map build/libhello.map --provenance build/libhello.json

		# Sizes accept hex and units
		❯ MACHLINK_LINK_HEADER_PAD=16KiB machlink link plan.yaml`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !viper.GetBool("watch") {
			return linkPlan(args[0])
		}
		if err := linkPlan(args[0]); err != nil {
			log.Error(err.Error())
		}
		return watchPlan(args[0])
	},
}

// linkPlan runs one build of the plan at path.
func linkPlan(path string) error {
	p, err := plan.Load(path)
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig(p.Settings())
	if err != nil {
		return err
	}

	var ctx *mlctx.Context
	if timeout := viper.GetDuration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = mlctx.NewWithTimeout(cfg, p, timeout)
		defer cancel()
	} else {
		ctx = mlctx.New(cfg, p)
	}
	ctx.Version = AppVersion

	return ctrlc.Default.Run(ctx, func() error {
		return pipeline.Run(ctx)
	})
}

// watchPlan links again on every write to the plan until interrupted.
func watchPlan(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// editors often replace the file, so watch its directory
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	log.WithField("plan", path).Info("watching for changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != abs || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			log.Infof("event: %s", event.String())
			if err := linkPlan(path); err != nil {
				log.Error(err.Error())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Errorf("error: %v", err)
		}
	}
}
