package cmd

import (
	"context"
	"fmt"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/caarlos0/ctrlc"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/blacktop/machobj/internal/colors"
	"github.com/blacktop/machobj/internal/commands/atomdump"
)

func init() {
	checkCmd.Flags().BoolP("quiet", "q", false, "Only print failing files")
	checkCmd.Flags().BoolP("progress", "p", false, "Show a progress bar")
	viper.BindPFlag("check.quiet", checkCmd.Flags().Lookup("quiet"))
	viper.BindPFlag("check.progress", checkCmd.Flags().Lookup("progress"))
}

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:     "check <object>...",
	Aliases: []string{"c"},
	Short:   "Validate object files without dumping them",
	Example: heredoc.Doc(`
		# Check every object of a build directory
		❯ atomdump check build/*.o
		# Only accept arm64e objects built for macOS 14 or older
		❯ atomdump check --arch arm64e --subtype-must-match --platform macOS:14.0 foo.o
		# Only list failures, with a progress bar
		❯ atomdump check -q -p build/*.o`),
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := parseOptions()
		if err != nil {
			return err
		}
		quiet := viper.GetBool("check.quiet")

		var p *mpb.Progress
		var done func(*atomdump.Report)
		if viper.GetBool("check.progress") {
			p = mpb.New(mpb.WithWidth(80))
			name := "      "
			bar := p.New(int64(len(args)),
				mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|"),
				mpb.PrependDecorators(
					decor.Name(name, decor.WC{W: len(name), C: decor.DindentRight | decor.DextraSpace}),
					decor.OnComplete(
						decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "✅ ",
					),
				),
				mpb.AppendDecorators(
					decor.CountersNoUnit("%d/%d"),
					decor.Name(" ] "),
				),
			)
			done = func(*atomdump.Report) { bar.Increment() }
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var reports []*atomdump.Report
		if err := ctrlc.Default.Run(ctx, func() error {
			var err error
			reports, err = atomdump.CheckFiles(ctx, args, opts, viper.GetInt("jobs"), done)
			return err
		}); err != nil {
			if errors.As(err, &ctrlc.ErrorCtrlC{}) {
				log.Warn("Exiting...")
				return nil
			}
			return err
		}
		if p != nil {
			p.Wait()
		}

		var failed int
		for _, r := range reports {
			switch {
			case r.Err != nil:
				failed++
				fmt.Printf("%s %s: %v\n", colors.Error().Sprint("FAIL"), r.Path, r.Err)
			case !r.Object:
				failed++
				fmt.Printf("%s %s: not a %s object file\n", colors.Error().Sprint("FAIL"), r.Path, r.Cpu)
			case !quiet:
				fmt.Printf("%s %s: %d atoms, %d fixups", colors.OK().Sprint("OK"), r.Path, r.Atoms, r.Fixups)
				if r.ObjCCategories {
					fmt.Print(" (objc categories)")
				}
				fmt.Println()
			}
			if !quiet {
				for _, w := range r.Warnings {
					fmt.Printf("    %s %s\n", colors.Warning().Sprint("warning:"), w)
				}
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files failed", failed, len(reports))
		}
		log.Debugf("checked %d files", len(reports))
		return nil
	},
}
