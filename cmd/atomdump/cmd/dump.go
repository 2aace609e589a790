package cmd

import (
	"context"
	"os"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/machobj/internal/commands/atomdump"
)

func init() {
	dumpCmd.Flags().StringP("section", "s", "", "Only dump atoms of SEGMENT,SECTION")
	dumpCmd.Flags().StringP("symbol", "n", "", "Only dump atoms with this name")
	dumpCmd.Flags().Bool("no-fixups", false, "Do not print fixups")
	dumpCmd.Flags().Bool("no-lines", false, "Do not print line info")
	dumpCmd.Flags().Bool("no-unwind", false, "Do not print unwind info")
	dumpCmd.Flags().Bool("no-warnings", false, "Do not print parse warnings")
	viper.BindPFlag("dump.section", dumpCmd.Flags().Lookup("section"))
	viper.BindPFlag("dump.symbol", dumpCmd.Flags().Lookup("symbol"))
	viper.BindPFlag("dump.no-fixups", dumpCmd.Flags().Lookup("no-fixups"))
	viper.BindPFlag("dump.no-lines", dumpCmd.Flags().Lookup("no-lines"))
	viper.BindPFlag("dump.no-unwind", dumpCmd.Flags().Lookup("no-unwind"))
	viper.BindPFlag("dump.no-warnings", dumpCmd.Flags().Lookup("no-warnings"))
}

// dumpCmd represents the dump command
var dumpCmd = &cobra.Command{
	Use:     "dump <object>...",
	Aliases: []string{"d"},
	Short:   "Print the atoms and fixups of object files",
	Example: heredoc.Doc(`
		# Dump every atom of an object
		❯ atomdump dump foo.o
		# Only the atoms of __TEXT,__text without line info
		❯ atomdump dump --section __TEXT,__text --no-lines foo.o
		# One function, preferring FDEs over compact unwind
		❯ atomdump dump --symbol _main --force-dwarf foo.o`),
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := parseOptions()
		if err != nil {
			return err
		}

		conf := &atomdump.Config{
			Section:  viper.GetString("dump.section"),
			Symbol:   viper.GetString("dump.symbol"),
			Fixups:   !viper.GetBool("dump.no-fixups"),
			Lines:    !viper.GetBool("dump.no-lines"),
			Unwind:   !viper.GetBool("dump.no-unwind"),
			Warnings: !viper.GetBool("dump.no-warnings"),
		}

		files, err := atomdump.OpenFiles(context.Background(), args, opts, viper.GetInt("jobs"))
		if err != nil {
			return err
		}
		for _, f := range files {
			if err := atomdump.Dump(os.Stdout, f, conf); err != nil {
				return err
			}
		}
		return nil
	},
}
