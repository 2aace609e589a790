package cmd

import (
	"fmt"
	"os"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/machobj/internal/colors"
	"github.com/blacktop/machobj/internal/commands/atomdump"
	"github.com/blacktop/machobj/pkg/ld"
)

func init() {
	graphCmd.Flags().StringSliceP("root", "r", nil, "Dead-strip roots (default: every global atom)")
	graphCmd.Flags().StringP("dot", "o", "", "Write the reference graph in graphviz format to this file")
	viper.BindPFlag("graph.root", graphCmd.Flags().Lookup("root"))
	viper.BindPFlag("graph.dot", graphCmd.Flags().Lookup("dot"))
}

// graphCmd represents the graph command
var graphCmd = &cobra.Command{
	Use:     "graph <object>",
	Aliases: []string{"g"},
	Short:   "Show the atom reference graph of an object file",
	Example: heredoc.Doc(`
		# List undefined names and atoms unreachable from the globals
		❯ atomdump graph foo.o
		# Atoms dead-stripping would remove when _main is the only root
		❯ atomdump graph --root _main foo.o
		# Render the graph with graphviz
		❯ atomdump graph --dot foo.dot foo.o && dot -Tsvg foo.dot > foo.svg`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := parseOptions()
		if err != nil {
			return err
		}

		f, err := ld.Open(args[0], opts)
		if err != nil {
			return err
		}
		g, err := atomdump.NewRefGraph(f)
		if err != nil {
			return err
		}

		if dot := viper.GetString("graph.dot"); dot != "" {
			out, err := os.Create(dot)
			if err != nil {
				return errors.Wrapf(err, "failed to create %s", dot)
			}
			defer out.Close()
			if err := g.WriteDOT(out); err != nil {
				return errors.Wrap(err, "failed to write graph")
			}
			log.Infof("Created %s", dot)
			return nil
		}

		roots := viper.GetStringSlice("graph.root")
		if len(roots) == 0 {
			f.ForEachAtom(func(_ ld.AtomID, a *ld.Atom) bool {
				if a.Scope == ld.ScopeGlobal {
					roots = append(roots, a.Name)
				}
				return true
			})
		}
		dead, err := g.Dead(roots...)
		if err != nil {
			return err
		}
		undef, err := g.Undefined()
		if err != nil {
			return err
		}

		fmt.Println(colors.Bold().Sprint("Undefined:"))
		for _, name := range undef {
			fmt.Printf("    %s\n", colors.Target().Sprint(name))
		}
		fmt.Println(colors.Bold().Sprint("Dead:"))
		for _, id := range dead {
			a := f.Atom(id)
			fmt.Printf("    %s %s\n", colors.Symbol().Sprint(a.Name), colors.Faint().Sprint(a.Section))
		}
		return nil
	},
}
