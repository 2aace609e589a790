package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/apex/log"
	clihander "github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/machobj/internal/colors"
	"github.com/blacktop/machobj/internal/config"
	"github.com/blacktop/machobj/pkg/ld"
)

var (
	cfgFile string
	// Verbose boolean flag for verbose logging
	Verbose bool
	// AppVersion stores the build version
	AppVersion string
	// AppBuildTime stores the build time
	AppBuildTime string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "atomdump",
	Short: "Parse Mach-O object files into atoms and fixups",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		if viper.GetBool("no-color") {
			off := false
			colors.Init(&off)
		} else if viper.GetBool("color") {
			on := true
			colors.Init(&on)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	log.SetHandler(clihander.Default)

	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/atomdump/config.yaml)")
	pf.BoolVarP(&Verbose, "verbose", "V", false, "verbose output")
	pf.Bool("color", false, "colorize output")
	pf.Bool("no-color", false, "disable colorized output")
	pf.IntP("jobs", "j", runtime.NumCPU(), "Number of files to parse in parallel")

	pf.StringP("arch", "a", "", "Only accept objects for this arch (e.g. arm64e, x86_64)")
	pf.Bool("subtype-must-match", false, "Reject objects whose cpu subtype differs from --arch")
	pf.StringSlice("platform", nil, "Accepted platform as NAME[:MINOS] (repeatable)")
	pf.Bool("bitcode-as-data", false, "Treat __LLVM bitcode sections as plain data")
	pf.Bool("warn-stabs", false, "Warn about STABS debug info")
	pf.Uint8("max-common-align", 0, "Cap the log2 alignment of tentative definitions (default 15)")
	pf.Bool("auth-pointers", false, "Accept arm64e authenticated pointers")
	pf.Bool("force-dwarf", false, "Prefer FDE unwind info over compact unwind")
	pf.Bool("keep-dwarf-unwind", false, "Keep FDEs even when compact unwind covers the function")

	viper.BindPFlag("verbose", pf.Lookup("verbose"))
	viper.BindPFlag("color", pf.Lookup("color"))
	viper.BindPFlag("no-color", pf.Lookup("no-color"))
	viper.BindPFlag("jobs", pf.Lookup("jobs"))
	viper.BindPFlag("parse.arch", pf.Lookup("arch"))
	viper.BindPFlag("parse.subtype-must-match", pf.Lookup("subtype-must-match"))
	viper.BindPFlag("parse.platforms", pf.Lookup("platform"))
	viper.BindPFlag("parse.treat-bitcode-as-data", pf.Lookup("bitcode-as-data"))
	viper.BindPFlag("parse.warn-stabs", pf.Lookup("warn-stabs"))
	viper.BindPFlag("parse.max-common-align", pf.Lookup("max-common-align"))
	viper.BindPFlag("parse.auth-pointers", pf.Lookup("auth-pointers"))
	viper.BindPFlag("parse.force-dwarf", pf.Lookup("force-dwarf"))
	viper.BindPFlag("parse.keep-dwarf-unwind", pf.Lookup("keep-dwarf-unwind"))
	viper.BindEnv("color", "CLICOLOR")

	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(versionCmd)
	// Settings
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(filepath.Join(home, ".config", "atomdump"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("atomdump")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// parseOptions builds ld.Options from flags, env and the config file.
func parseOptions() (*ld.Options, error) {
	conf, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	opts := conf.Options()
	opts.Logger = log.Log
	return opts, nil
}
