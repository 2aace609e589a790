package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of atomdump",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if AppVersion == "" {
			AppVersion = "dev"
		}
		fmt.Printf("atomdump v%s", AppVersion)
		if AppBuildTime != "" {
			fmt.Printf(" (%s)", AppBuildTime)
		}
		fmt.Println()
	},
}
