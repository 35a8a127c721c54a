package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/tokenworks/token-processor/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the version of token-processor.",
	Long:  `Prints the version of token-processor.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s\nOS/Arch: %s/%s\n", version.Full(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
