package cmd

import (
	"github.com/spf13/cobra"
)

var flushCmd = &cobra.Command{
	Use:   "flush-strategy-cache",
	Short: "Flushes the resolved tenant configuration cache.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAdminAPI("DELETE", "/api/v1/strategies/cache", nil)
	},
}

func init() {
	adminCmd.AddCommand(flushCmd)
}
