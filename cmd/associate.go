package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tokenworks/token-processor/pkg/api"
)

var associateCmd = &cobra.Command{
	Use:   "associate <tenant-id> <process-id> [process-id...]",
	Short: "Dedicates worker processes to a tenant.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid tenant id %q: %w", args[0], err)
		}

		processIDs, err := parseProcessIDs(args[1:])
		if err != nil {
			return err
		}

		return callAdminAPI("POST",
			fmt.Sprintf("/api/v1/tenants/%d/associations", tenantID),
			api.AssociationRequest{ProcessIDs: processIDs})
	},
}

func init() {
	adminCmd.AddCommand(associateCmd)
}
