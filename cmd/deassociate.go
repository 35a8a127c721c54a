package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tokenworks/token-processor/pkg/api"
)

var deassociateCmd = &cobra.Command{
	Use:   "deassociate <tenant-id> <process-id> [process-id...]",
	Short: "Releases worker processes from a tenant.",
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

		return callAdminAPI("DELETE",
			fmt.Sprintf("/api/v1/tenants/%d/associations", tenantID),
			api.AssociationRequest{ProcessIDs: processIDs})
	},
}

func init() {
	adminCmd.AddCommand(deassociateCmd)
}
