package client

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewCleanupCommand constructs the `cleanup` command: one retention pass
// over terminal status records and their log entries.
func NewCleanupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired terminal status records and trim streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, closer, err := openProducer(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closer()
			removed, err := tr.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired records\n", removed)
			return nil
		},
	}
	addBackendFlags(cmd)
	return cmd
}
