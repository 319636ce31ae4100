package client

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewWorkersCommand constructs the `workers` command group.
func NewWorkersCommand() *cobra.Command {
	workersCmd := &cobra.Command{
		Use:   "workers",
		Short: "Inspect the worker fleet",
	}
	addBackendFlags(workersCmd)
	workersCmd.AddCommand(newWorkersListCommand())
	return workersCmd
}

func newWorkersListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live workers and their queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, closer, err := openProducer(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closer()
			workers, err := tr.Workers(cmd.Context())
			if err != nil {
				return err
			}
			if len(workers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no live workers")
				return nil
			}
			return printJSON(cmd.OutOrStdout(), workers)
		},
	}
}
