package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	jobpkg "github.com/rzbill/toil/internal/job"
	"github.com/rzbill/toil/internal/queue"
)

// NewJobCommand constructs the `job` command group.
func NewJobCommand() *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Dispatch and inspect jobs",
	}
	addBackendFlags(jobCmd)
	jobCmd.AddCommand(
		newJobDispatchCommand(),
		newJobStatusCommand(),
		newJobListCommand(),
		newJobCancelCommand(),
		newJobCancelAllCommand(),
	)
	return jobCmd
}

func newJobDispatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch <class>",
		Short: "Dispatch a job onto a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, _ := cmd.Flags().GetString("queue")
			rawArgs, _ := cmd.Flags().GetString("args")
			jobID, _ := cmd.Flags().GetString("job-id")
			priority, _ := cmd.Flags().GetInt("priority")
			maxRetries, _ := cmd.Flags().GetInt("max-retries")
			retryDelay, _ := cmd.Flags().GetDuration("retry-delay")
			scheduleIn, _ := cmd.Flags().GetDuration("schedule-in")
			noOverlap, _ := cmd.Flags().GetBool("no-overlap")
			overlapDelay, _ := cmd.Flags().GetDuration("overlap-delay")
			wait, _ := cmd.Flags().GetDuration("wait")

			if rawArgs != "" && !json.Valid([]byte(rawArgs)) {
				return fmt.Errorf("--args must be valid JSON")
			}

			tr, client, err := buildProducer(cmd, queueName)
			if err != nil {
				return err
			}
			defer client.Close()
			q, err := queue.New(queueName, tr, queue.Options{})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := q.Start(ctx); err != nil {
				return err
			}
			defer q.Stop(context.Background())

			opts := jobpkg.Options{
				Priority:     priority,
				RetryDelay:   retryDelay,
				OverlapDelay: overlapDelay,
			}
			if maxRetries >= 0 {
				opts.MaxRetries = jobpkg.IntPtr(maxRetries)
			}
			if scheduleIn > 0 {
				opts.ScheduledFor = time.Now().Add(scheduleIn)
			}
			if noOverlap {
				opts.Overlap = jobpkg.NoOverlap
			}

			jid, did, err := q.Dispatch(ctx, queue.DispatchRequest{
				Class:   args[0],
				Args:    json.RawMessage(rawArgs),
				JobID:   jobID,
				Options: opts,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "jobId: %s\ndispatchId: %s\n", jid, did)

			if wait <= 0 {
				return nil
			}
			return waitTerminal(ctx, cmd, q, jid, did, wait)
		},
	}
	cmd.Flags().String("queue", "default", "Queue name")
	cmd.Flags().String("args", "", "Job arguments as JSON")
	cmd.Flags().String("job-id", "", "Logical job id (generated when empty)")
	cmd.Flags().Int("priority", 0, "Selection priority, higher first")
	cmd.Flags().Int("max-retries", -1, "Retry budget (-1 uses the worker's default)")
	cmd.Flags().Duration("retry-delay", 0, "Delay between retries")
	cmd.Flags().Duration("schedule-in", 0, "Run no earlier than now plus this delay")
	cmd.Flags().Bool("no-overlap", false, "Serialize dispatches of this job id fleet-wide")
	cmd.Flags().Duration("overlap-delay", 0, "Hold the overlap lock this long after completion")
	cmd.Flags().Duration("wait", 0, "Wait up to this long for a terminal status")
	return cmd
}

func waitTerminal(ctx context.Context, cmd *cobra.Command, q *queue.Queue, jobID, dispatchID string, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		si, err := q.JobStatus(ctx, jobID, dispatchID)
		if err == nil && si.Status.Terminal() {
			return printJSON(cmd.OutOrStdout(), si)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("dispatch not terminal after %s", wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func newJobStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <jobId> <dispatchId>",
		Short: "Show the status record for one dispatch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, _ := cmd.Flags().GetString("queue")
			tr, closer, err := openProducer(cmd.Context(), cmd, queueName)
			if err != nil {
				return err
			}
			defer closer()
			si, err := tr.JobStatus(cmd.Context(), queueName, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), si)
		},
	}
	cmd.Flags().String("queue", "default", "Queue name")
	return cmd
}

func newJobListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List status records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, _ := cmd.Flags().GetString("queue")
			statusFilter, _ := cmd.Flags().GetString("status")
			if statusFilter != "" && !jobpkg.Status(statusFilter).Valid() {
				return fmt.Errorf("unknown status %q", statusFilter)
			}
			tr, closer, err := openProducer(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closer()
			records, err := tr.Statuses(cmd.Context(), queueName)
			if err != nil {
				return err
			}
			if statusFilter != "" {
				filtered := records[:0]
				for _, si := range records {
					if si.Status == jobpkg.Status(statusFilter) {
						filtered = append(filtered, si)
					}
				}
				records = filtered
			}
			return printJSON(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().String("queue", "", "Limit to one queue")
	cmd.Flags().String("status", "", "Limit to one status")
	return cmd
}

func newJobCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <jobId>",
		Short: "Request cooperative cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, _ := cmd.Flags().GetString("queue")
			tr, closer, err := openProducer(cmd.Context(), cmd, queueName)
			if err != nil {
				return err
			}
			defer closer()
			q, err := queue.New(queueName, tr, queue.Options{})
			if err != nil {
				return err
			}
			if err := q.CancelJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancel requested")
			return nil
		},
	}
	cmd.Flags().String("queue", "default", "Queue name")
	return cmd
}

func newJobCancelAllCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel-all",
		Short: "Request cancellation of every job on a queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, _ := cmd.Flags().GetString("queue")
			tr, closer, err := openProducer(cmd.Context(), cmd, queueName)
			if err != nil {
				return err
			}
			defer closer()
			q, err := queue.New(queueName, tr, queue.Options{})
			if err != nil {
				return err
			}
			if err := q.CancelAllJobs(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancel-all requested")
			return nil
		},
	}
	cmd.Flags().String("queue", "default", "Queue name")
	return cmd
}
