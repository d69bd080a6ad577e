// internal/cli/queue.go
package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/queue"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and collect the scheduling queue",
	}
	cmd.AddCommand(newQueueStatsCommand(rootOpts))
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueGCCommand(rootOpts))
	return cmd
}

func newQueueStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count queue items in each state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := rootOpts.services(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			stats, err := svc.Queue.Stats(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "reading queue stats", err)
			}
			return rootOpts.formatter(cmd).Success(stats, func(w io.Writer) {
				Table(w, "READY\tSCHEDULING\tSCHEDULED\tHANDLED", [][]any{
					{stats.Ready, stats.Scheduling, stats.Scheduled, stats.Handled},
				})
			})
		},
	}
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := rootOpts.services(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			items, err := svc.Queue.List(cmd.Context(), model.QueueState(state), limit)
			if err != nil {
				return WrapExitError(ExitFailure, "listing queue items", err)
			}
			return rootOpts.formatter(cmd).Success(items, func(w io.Writer) {
				rows := make([][]any, len(items))
				for i, it := range items {
					rows[i] = []any{it.ID, it.LiveActionID, it.State, formatTime(it.ScheduledStartTimestamp), it.ClaimedBy, it.Message}
				}
				Table(w, "ID\tEXECUTION\tSTATE\tSTART\tWORKER\tMESSAGE", rows)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only items in this state")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum items to show")
	return cmd
}

func newQueueGCCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Run one scheduling queue garbage collection pass",
		Long: `Roll back items stuck in scheduling, hand off items whose execution
already finished, abandon executions whose dispatch was never
acknowledged, and delete old handled items.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := rootOpts.services(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			sc := svc.Config.Scheduler
			res, err := svc.Queue.GC(cmd.Context(), queue.GCOptions{
				SchedulingTimeout: sc.SchedulingTimeout,
				HandledRetention:  sc.HandledRetention,
				Now:               time.Now(),
			})
			if err != nil {
				return WrapExitError(ExitFailure, "collecting queue", err)
			}
			return rootOpts.formatter(cmd).Success(res, func(w io.Writer) {
				fmt.Fprintf(w, "Rolled back %d, completed %d, abandoned %d, deleted %d\n",
					res.RolledBack, res.Completed, res.Abandoned, res.Deleted)
			})
		},
	}
}

// NewGCCommand creates the retention gc command.
func NewGCCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete history past its retention TTL",
		Long: `Delete trigger instances, rule enforcements and finished executions
older than the retention TTLs in the config, then remove triggers no
rule references.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := rootOpts.services(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			res, err := svc.Cleanup(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "retention cleanup", err)
			}
			return rootOpts.formatter(cmd).Success(res, func(w io.Writer) {
				fmt.Fprintf(w, "Deleted %d trigger instances, %d enforcements, %d executions, %d triggers\n",
					res.TriggerInstances, res.Enforcements, res.Executions, res.Triggers)
			})
		},
	}
}
