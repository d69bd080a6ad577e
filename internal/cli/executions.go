// internal/cli/executions.go
package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/colebrumley/reactor/internal/action"
	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/store"
)

// NewExecutionsCommand creates the executions command group.
func NewExecutionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "executions",
		Aliases: []string{"exec"},
		Short:   "Inspect and cancel action executions",
	}
	cmd.AddCommand(newExecutionsListCommand(rootOpts))
	cmd.AddCommand(newExecutionsGetCommand(rootOpts))
	cmd.AddCommand(newExecutionsCancelCommand(rootOpts))
	return cmd
}

func newExecutionsListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		filter   store.ExecutionFilter
		statuses []string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range statuses {
				if !model.ExecutionStatus(s).Valid() {
					return NewExitError(ExitCommandError, fmt.Sprintf("unknown status %q", s))
				}
				filter.Statuses = append(filter.Statuses, model.ExecutionStatus(s))
			}

			svc, err := rootOpts.services(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			executions, err := svc.Store.ListExecutions(cmd.Context(), filter)
			if err != nil {
				return WrapExitError(ExitFailure, "listing executions", err)
			}
			return rootOpts.formatter(cmd).Success(executions, func(w io.Writer) {
				rows := make([][]any, len(executions))
				for i, la := range executions {
					rows[i] = []any{la.ID, la.Action, la.Status, formatTime(la.StartTimestamp), formatTime(la.EndTimestamp)}
				}
				Table(w, "ID\tACTION\tSTATUS\tSTARTED\tENDED", rows)
			})
		},
	}
	cmd.Flags().StringVar(&filter.Action, "action", "", "only executions of this action ref")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only executions in these statuses")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 50, "maximum executions to show")
	return cmd
}

func newExecutionsGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <execution-id>",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := rootOpts.services(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			la, err := svc.Store.GetExecution(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return NewExitError(ExitFailure, fmt.Sprintf("execution %s not found", args[0]))
			}
			if err != nil {
				return WrapExitError(ExitFailure, "reading execution", err)
			}
			return rootOpts.formatter(cmd).Success(la, func(w io.Writer) {
				fmt.Fprintf(w, "ID:          %s\n", la.ID)
				fmt.Fprintf(w, "Action:      %s\n", la.Action)
				fmt.Fprintf(w, "Runner:      %s\n", la.RunnerType)
				fmt.Fprintf(w, "Status:      %s\n", la.Status)
				fmt.Fprintf(w, "Started:     %s\n", formatTime(la.StartTimestamp))
				fmt.Fprintf(w, "Ended:       %s\n", formatTime(la.EndTimestamp))
				fmt.Fprintf(w, "Parameters:  %s\n", la.Parameters.Text())
				fmt.Fprintf(w, "Context:     %s\n", la.Context.Text())
				fmt.Fprintf(w, "Result:      %s\n", la.Result.Text())
			})
		},
	}
}

func newExecutionsCancelCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel an execution that has not finished",
		Long: `Cancel an execution. A queued execution is never dispatched; a running
one is stopped by the daemon's runner within its cancel poll interval.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := rootOpts.services(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			la, err := svc.Actions.Cancel(cmd.Context(), args[0], reason)
			switch {
			case errors.Is(err, action.ErrTerminal):
				return NewExitError(ExitFailure, fmt.Sprintf("execution %s already finished as %s", args[0], la.Status))
			case errors.Is(err, store.ErrNotFound):
				return NewExitError(ExitFailure, fmt.Sprintf("execution %s not found", args[0]))
			case err != nil:
				return WrapExitError(ExitFailure, "canceling execution", err)
			}
			return rootOpts.formatter(cmd).Success(la, func(w io.Writer) {
				fmt.Fprintf(w, "Canceled execution %s\n", la.ID)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "recorded in the execution result")
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
