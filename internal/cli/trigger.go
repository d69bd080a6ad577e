// internal/cli/trigger.go
package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/colebrumley/reactor/internal/payload"
	"github.com/colebrumley/reactor/internal/trigger"
)

// FireResult is the output of trigger fire.
type FireResult struct {
	TriggerInstanceID string `json:"trigger_instance_id"`
	Trigger           string `json:"trigger"`
	TraceTag          string `json:"trace_tag"`
}

// NewTriggerCommand creates the trigger command group.
func NewTriggerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Fire and inspect triggers",
	}
	cmd.AddCommand(newTriggerFireCommand(rootOpts))
	cmd.AddCommand(newTriggerListCommand(rootOpts))
	cmd.AddCommand(newTriggerInstancesCommand(rootOpts))
	return cmd
}

func newTriggerFireCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		payloadJSON string
		triggerType string
		params      []string
		traceTag    string
	)
	cmd := &cobra.Command{
		Use:   "fire [trigger-ref]",
		Short: "Create a trigger instance",
		Long: `Create a trigger instance with a JSON payload. Name the trigger by ref,
or by --type with --param key=value pairs. The daemon delivers the
instance to the rules engine.`,
		Example: `  reactor trigger fire ops.deployed --payload '{"version":"1.2.3"}'
  reactor trigger fire --type core.webhook --param url=deploy --payload '{}'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc := trigger.Descriptor{Type: triggerType, TraceTag: traceTag}
			if len(args) > 0 {
				desc.Ref = args[0]
			}
			if desc.Ref == "" && desc.Type == "" {
				return NewExitError(ExitCommandError, "a trigger ref or --type is required")
			}
			parsed, err := parseParams(params)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --param", err)
			}
			desc.Parameters = parsed

			p := payload.Mapping(nil)
			if payloadJSON != "" {
				if p, err = payload.Parse([]byte(payloadJSON)); err != nil {
					return WrapExitError(ExitCommandError, "invalid --payload", err)
				}
			}

			svc, err := rootOpts.services(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			ti, err := svc.Triggers.Dispatch(cmd.Context(), desc, p, time.Now().UTC())
			if err != nil {
				return WrapExitError(ExitFailure, "firing trigger", err)
			}
			if ti == nil {
				return NewExitError(ExitFailure, fmt.Sprintf("trigger %s not found", desc))
			}
			res := FireResult{TriggerInstanceID: ti.ID, Trigger: ti.Trigger, TraceTag: ti.TraceTag}
			return rootOpts.formatter(cmd).Success(res, func(w io.Writer) {
				fmt.Fprintf(w, "Fired %s: trigger instance %s (trace %s)\n", res.Trigger, res.TriggerInstanceID, res.TraceTag)
			})
		},
	}
	cmd.Flags().StringVarP(&payloadJSON, "payload", "p", "", "payload as JSON")
	cmd.Flags().StringVar(&triggerType, "type", "", "trigger type ref, used when no trigger ref is given")
	cmd.Flags().StringArrayVar(&params, "param", nil, "trigger parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&traceTag, "trace-tag", "", "trace tag for the instance")
	return cmd
}

// parseParams turns key=value pairs into a mapping. Values that parse as
// JSON keep their type; anything else is a string.
func parseParams(pairs []string) (payload.Value, error) {
	if len(pairs) == 0 {
		return payload.Value{}, nil
	}
	fields := make(map[string]payload.Value, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return payload.Value{}, fmt.Errorf("%q is not key=value", pair)
		}
		if parsed, err := payload.Parse([]byte(v)); err == nil {
			fields[k] = parsed
		} else {
			fields[k] = payload.String(v)
		}
	}
	return payload.Mapping(fields), nil
}

func newTriggerListCommand(rootOpts *RootOptions) *cobra.Command {
	var triggerType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored triggers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := rootOpts.services(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			triggers, err := svc.Store.ListTriggers(cmd.Context(), triggerType)
			if err != nil {
				return WrapExitError(ExitFailure, "listing triggers", err)
			}
			return rootOpts.formatter(cmd).Success(triggers, func(w io.Writer) {
				rows := make([][]any, len(triggers))
				for i, t := range triggers {
					rows[i] = []any{t.Ref, t.Type, t.Parameters.Text()}
				}
				Table(w, "REF\tTYPE\tPARAMETERS", rows)
			})
		},
	}
	cmd.Flags().StringVar(&triggerType, "type", "", "only triggers of this type")
	return cmd
}

func newTriggerInstancesCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "instances <trigger-ref>",
		Short: "List recent instances of a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := rootOpts.services(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			instances, err := svc.Store.ListTriggerInstances(cmd.Context(), args[0], limit)
			if err != nil {
				return WrapExitError(ExitFailure, "listing trigger instances", err)
			}
			return rootOpts.formatter(cmd).Success(instances, func(w io.Writer) {
				rows := make([][]any, len(instances))
				for i, ti := range instances {
					rows[i] = []any{ti.ID, ti.Status, ti.OccurredAt.Format(time.RFC3339), ti.Payload.Text()}
				}
				Table(w, "ID\tSTATUS\tOCCURRED\tPAYLOAD", rows)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum instances to show")
	return cmd
}
