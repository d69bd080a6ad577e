// internal/cli/rules.go
package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/colebrumley/reactor/internal/store"
)

// NewRulesCommand creates the rules command group.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and toggle rules",
	}
	cmd.AddCommand(newRulesListCommand(rootOpts))
	cmd.AddCommand(newRuleToggleCommand(rootOpts, "enable", true))
	cmd.AddCommand(newRuleToggleCommand(rootOpts, "disable", false))
	return cmd
}

func newRulesListCommand(rootOpts *RootOptions) *cobra.Command {
	var filter store.RuleFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := rootOpts.services(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			rules, err := svc.Store.ListRules(cmd.Context(), filter)
			if err != nil {
				return WrapExitError(ExitFailure, "listing rules", err)
			}
			return rootOpts.formatter(cmd).Success(rules, func(w io.Writer) {
				rows := make([][]any, len(rules))
				for i, r := range rules {
					kind := "standard"
					if r.IsBackstop() {
						kind = "backstop"
					}
					rows[i] = []any{r.Ref, r.Enabled, kind, r.Trigger.Ref, r.Action.Ref}
				}
				Table(w, "REF\tENABLED\tTYPE\tTRIGGER\tACTION", rows)
			})
		},
	}
	cmd.Flags().StringVar(&filter.TriggerRef, "trigger", "", "only rules bound to this trigger ref")
	cmd.Flags().StringVar(&filter.Pack, "pack", "", "only rules in this pack")
	cmd.Flags().BoolVar(&filter.EnabledOnly, "enabled", false, "skip disabled rules")
	return cmd
}

func newRuleToggleCommand(rootOpts *RootOptions, verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <rule-ref>",
		Short: fmt.Sprintf("%s a rule until the next content reload", verb),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := rootOpts.services(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			err = svc.Store.SetRuleEnabled(cmd.Context(), args[0], enabled)
			if errors.Is(err, store.ErrNotFound) {
				return NewExitError(ExitFailure, fmt.Sprintf("rule %s not found", args[0]))
			}
			if err != nil {
				return WrapExitError(ExitFailure, "updating rule", err)
			}
			res := map[string]any{"ref": args[0], "enabled": enabled}
			return rootOpts.formatter(cmd).Success(res, func(w io.Writer) {
				fmt.Fprintf(w, "Rule %s %sd\n", args[0], verb)
			})
		},
	}
}
