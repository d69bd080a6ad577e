// internal/cli/content.go
package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/colebrumley/reactor/internal/config"
	"github.com/colebrumley/reactor/internal/policy"
	"github.com/colebrumley/reactor/internal/security"
)

// ValidationResult summarizes a content directory.
type ValidationResult struct {
	Dir          string   `json:"dir"`
	Packs        []string `json:"packs"`
	Actions      int      `json:"actions"`
	Rules        int      `json:"rules"`
	Policies     int      `json:"policies"`
	TriggerTypes int      `json:"trigger_types"`
	Warnings     []string `json:"warnings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [content-dir]",
		Short: "Check pack content without registering it",
		Long: `Load every pack under the content directory and check actions, rules,
policies and trigger types. Policy parameters are checked against their
policy type. Nothing is written to the database.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := contentDir(rootOpts, args)
			if err != nil {
				return err
			}
			return runValidate(rootOpts, cmd, dir)
		},
	}
}

func runValidate(opts *RootOptions, cmd *cobra.Command, dir string) error {
	content, err := config.LoadContent(dir)
	if err != nil {
		return WrapExitError(ExitFailure, "invalid content", err)
	}

	registry := policy.NewRegistry(policy.Deps{Logger: opts.logger(cmd)})
	for _, p := range content.Policies() {
		if err := registry.Validate(p); err != nil {
			return WrapExitError(ExitFailure, "invalid content", fmt.Errorf("policy %s: %w", p.Ref, err))
		}
	}

	res := ValidationResult{
		Dir:          dir,
		Actions:      len(content.Actions()),
		Rules:        len(content.Rules()),
		Policies:     len(content.Policies()),
		TriggerTypes: len(content.TriggerTypes()),
	}
	for _, p := range content.Packs {
		res.Packs = append(res.Packs, p.Name)
	}
	if err := security.ValidateContentTree(dir); err != nil {
		res.Warnings = append(res.Warnings, err.Error())
	}

	return opts.formatter(cmd).Success(res, func(w io.Writer) {
		for _, warning := range res.Warnings {
			fmt.Fprintf(w, "warning: %s\n", warning)
		}
		fmt.Fprintf(w, "✓ %d pack(s) valid: %d actions, %d rules, %d policies, %d trigger types\n",
			len(res.Packs), res.Actions, res.Rules, res.Policies, res.TriggerTypes)
	})
}

// NewRegisterCommand creates the register command.
func NewRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "register [content-dir]",
		Short: "Store pack content in the database",
		Long: `Register every pack under the content directory. Definitions of a
registered pack that are no longer on disk are removed. A running
daemon picks up rule changes on its next content reload.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := rootOpts.services(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			dir := svc.Config.Content.Dir
			if len(args) > 0 {
				dir = args[0]
			}
			content, err := config.LoadContent(dir)
			if err != nil {
				return WrapExitError(ExitFailure, "invalid content", err)
			}
			res, err := svc.Register(cmd.Context(), content)
			if err != nil {
				return WrapExitError(ExitFailure, "registering content", err)
			}
			return rootOpts.formatter(cmd).Success(res, func(w io.Writer) {
				fmt.Fprintf(w, "Registered %d actions, %d rules, %d policies, %d trigger types (%d removed)\n",
					res.Actions, res.Rules, res.Policies, res.TriggerTypes, res.Removed)
			})
		},
	}
}

// contentDir is the explicit argument, or the configured content dir.
func contentDir(opts *RootOptions, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "loading config", err)
	}
	return cfg.Content.Dir, nil
}
