// internal/cli/root.go
package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/colebrumley/reactor/internal/config"
	"github.com/colebrumley/reactor/internal/daemon"
	"github.com/colebrumley/reactor/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	Verbose    bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the reactor CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "reactor",
		Short: "Operate a reactor deployment",
		Long: `Register content, fire triggers and inspect rules, executions and the
scheduling queue of a reactor deployment. Commands talk to the database
directly; trigger instances fired here are picked up by the daemon.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default $"+config.EnvConfig+" or "+config.DefaultConfigPath+")")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log to stderr")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewRegisterCommand(opts))
	cmd.AddCommand(NewTriggerCommand(opts))
	cmd.AddCommand(NewRulesCommand(opts))
	cmd.AddCommand(NewExecutionsCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewGCCommand(opts))
	cmd.AddCommand(NewMCPCommand(opts))

	return cmd
}

func (o *RootOptions) logger(cmd *cobra.Command) *slog.Logger {
	if !o.Verbose {
		return logging.Discard()
	}
	return logging.NewLogger("text", "debug", cmd.ErrOrStderr())
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// services loads the config and opens the shared services. The caller
// closes them.
func (o *RootOptions) services(cmd *cobra.Command) (*daemon.Services, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "loading config", err)
	}
	svc, err := daemon.OpenServices(cmd.Context(), cfg, o.logger(cmd), false)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "opening services", err)
	}
	return svc, nil
}
