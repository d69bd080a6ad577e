// internal/daemon/services.go
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/colebrumley/reactor/internal/action"
	"github.com/colebrumley/reactor/internal/bus"
	"github.com/colebrumley/reactor/internal/config"
	"github.com/colebrumley/reactor/internal/enforcer"
	"github.com/colebrumley/reactor/internal/logging"
	"github.com/colebrumley/reactor/internal/metrics"
	"github.com/colebrumley/reactor/internal/policy"
	"github.com/colebrumley/reactor/internal/queue"
	"github.com/colebrumley/reactor/internal/store"
	"github.com/colebrumley/reactor/internal/trigger"
)

// Services is the wired set of components shared by the daemon, the CLI
// and the MCP tool server.
type Services struct {
	Config   *config.Global
	Store    *store.Store
	Bus      bus.Bus // nil when instances are only stored
	Queue    *queue.SQL
	Triggers *trigger.Dispatcher
	Actions  *action.Service
	Policies *policy.Registry
	Enforcer *enforcer.Enforcer
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// OpenServices connects to the database and the bus and wires the
// services on top of them. inProcess selects an in-memory bus when no
// NATS server is configured; other processes store trigger instances
// for the daemon to pick up.
func OpenServices(ctx context.Context, cfg *config.Global, logger *slog.Logger, inProcess bool) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Connect(ctx, store.Options{
		Driver:       cfg.Database.Driver,
		Path:         cfg.Database.Path,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	s := &Services{Config: cfg, Store: st, Logger: logger}

	switch {
	case cfg.Bus.Driver == config.BusNATS:
		host, _ := os.Hostname()
		nb, err := bus.NewNATS(bus.NATSOptions{
			URL:        cfg.Bus.NATSURL,
			Subject:    cfg.Bus.Subject,
			QueueGroup: cfg.Bus.QueueGroup,
			Name:       "reactor-" + host,
		}, logger)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("connecting to nats: %w", err)
		}
		s.Bus = nb
	case inProcess:
		s.Bus = bus.NewMemory(cfg.Bus.Buffer)
	}

	if err := trigger.RegisterBuiltins(ctx, st); err != nil {
		s.Close()
		return nil, fmt.Errorf("registering built-in trigger types: %w", err)
	}

	var pub trigger.Publisher
	if s.Bus != nil {
		pub = s.Bus
	}
	s.Triggers = trigger.NewDispatcher(st, pub, trigger.Options{
		ValidatePayload: cfg.Reactor.ValidateTriggerPayload,
		Logger:          logger,
	})
	s.Queue = queue.New(st)
	s.Actions = action.NewService(st, s.Queue, s.Triggers, logger)
	s.Policies = policy.NewRegistry(policy.Deps{
		Store:     st,
		Requester: s.Actions,
		Logger:    logging.WithComponent(logger, "policy"),
	})
	s.Actions.SetPostRunner(policy.NewService(st, s.Policies, logger))
	s.Enforcer = enforcer.New(st, s.Actions, logger)
	s.Metrics = metrics.New()
	return s, nil
}

// PolicyService returns a policy service over the shared registry.
func (s *Services) PolicyService() *policy.Service {
	return policy.NewService(s.Store, s.Policies, s.Logger)
}

// Close releases the bus and the database.
func (s *Services) Close() error {
	var errs []error
	if s.Bus != nil {
		errs = append(errs, s.Bus.Close())
	}
	errs = append(errs, s.Store.Close())
	return errors.Join(errs...)
}
