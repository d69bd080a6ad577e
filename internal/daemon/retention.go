// internal/daemon/retention.go
package daemon

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/colebrumley/reactor/internal/config"
	"github.com/colebrumley/reactor/internal/store"
)

// Retention converts the configured TTLs for the store.
func Retention(cfg config.RetentionConfig) store.Retention {
	return store.Retention{
		TriggerInstances: cfg.TriggerInstances,
		Enforcements:     cfg.Enforcements,
		Executions:       cfg.Executions,
	}
}

// Cleanup runs one retention pass and logs what it removed.
func (s *Services) Cleanup(ctx context.Context) (store.CleanupResult, error) {
	res, err := s.Store.Cleanup(ctx, Retention(s.Config.Retention))
	if err != nil {
		return res, err
	}
	if res.TriggerInstances+res.Enforcements+res.Executions+res.Triggers > 0 {
		s.Logger.Info("retention cleanup",
			"trigger_instances", res.TriggerInstances,
			"rule_enforcements", res.Enforcements,
			"executions", res.Executions,
			"triggers", res.Triggers,
		)
	}
	return res, nil
}

// startRetention schedules Cleanup on the retention cron schedule. The
// returned stop function waits for a running pass to finish.
func (d *Daemon) startRetention(ctx context.Context) (func(), error) {
	logger := d.logger.With("component", "retention")
	c := cron.New(cron.WithLogger(cron.DiscardLogger), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(d.cfg.Retention.Schedule, func() {
		if _, err := d.svc.Cleanup(ctx); err != nil && ctx.Err() == nil {
			logger.Error("retention cleanup failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", d.cfg.Retention.Schedule, err)
	}
	c.Start()
	logger.Info("retention scheduled", "schedule", d.cfg.Retention.Schedule)
	return func() { <-c.Stop().Done() }, nil
}
