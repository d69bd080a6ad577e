// internal/bus/nats.go
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/colebrumley/reactor/internal/model"
)

const (
	DefaultSubject    = "reactor.trigger_instances"
	DefaultQueueGroup = "reactor-engine"
)

// NATSOptions configures a NATS bus.
type NATSOptions struct {
	URL        string
	Subject    string
	QueueGroup string
	Name       string
	// HandlerTimeout bounds each delivery. Zero means 30s.
	HandlerTimeout time.Duration
}

// NATS delivers trigger instances over a NATS subject. Subscribers join
// a queue group so each instance is handled by one engine process.
type NATS struct {
	conn    *nats.Conn
	opts    NATSOptions
	logger  *slog.Logger
	mu      sync.Mutex
	subs    []*nats.Subscription
	closing bool
}

// NewNATS connects to the server at opts.URL.
func NewNATS(opts NATSOptions, logger *slog.Logger) (*NATS, error) {
	if opts.Subject == "" {
		opts.Subject = DefaultSubject
	}
	if opts.QueueGroup == "" {
		opts.QueueGroup = DefaultQueueGroup
	}
	if opts.Name == "" {
		opts.Name = "reactor"
	}
	if opts.HandlerTimeout == 0 {
		opts.HandlerTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bus", "subject", opts.Subject)

	conn, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", opts.URL, err)
	}
	return &NATS{conn: conn, opts: opts, logger: logger}, nil
}

func (n *NATS) Publish(ctx context.Context, ti *model.TriggerInstance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ti)
	if err != nil {
		return fmt.Errorf("encoding trigger instance: %w", err)
	}
	if err := n.conn.Publish(n.opts.Subject, data); err != nil {
		if n.conn.IsClosed() {
			return ErrClosed
		}
		return fmt.Errorf("publishing trigger instance %s: %w", ti.ID, err)
	}
	return nil
}

func (n *NATS) Subscribe(ctx context.Context, h Handler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closing || n.conn.IsClosed() {
		return ErrClosed
	}

	sub, err := n.conn.QueueSubscribe(n.opts.Subject, n.opts.QueueGroup, func(msg *nats.Msg) {
		var ti model.TriggerInstance
		if err := json.Unmarshal(msg.Data, &ti); err != nil {
			n.logger.Warn("dropping undecodable trigger instance", "error", err)
			return
		}
		msgCtx, cancel := context.WithTimeout(ctx, n.opts.HandlerTimeout)
		defer cancel()
		h(msgCtx, &ti)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", n.opts.Subject, err)
	}
	n.subs = append(n.subs, sub)

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed && err != nats.ErrBadSubscription {
			n.logger.Warn("unsubscribing", "error", err)
		}
	}()
	return nil
}

// Close drains subscriptions and closes the connection.
func (n *NATS) Close() error {
	n.mu.Lock()
	if n.closing {
		n.mu.Unlock()
		return nil
	}
	n.closing = true
	n.mu.Unlock()

	if err := n.conn.Drain(); err != nil && err != nats.ErrConnectionClosed {
		n.conn.Close()
		return err
	}
	return nil
}
