// internal/daemon/http.go
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/colebrumley/reactor/internal/queue"
	"github.com/colebrumley/reactor/internal/store"
)

const (
	webhookPrefix = "/webhooks/"
	// Each client address may send this many webhook requests per minute.
	webhookRequestsPerMinute = 120
)

func (d *Daemon) routes() http.Handler {
	limiter := newClientLimiter(webhookRequestsPerMinute, time.Minute)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.handleHealth)
	mux.Handle("/metrics", d.svc.Metrics.Handler())
	mux.Handle(webhookPrefix, limiter.Wrap(http.HandlerFunc(d.handleWebhook)))
	if d.tools != nil {
		mux.Handle("/mcp", d.tools.Handler())
	}
	return mux
}

// startHTTPServer binds the listen address before returning so a port
// conflict fails startup. The server shuts down when ctx is done.
func (d *Daemon) startHTTPServer(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.ListenAddress())
	if err != nil {
		return err
	}
	d.httpServer = &http.Server{
		Handler:           d.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	d.logger.Info("http server listening", "addr", ln.Addr().String())

	go func() {
		if err := d.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("http server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.httpServer.Shutdown(shutdownCtx)
	}()
	return nil
}

type healthResponse struct {
	Status       string       `json:"status"`
	Uptime       string       `json:"uptime"`
	RulesLoaded  int          `json:"rules_loaded"`
	RulesEnabled int          `json:"rules_enabled"`
	Sensors      int          `json:"sensors"`
	Running      int          `json:"running"`
	Queue        *queue.Stats `json:"queue,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rules, err := d.svc.Store.ListRules(r.Context(), store.RuleFilter{})
	if err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	resp := healthResponse{
		Status:      "ok",
		Uptime:      time.Since(d.startTime).Truncate(time.Second).String(),
		RulesLoaded: len(rules),
		Sensors:     d.sensors.Len(),
		Running:     len(d.container.InFlight()),
	}
	for _, rule := range rules {
		if rule.Enabled {
			resp.RulesEnabled++
		}
	}
	if stats, err := d.svc.Queue.Stats(r.Context()); err == nil {
		resp.Queue = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Daemon) handleWebhook(w http.ResponseWriter, r *http.Request) {
	url := strings.Trim(strings.TrimPrefix(r.URL.Path, webhookPrefix), "/")
	status := d.sensors.ServeWebhook(url, r)
	if status != http.StatusAccepted {
		http.Error(w, http.StatusText(status), status)
		return
	}
	writeJSON(w, status, map[string]string{"status": "accepted"})
}

// clientLimiter keeps one token bucket per client address, refilling at
// limit tokens per window.
type clientLimiter struct {
	every  rate.Limit
	burst  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	lim  *rate.Limiter
	last time.Time
}

func newClientLimiter(limit int, window time.Duration) *clientLimiter {
	return &clientLimiter{
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		window:  window,
		now:     time.Now,
		clients: make(map[string]*client),
	}
}

// Allow takes a token for addr, reporting false when its bucket is empty.
func (l *clientLimiter) Allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.clients[addr]
	if !ok {
		c = &client{lim: rate.NewLimiter(l.every, l.burst)}
		l.clients[addr] = c
	}
	c.last = now

	// Idle clients have refilled completely and carry no state worth keeping.
	for k, other := range l.clients {
		if k != addr && now.Sub(other.last) > l.window {
			delete(l.clients, k)
		}
	}
	return c.lim.AllowN(now, 1)
}

func (l *clientLimiter) Wrap(next http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(l.window.Seconds()))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientAddr(r)) {
			w.Header().Set("Retry-After", retryAfter)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
