// internal/sensor/webhook.go
package sensor

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
)

// maxWebhookBody caps how much of a request body is read.
const maxWebhookBody = 1 << 20

// Webhook turns HTTP requests on one URL into trigger events. The shared
// HTTP server routes requests to HandleRequest.
type Webhook struct {
	triggerRef     string
	url            string
	allowedMethods map[string]bool
	secretHeader   string
	secret         string
}

// NewWebhook creates a core.webhook sensor. Parameters: url (the path
// under /webhooks/), allowed_methods, and optionally secret_env_var plus
// secret_header to require a shared secret.
func NewWebhook(t *model.Trigger) (*Webhook, error) {
	url := strings.Trim(stringParam(t.Parameters, "url"), "/")
	if url == "" {
		return nil, fmt.Errorf("webhook %s: url is required", t.Ref)
	}

	methods := make(map[string]bool)
	for _, m := range stringsParam(t.Parameters, "allowed_methods") {
		methods[strings.ToUpper(m)] = true
	}

	w := &Webhook{
		triggerRef:     t.Ref,
		url:            url,
		allowedMethods: methods,
		secretHeader:   stringParam(t.Parameters, "secret_header"),
	}
	if env := stringParam(t.Parameters, "secret_env_var"); env != "" {
		w.secret = os.Getenv(env)
		if w.secret == "" {
			return nil, fmt.Errorf("webhook %s: secret env var %s is empty", t.Ref, env)
		}
		if w.secretHeader == "" {
			w.secretHeader = "X-Reactor-Secret"
		}
	}
	return w, nil
}

func (w *Webhook) TriggerRef() string {
	return w.triggerRef
}

// URL returns the path segment under /webhooks/ this sensor serves.
func (w *Webhook) URL() string {
	return w.url
}

// Start blocks until ctx is done. Requests arrive through HandleRequest.
func (w *Webhook) Start(ctx context.Context, events chan<- Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func (w *Webhook) Stop() error {
	return nil
}

// HandleRequest validates a request and emits its contents. It returns
// the HTTP status the caller should answer with.
func (w *Webhook) HandleRequest(r *http.Request, events chan<- Event) int {
	if len(w.allowedMethods) > 0 && !w.allowedMethods[r.Method] {
		return http.StatusMethodNotAllowed
	}
	if w.secret != "" {
		got := r.Header.Get(w.secretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(w.secret)) != 1 {
			return http.StatusUnauthorized
		}
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return http.StatusBadRequest
	}

	// JSON bodies become structured payloads; anything else stays text.
	body := payload.String(string(raw))
	if len(raw) > 0 && json.Valid(raw) {
		if parsed, err := payload.Parse(raw); err == nil {
			body = parsed
		}
	}

	headers := make(map[string]payload.Value)
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = payload.String(v[0])
		}
	}

	ok := send(events, Event{
		Trigger:   w.triggerRef,
		Type:      "webhook",
		Timestamp: time.Now().UTC(),
		Payload: payload.Mapping(map[string]payload.Value{
			"body":    body,
			"headers": payload.Mapping(headers),
			"method":  payload.String(r.Method),
			"path":    payload.String(r.URL.Path),
		}),
	})
	if !ok {
		return http.StatusServiceUnavailable
	}
	return http.StatusAccepted
}
