// Package notify delivers pipeline events to configured webhooks.
package notify

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oktsec/actiongate/internal/config"
	"github.com/oktsec/actiongate/internal/netguard"
)

// Event names.
const (
	EventApprovalRequested = "approval_requested"
	EventApprovalDecided   = "approval_decided"
	EventExecutionFailed   = "execution_failed"
	EventWatcherFailed     = "watcher_failed"
)

// Event is the payload sent to webhook endpoints. It never carries
// execution parameters or draft content.
type Event struct {
	Event      string `json:"event"`
	ActionID   string `json:"action_id,omitempty"`
	ActionType string `json:"action_type,omitempty"`
	Risk       string `json:"risk,omitempty"`
	Status     string `json:"status,omitempty"`
	Actor      string `json:"actor,omitempty"`
	Source     string `json:"source,omitempty"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// Notifier sends events to configured webhooks, fire-and-forget.
type Notifier struct {
	webhooks []config.Webhook
	client   *http.Client
	logger   *slog.Logger
	inflight sync.WaitGroup
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithClient replaces the SSRF-guarded client. Private destinations are then
// accepted at validation time too; intended for tests and local relays.
func WithClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// New creates a notifier. Invalid URLs (bad scheme, blocked ranges) are
// logged and skipped.
func New(webhooks []config.Webhook, logger *slog.Logger, opts ...Option) *Notifier {
	n := &Notifier{logger: logger}
	for _, o := range opts {
		o(n)
	}
	guarded := n.client == nil
	if guarded {
		n.client = netguard.NewClient(5*time.Second, false)
	}
	for _, wh := range webhooks {
		if guarded {
			if err := netguard.ValidateURL(wh.URL); err != nil {
				logger.Warn("skipping invalid webhook URL", "url", wh.URL, "error", err)
				continue
			}
		}
		n.webhooks = append(n.webhooks, wh)
	}
	return n
}

// Notify sends event to every matching webhook in the background. A nil
// Notifier drops events.
func (n *Notifier) Notify(event Event) {
	if n == nil {
		return
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	for _, wh := range n.webhooks {
		if !matchesEvent(wh.Events, event.Event) {
			continue
		}
		var body []byte
		if wh.Template != "" {
			body = []byte(RenderTemplate(wh.Template, event))
		} else {
			var err error
			body, err = json.Marshal(event)
			if err != nil {
				n.logger.Error("webhook marshal failed", "error", err)
				return
			}
		}
		n.inflight.Add(1)
		go n.send(wh.URL, body)
	}
}

// Wait blocks until in-flight deliveries finish.
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.inflight.Wait()
}

// RenderTemplate replaces {{TAG}} placeholders in a plain-text template and
// wraps the result in Slack-compatible JSON: {"text":"..."}.
func RenderTemplate(tmpl string, event Event) string {
	r := strings.NewReplacer(
		"{{EVENT}}", event.Event,
		"{{ACTION_ID}}", event.ActionID,
		"{{ACTION_TYPE}}", event.ActionType,
		"{{RISK}}", event.Risk,
		"{{STATUS}}", event.Status,
		"{{ACTOR}}", event.Actor,
		"{{SOURCE}}", event.Source,
		"{{ERROR}}", event.Error,
		"{{TIMESTAMP}}", event.Timestamp,
	)
	payload, _ := json.Marshal(map[string]string{"text": r.Replace(tmpl)})
	return string(payload)
}

// DefaultTemplate is a reviewer-facing message for chat webhooks.
const DefaultTemplate = "*{{EVENT}}* {{ACTION_TYPE}} ({{ACTION_ID}})\n• Risk: {{RISK}}\n• Status: {{STATUS}}"

func (n *Notifier) send(url string, body []byte) {
	defer n.inflight.Done()
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("webhook delivery failed", "url", url, "error", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		n.logger.Warn("webhook returned error", "url", url, "status", resp.StatusCode)
	}
}

func matchesEvent(configured []string, event string) bool {
	if len(configured) == 0 {
		return true
	}
	for _, e := range configured {
		if e == event {
			return true
		}
	}
	return false
}
