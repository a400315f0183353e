package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/oktsec/actiongate/internal/config"
	"github.com/oktsec/actiongate/internal/netguard"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxResponseBytes caps how much of an executor response is read.
const maxResponseBytes = 64 << 10

// Webhook executes plans by POSTing them as JSON to a remote endpoint:
//
//	{"target_system": "...", "operation": "...", "parameters": {...}}
//
// The endpoint answers 2xx with {"id": "..."} on success.
type Webhook struct {
	url    string
	token  string
	client *http.Client
}

// webhookRequest is the JSON body sent to the endpoint.
type webhookRequest struct {
	TargetSystem string         `json:"target_system"`
	Operation    string         `json:"operation"`
	Parameters   map[string]any `json:"parameters"`
}

type webhookResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// NewWebhook builds a webhook executor from config. The bearer token is read
// from the environment variable named by TokenEnv.
func NewWebhook(cfg config.WebhookExecutor) (*Webhook, error) {
	if !cfg.AllowPrivate {
		if err := netguard.ValidateURL(cfg.URL); err != nil {
			return nil, fmt.Errorf("executor %s: %w", cfg.TargetSystem, err)
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := netguard.NewClient(timeout, cfg.AllowPrivate)
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)

	w := &Webhook{url: cfg.URL, client: client}
	if cfg.TokenEnv != "" {
		w.token = os.Getenv(cfg.TokenEnv)
	}
	return w, nil
}

// Execute implements Executor.
func (w *Webhook) Execute(ctx context.Context, targetSystem, operation string, params map[string]any) Result {
	body, err := json.Marshal(webhookRequest{TargetSystem: targetSystem, Operation: operation, Parameters: params})
	if err != nil {
		return Failure(KindValidation, fmt.Sprintf("encoding parameters: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Failure(KindValidation, fmt.Sprintf("building request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Failure(classifyTransportError(err), err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	var out webhookResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Success(out.ID)
	}
	msg := out.Error
	if msg == "" {
		msg = out.Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return Failure(ClassifyStatus(resp.StatusCode), fmt.Sprintf("%s returned %d: %s", targetSystem, resp.StatusCode, msg))
}

// ClassifyStatus maps an HTTP status code to an error kind.
func ClassifyStatus(code int) ErrorKind {
	switch code {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return KindNetwork
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusNotFound, http.StatusConflict:
		return KindValidation
	}
	return KindUnknown
}

func classifyTransportError(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}
