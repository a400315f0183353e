package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oktsec/actiongate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindTransient(t *testing.T) {
	for _, k := range []ErrorKind{KindRateLimited, KindTimeout, KindNetwork} {
		assert.True(t, k.Transient(), k)
	}
	for _, k := range []ErrorKind{KindAuth, KindValidation, KindUnknown, ""} {
		assert.False(t, k.Transient(), k)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("facebook", Func(func(_ context.Context, target, op string, params map[string]any) Result {
		return Success(target + "/" + op + "/" + params["content"].(string))
	}))
	r.Register("gmail", Func(func(context.Context, string, string, map[string]any) Result {
		return Failure(KindAuth, "token expired")
	}))

	assert.Equal(t, []string{"facebook", "gmail"}, r.Targets())

	res := r.Execute(context.Background(), "facebook", "create_post", map[string]any{"content": "hi"})
	assert.Equal(t, Success("facebook/create_post/hi"), res)

	res = r.Execute(context.Background(), "linkedin", "post", nil)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, KindValidation, res.ErrorKind)

	_, err := r.Lookup("linkedin")
	assert.ErrorIs(t, err, ErrNoExecutor)
}

func TestClassifyStatus(t *testing.T) {
	tests := map[int]ErrorKind{
		429: KindRateLimited,
		408: KindTimeout,
		504: KindTimeout,
		503: KindNetwork,
		401: KindAuth,
		403: KindAuth,
		400: KindValidation,
		422: KindValidation,
		500: KindUnknown,
	}
	for code, want := range tests {
		assert.Equal(t, want, ClassifyStatus(code), code)
	}
}

func TestWebhookExecute(t *testing.T) {
	t.Setenv("FB_EXECUTOR_TOKEN", "s3cret")

	var got webhookRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		switch got.Operation {
		case "create_post":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"123"}`))
		case "throttled":
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"slow down"}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	w, err := NewWebhook(config.WebhookExecutor{
		TargetSystem: "facebook", URL: srv.URL, TokenEnv: "FB_EXECUTOR_TOKEN", AllowPrivate: true,
	})
	require.NoError(t, err)

	res := w.Execute(context.Background(), "facebook", "create_post", map[string]any{"content": "Test"})
	assert.Equal(t, Success("123"), res)
	assert.Equal(t, "Bearer s3cret", auth)
	assert.Equal(t, "Test", got.Parameters["content"])

	res = w.Execute(context.Background(), "facebook", "throttled", map[string]any{"x": 1})
	assert.Equal(t, KindRateLimited, res.ErrorKind)
	assert.Contains(t, res.Message, "slow down")

	res = w.Execute(context.Background(), "facebook", "other", map[string]any{"x": 1})
	assert.Equal(t, KindAuth, res.ErrorKind)
	assert.Contains(t, res.Message, "Unauthorized")
}

func TestWebhookTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	w, err := NewWebhook(config.WebhookExecutor{
		TargetSystem: "slow", URL: srv.URL, Timeout: 20 * time.Millisecond, AllowPrivate: true,
	})
	require.NoError(t, err)
	res := w.Execute(context.Background(), "slow", "op", map[string]any{"a": "b"})
	assert.Equal(t, KindTimeout, res.ErrorKind)
	assert.True(t, res.ErrorKind.Transient())
}

func TestNewWebhookRejectsPrivateURL(t *testing.T) {
	_, err := NewWebhook(config.WebhookExecutor{TargetSystem: "x", URL: "http://10.0.0.5/run"})
	assert.Error(t, err)
}
