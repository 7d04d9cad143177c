package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phantomlabs/phantom/internal/config"
	"github.com/phantomlabs/phantom/internal/webhook"
)

func newTestServer(t *testing.T, whCfg webhook.Config) (*httptest.Server, *webhook.Ingress) {
	t.Helper()
	ing := webhook.New(whCfg, nil)
	s := New(config.Config{
		CORSAllowOrigins:     []string{"*"},
		IngressRatePerMinute: 1000,
	}, ing)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv, ing
}

func postWebhook(t *testing.T, base, source, body, sig, idemKey string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, base+"/v1/webhooks/"+source, bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set("X-Webhook-Signature", sig)
	}
	if idemKey != "" {
		req.Header.Set("X-Idempotency-Key", idemKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, webhook.Config{})
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, webhook.Config{})
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebhookAccepted(t *testing.T) {
	srv, ing := newTestServer(t, webhook.Config{})
	resp := postWebhook(t, srv.URL, "partner", `{"event_type":"restock"}`, "", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "restock", out["event_type"])
	assert.Equal(t, "partner", out["source"])
	assert.NotEmpty(t, out["id"])
	assert.Len(t, ing.Recent(10), 1)
}

func TestWebhookBadSignatureIs401(t *testing.T) {
	srv, _ := newTestServer(t, webhook.Config{Secret: "s"})
	resp := postWebhook(t, srv.URL, "partner", `{"event_type":"restock"}`, "sha256=deadbeef", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "UNAUTHORIZED", out.Error.Code)
}

func TestWebhookValidSignature(t *testing.T) {
	srv, _ := newTestServer(t, webhook.Config{Secret: "s"})
	payload := map[string]any{"event_type": "restock"}
	sig, err := webhook.Signature("s", payload)
	require.NoError(t, err)

	body, err := webhook.CanonicalBody(payload)
	require.NoError(t, err)
	resp := postWebhook(t, srv.URL, "partner", string(body), sig, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestWebhookDuplicateIs409(t *testing.T) {
	srv, _ := newTestServer(t, webhook.Config{})
	resp := postWebhook(t, srv.URL, "partner", `{"event_type":"restock"}`, "", "key-1")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postWebhook(t, srv.URL, "partner", `{"event_type":"restock"}`, "", "key-1")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWebhookRateLimitedIs429WithRetryAfter(t *testing.T) {
	srv, _ := newTestServer(t, webhook.Config{MaxPerWindow: 1, Window: time.Minute})
	resp := postWebhook(t, srv.URL, "partner", `{"event_type":"restock"}`, "", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postWebhook(t, srv.URL, "partner", `{"event_type":"restock"}`, "", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestWebhookMalformedBodyIs400(t *testing.T) {
	srv, _ := newTestServer(t, webhook.Config{})
	resp := postWebhook(t, srv.URL, "partner", `not-json`, "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRecentWebhooks(t *testing.T) {
	srv, _ := newTestServer(t, webhook.Config{})
	for _, typ := range []string{"a", "b", "c"} {
		resp := postWebhook(t, srv.URL, "partner", `{"event_type":"`+typ+`"}`, "", "")
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp, err := http.Get(srv.URL + "/v1/webhooks/recent?limit=2")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Webhooks []struct {
			EventType string `json:"event_type"`
		} `json:"webhooks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Webhooks, 2)
	assert.Equal(t, "c", out.Webhooks[0].EventType, "newest first")

	resp, err = http.Get(srv.URL + "/v1/webhooks/recent?limit=abc")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
