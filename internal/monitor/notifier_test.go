package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phantomlabs/phantom/internal/domain"
)

func TestWebhookNotifierRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var lastBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var ev domain.ProductEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		lastBody.Store(ev.ID)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, srv.Client())
	n.Notify(context.Background(), domain.ProductEvent{ID: "ev-1", Type: domain.EventRestock})

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "ev-1", lastBody.Load())
}

func TestWebhookNotifierGivesUpOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, srv.Client())
	n.Notify(context.Background(), domain.ProductEvent{ID: "ev-1"})

	assert.Equal(t, int32(1), calls.Load(), "4xx is permanent, no retry")
}
