package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/phantomlabs/phantom/internal/domain"
)

const maxWebhookBody = 1 << 20

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, r, fmt.Errorf("read body: %w", domain.ErrInvalidArgument), nil)
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, r, fmt.Errorf("decode body: %w", domain.ErrInvalidArgument), nil)
		return
	}

	ev, err := s.ingress.Receive(r.Context(), source, payload,
		r.Header.Get("X-Webhook-Signature"), r.Header.Get("X-Idempotency-Key"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":         ev.ID,
		"source":     ev.Source,
		"event_type": ev.EventType,
	})
}

func (s *Server) handleRecentWebhooks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, fmt.Errorf("limit %q: %w", raw, domain.ErrInvalidArgument), nil)
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": s.ingress.Recent(limit)})
}
