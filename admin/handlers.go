// Package admin exposes the operator API: delivery attempt inspection,
// manual resend, audit history, and process health.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/slotline/relay/webhook"
)

const defaultListLimit = 256

// GatewayInfo is the slice of gateway state the admin API reports.
type GatewayInfo interface {
	ConnectionCount() int
}

// Handlers carries the dependencies for the admin endpoints.
type Handlers struct {
	store       *webhook.Store
	coordinator *webhook.Coordinator
	gateway     GatewayInfo
}

func NewHandlers(store *webhook.Store, coordinator *webhook.Coordinator, gateway GatewayInfo) *Handlers {
	return &Handlers{
		store:       store,
		coordinator: coordinator,
		gateway:     gateway,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses the limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return defaultListLimit, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit <= 0 || limit > 4096 {
		return 0, fmt.Errorf("limit must be between 1 and 4096")
	}
	return limit, nil
}

// handleHealth handles GET /admin/health
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	pending, err := h.store.CountPending()
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"status":           "ok",
		"connections":      h.gateway.ConnectionCount(),
		"pending_webhooks": pending,
	})
}

// handleListAttempts handles GET /admin/webhooks/attempts
func (h *Handlers) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	resourceKey := r.URL.Query().Get("resource_key")
	if resourceKey == "" {
		writeErrorResponse(w, http.StatusBadRequest, "resource_key is required")
		return
	}

	status := r.URL.Query().Get("status")
	switch status {
	case "", webhook.StatusPending, webhook.StatusInflight, webhook.StatusSent, webhook.StatusFailed:
	default:
		writeErrorResponse(w, http.StatusBadRequest, "unknown status "+status)
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	attempts, err := h.store.ListAttempts(resourceKey, status, limit)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if attempts == nil {
		attempts = []webhook.Attempt{}
	}
	writeJSONResponse(w, attempts)
}

// handleResend handles POST /admin/webhooks/resend/{resourceKey}
func (h *Handlers) handleResend(w http.ResponseWriter, r *http.Request, resourceKey string) {
	actor := r.Header.Get("X-Relay-Actor")
	if actor == "" {
		actor = "unknown"
	}

	affected, err := h.coordinator.ResendByResource(resourceKey, actor)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"resource_key":    resourceKey,
		"attempted_count": affected,
	})
}

// handleListResends handles GET /admin/webhooks/resends
func (h *Handlers) handleListResends(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	audits, err := h.store.ListResendAudits(limit)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if audits == nil {
		audits = []webhook.ResendAudit{}
	}
	writeJSONResponse(w, audits)
}
