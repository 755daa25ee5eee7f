// Package handlers contains the HTTP handlers of the event relay: webhook
// ingestion and the administrative event queries.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"eventrelay/internal/core"
	"eventrelay/internal/events"
)

// defaultMaxWebhookBytes caps inbound webhook bodies (256 KB).
const defaultMaxWebhookBytes = 256 * 1024

// WebhookIngestor verifies, records and dispatches one delivery.
type WebhookIngestor interface {
	Ingest(ctx context.Context, source string, payload []byte, header http.Header) (*events.IngestResult, error)
}

// WebhookHandler receives provider callbacks. It is not behind the admin
// middleware; every request is authenticated by its source's signature scheme.
type WebhookHandler struct {
	ingestor WebhookIngestor
	maxBytes int64
	logger   *slog.Logger
}

// webhookResponse acknowledges a recorded delivery.
type webhookResponse struct {
	Received  bool   `json:"received"`
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
}

// NewWebhookHandler creates a WebhookHandler. maxBytes <= 0 selects 256 KB.
func NewWebhookHandler(ingestor WebhookIngestor, maxBytes int64, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxWebhookBytes
	}
	return &WebhookHandler{
		ingestor: ingestor,
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// RegisterRoutes mounts POST /webhooks/{source}.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/{source}", h.Handle)
}

// Handle processes one delivery.
//
//  1. Reads the raw body (413 over the size cap).
//  2. Ingests it: signature check (401, or 404 for an unknown source),
//     envelope parse (400), record, dispatch.
//  3. Returns 200 once the event is recorded, whether or not its handlers
//     succeeded. Handler failures are retried from the event store, so the
//     provider is not asked to redeliver. A store failure returns 500 so the
//     provider does redeliver.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")

	payload, err := core.ReadBody(w, r, h.maxBytes)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body",
			"source", source,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	res, err := h.ingestor.Ingest(r.Context(), source, payload, r.Header)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, webhookResponse{
		Received:  true,
		EventID:   res.Event.ID,
		Duplicate: res.Duplicate,
	})
}
