package handlers

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"

	"eventrelay/internal/core"
	"eventrelay/internal/types"
)

const defaultListLimit = 50

// EventReader is the read side of the event store used by the admin surface.
type EventReader interface {
	Get(ctx context.Context, id string) (*types.Event, error)
	Query(ctx context.Context, filter types.EventFilter, page types.PageRequest) ([]*types.Event, types.PageInfo, error)
	Summarize(ctx context.Context, filter types.EventFilter) (*types.EventSummary, error)
	Export(ctx context.Context, filter types.EventFilter, maxRows int, fn func(*types.Event) error) (int, error)
}

// AdminEventsHandler serves the operator queries over recorded events. It is
// mounted under /v1/admin and relies on the admin key middleware.
type AdminEventsHandler struct {
	events        EventReader
	validator     *core.Validator
	exportMaxRows int
	maxRetries    int
	logger        *slog.Logger
	now           func() time.Time
}

// NewAdminEventsHandler creates an AdminEventsHandler. maxRetries is the
// retry allowance the exhausted filter compares retry_count against.
func NewAdminEventsHandler(events EventReader, validator *core.Validator, exportMaxRows, maxRetries int, logger *slog.Logger) *AdminEventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if exportMaxRows <= 0 {
		exportMaxRows = 50000
	}
	return &AdminEventsHandler{
		events:        events,
		validator:     validator,
		exportMaxRows: exportMaxRows,
		maxRetries:    maxRetries,
		logger:        logger,
		now:           time.Now,
	}
}

// RegisterRoutes mounts the event routes on the admin router.
func (h *AdminEventsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/events", h.List)
	r.Get("/events/summary", h.Summary)
	r.Get("/events/export", h.Export)
	r.Get("/events/{id}", h.Get)
}

// eventQuery holds the raw filter parameters shared by every listing.
type eventQuery struct {
	Source  string `query:"source" validate:"omitempty,max=64"`
	Type    string `query:"type" validate:"omitempty,max=128"`
	Outcome string `query:"outcome" validate:"outcome"`
	From    string `query:"from" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	To      string `query:"to" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Limit   int    `query:"limit" validate:"min=1,max=500"`
	// Exhausted selects failed events with no retries left.
	Exhausted string `query:"exhausted" validate:"omitempty,oneof=true false"`
}

// parseFilter validates the query string and builds the store filter.
func (h *AdminEventsHandler) parseFilter(r *http.Request) (types.EventFilter, int, error) {
	q := r.URL.Query()
	params := eventQuery{
		Source:  strings.TrimSpace(q.Get("source")),
		Type:    strings.TrimSpace(q.Get("type")),
		Outcome: strings.TrimSpace(q.Get("outcome")),
		From:    q.Get("from"),
		To:      q.Get("to"),
		Limit:   defaultListLimit,

		Exhausted: strings.TrimSpace(q.Get("exhausted")),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return types.EventFilter{}, 0, types.NewAppError(types.ErrCodeValidationInvalidFilter, "limit must be an integer", err).
				WithDetails(map[string]any{"limit": "integer"})
		}
		params.Limit = n
	}
	if err := h.validator.ValidateStruct(params); err != nil {
		return types.EventFilter{}, 0, err
	}

	filter := types.EventFilter{
		SourceSystem: params.Source,
		EventType:    params.Type,
		Outcome:      types.Outcome(params.Outcome),
	}
	// Layout already checked by the validator.
	if params.From != "" {
		filter.From, _ = time.Parse(time.RFC3339, params.From)
	}
	if params.To != "" {
		filter.To, _ = time.Parse(time.RFC3339, params.To)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.From.After(filter.To) {
		return types.EventFilter{}, 0, types.NewAppError(types.ErrCodeValidationInvalidFilter, "from must not be after to", nil)
	}
	if params.Exhausted == "true" {
		if filter.Outcome != "" && filter.Outcome != types.OutcomeFailed {
			return types.EventFilter{}, 0, types.NewAppError(types.ErrCodeValidationInvalidFilter, "exhausted events are always failed", nil).
				WithDetails(map[string]any{"outcome": string(filter.Outcome)})
		}
		filter.Exhausted = true
		filter.MaxRetries = h.maxRetries
	}
	return filter, params.Limit, nil
}

// List handles GET /v1/admin/events, newest first with keyset pagination.
func (h *AdminEventsHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, limit, err := h.parseFilter(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	page := types.PageRequest{Limit: limit}
	if token := r.URL.Query().Get("cursor"); token != "" {
		cursor, err := types.DecodeEventCursor(token)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		page.Cursor = cursor
	}

	evts, info, err := h.events.Query(r.Context(), filter, page)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list events", "error", err)
		core.Error(w, r, err)
		return
	}

	resp := types.ListResponse[*types.Event]{Data: evts, PageInfo: info}
	if resp.Data == nil {
		resp.Data = []*types.Event{}
	}
	core.JSON(w, r, http.StatusOK, resp)
}

// Get handles GET /v1/admin/events/{id}.
func (h *AdminEventsHandler) Get(w http.ResponseWriter, r *http.Request) {
	evt, err := h.events.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if !types.IsCode(err, types.ErrCodeNotFoundEvent) {
			h.logger.ErrorContext(r.Context(), "failed to load event", "error", err)
		}
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: evt})
}

// Summary handles GET /v1/admin/events/summary.
func (h *AdminEventsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	filter, _, err := h.parseFilter(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	summary, err := h.events.Summarize(r.Context(), filter)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to summarize events", "error", err)
		core.Error(w, r, err)
		return
	}
	if summary.Rows == nil {
		summary.Rows = []types.EventSummaryRow{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: summary})
}

var exportHeader = []string{
	"id", "source_system", "event_type", "external_id", "outcome",
	"retry_count", "failure_reason", "received_at", "processed_at",
}

// Export handles GET /v1/admin/events/export, streaming matching events
// oldest first as CSV. The body is gzip-compressed when the client accepts it.
// Nothing is written until the first row arrives, so a failing query still
// gets a proper error response; later errors can only end the stream.
func (h *AdminEventsHandler) Export(w http.ResponseWriter, r *http.Request) {
	filter, _, err := h.parseFilter(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var (
		cw *csv.Writer
		gz *gzip.Writer
	)
	begin := func() error {
		filename := fmt.Sprintf("events-%s.csv", h.now().UTC().Format("20060102T150405Z"))
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
		w.Header().Add("Vary", "Accept-Encoding")

		var out io.Writer = w
		if acceptsGzip(r) {
			w.Header().Set("Content-Encoding", "gzip")
			gz = gzip.NewWriter(w)
			out = gz
		}
		cw = csv.NewWriter(out)
		return cw.Write(exportHeader)
	}

	n, err := h.events.Export(r.Context(), filter, h.exportMaxRows, func(evt *types.Event) error {
		if cw == nil {
			if err := begin(); err != nil {
				return err
			}
		}
		return cw.Write(exportRow(evt))
	})
	if err != nil && cw == nil {
		h.logger.ErrorContext(r.Context(), "failed to export events", "error", err)
		core.Error(w, r, err)
		return
	}
	if cw == nil {
		err = begin()
	}

	cw.Flush()
	if err == nil {
		err = cw.Error()
	}
	if gz != nil {
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "export aborted", "rows", n, "error", err)
		return
	}
	h.logger.InfoContext(r.Context(), "events exported",
		"rows", n,
		"truncated", n >= h.exportMaxRows,
	)
}

func exportRow(evt *types.Event) []string {
	processed := ""
	if evt.ProcessedAt != nil {
		processed = evt.ProcessedAt.UTC().Format(time.RFC3339)
	}
	return []string{
		evt.ID,
		evt.SourceSystem,
		evt.EventType,
		evt.ExternalID,
		string(evt.Outcome),
		strconv.Itoa(evt.RetryCount),
		evt.FailureReason,
		evt.ReceivedAt.UTC().Format(time.RFC3339),
		processed,
	}
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		enc, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			continue
		}
		if q := strings.ReplaceAll(params, " ", ""); q == "q=0" || q == "q=0.0" {
			return false
		}
		return true
	}
	return false
}
