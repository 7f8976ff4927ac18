package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/session-replay/internal/domain"
	"github.com/adiadia/session-replay/internal/metrics"
	"github.com/adiadia/session-replay/internal/transport/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultMaxBodyBytes = 10 << 20
	readyTimeout        = 2 * time.Second
	finalizeTimeout     = 30 * time.Second

	batchAppend   = "append"
	batchFinalize = "finalize"
)

type ingestRequest struct {
	SessionID string          `json:"sessionId"`
	Events    json.RawMessage `json:"events"`
	Finalize  bool            `json:"finalize"`
}

type ingestBatch struct {
	SessionID string
	Events    []domain.CapturedEvent
	Finalize  bool
}

type appendRequest struct {
	Events json.RawMessage `json:"events"`
}

type Deps struct {
	// Buffer is nil when batches are persisted directly without actors.
	Buffer SessionBuffer

	Persister     SessionPersister
	Catalog       SessionCatalog
	Notifier      FinalizeNotifier
	Health        HealthChecker
	Logger        *slog.Logger
	InternalToken string
	MaxBodyBytes  int64
	Version       string
	Commit        string
	BuildDate     string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	h := &handlers{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))
	r.Use(chimw.Recoverer)

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("health check hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
			defer cancel()

			if err := deps.Health.Check(ctx); err != nil {
				logger.Warn("readiness check failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store not ready"})
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- SESSIONS ----------------

	r.Route("/api/sessions", func(r chi.Router) {
		r.With(chimw.RequestSize(maxBody)).Post("/", h.ingest)
		r.Get("/", h.listSessions)
		r.Get("/{id}", h.getSession)
	})

	// ---------------- ACTOR PROTOCOL (INTERNAL) ----------------

	if deps.Buffer != nil && strings.TrimSpace(deps.InternalToken) != "" {
		r.Route("/internal/sessions/{id}", func(r chi.Router) {
			r.Use(middleware.InternalTokenAuth(deps.InternalToken, logger))
			r.With(chimw.RequestSize(maxBody)).Post("/append", h.actorAppend)
			r.Post("/finalize", h.actorFinalize)
		})
	}

	return r
}

type handlers struct {
	deps   Deps
	logger *slog.Logger
}

func (h *handlers) ingest(w http.ResponseWriter, r *http.Request) {
	batch, err := decodeIngestRequest(r)
	if err != nil {
		kind := batchAppend
		if batch.Finalize {
			kind = batchFinalize
		}
		metrics.IncBatch(kind, "invalid")
		h.writeError(w, r, err)
		return
	}

	if batch.Finalize {
		h.finalize(w, r, batch)
		return
	}

	ctx := r.Context()
	message := "Events buffered"
	if h.deps.Buffer != nil {
		_, err = h.deps.Buffer.Append(ctx, batch.SessionID, batch.Events)
	} else {
		message = "Events stored"
		_, err = h.deps.Persister.Execute(ctx, batch.SessionID, batch.Events, false)
	}
	if err != nil {
		metrics.IncBatch(batchAppend, outcome(err))
		h.logger.Error("append batch failed",
			"session_id", batch.SessionID,
			"batch_size", len(batch.Events),
			"error", err,
		)
		h.writeError(w, r, err)
		return
	}

	metrics.IncBatch(batchAppend, "ok")
	metrics.AddEventsIngested(len(batch.Events))
	writeJSON(w, http.StatusOK, map[string]string{
		"sessionId": batch.SessionID,
		"message":   message,
	})
}

// finalize drains the session's buffer and persists it together with the
// request's events. On failure the drained events go back into the buffer.
// Once started it runs to completion even if the client goes away.
func (h *handlers) finalize(w http.ResponseWriter, r *http.Request, batch ingestBatch) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), finalizeTimeout)
	defer cancel()

	var buffered []domain.CapturedEvent
	if h.deps.Buffer != nil {
		data, err := h.deps.Buffer.Finalize(ctx, batch.SessionID)
		if err != nil {
			metrics.IncBatch(batchFinalize, outcome(err))
			h.logger.Error("finalize buffer failed", "session_id", batch.SessionID, "error", err)
			h.writeError(w, r, err)
			return
		}
		buffered = data.Events
	}

	all := make([]domain.CapturedEvent, 0, len(buffered)+len(batch.Events))
	all = append(all, buffered...)
	all = append(all, batch.Events...)

	res, err := h.deps.Persister.Execute(ctx, batch.SessionID, all, true)
	if err != nil {
		metrics.IncBatch(batchFinalize, outcome(err))
		h.logger.Error("persist finalized session failed",
			"session_id", batch.SessionID,
			"event_count", len(all),
			"error", err,
		)
		h.restore(ctx, batch.SessionID, buffered)
		h.writeError(w, r, err)
		return
	}

	metrics.IncBatch(batchFinalize, "ok")
	metrics.AddEventsIngested(len(batch.Events))

	if res.Persisted && h.deps.Notifier != nil {
		go h.deps.Notifier.Notify(context.WithoutCancel(r.Context()), res.Metadata, metrics.TriggerExplicit)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": batch.SessionID,
		"message":   "Session finalized",
		"metadata":  res.Metadata,
	})
}

func (h *handlers) restore(ctx context.Context, sessionID string, events []domain.CapturedEvent) {
	if len(events) == 0 || h.deps.Buffer == nil {
		return
	}

	if _, err := h.deps.Buffer.Append(context.WithoutCancel(ctx), sessionID, events); err != nil {
		h.logger.Error("restore buffered events failed",
			"session_id", sessionID,
			"event_count", len(events),
			"error", err,
		)
		return
	}
	h.logger.Warn("buffered events restored after failed finalize",
		"session_id", sessionID,
		"event_count", len(events),
	)
}

func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	sessions, err := h.deps.Catalog.List(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list sessions failed", "error", err)
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
	})
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	data, err := h.deps.Catalog.Get(r.Context(), sessionID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			h.logger.Error("get session failed", "session_id", sessionID, "error", err)
		}
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"events":    nonNilEvents(data.Events),
		"metadata":  data.Metadata,
	})
}

func (h *handlers) actorAppend(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, bodyError(err))
		return
	}
	events, err := decodeEvents(req.Events)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	count, err := h.deps.Buffer.Append(r.Context(), sessionID, events)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"buffered":   true,
		"eventCount": count,
	})
}

func (h *handlers) actorFinalize(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	data, err := h.deps.Buffer.Finalize(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"finalized": true,
		"sessionData": domain.SessionData{
			Events:   nonNilEvents(data.Events),
			Metadata: data.Metadata,
		},
	})
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
	case errors.Is(err, domain.ErrInvalidBatch):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Session not found"})
	default:
		reqID, _ := requestIDFromContext(r.Context())
		h.logger.Error("request failed", "request_id", reqID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeIngestRequest parses one ingest body. Appends need a non-empty
// events array; finalize accepts an empty one.
func decodeIngestRequest(r *http.Request) (ingestBatch, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return ingestBatch{}, fmt.Errorf("%w: request body is required", domain.ErrInvalidBatch)
	}

	var req ingestRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		return ingestBatch{}, bodyError(err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return ingestBatch{}, fmt.Errorf("%w: request body must contain exactly one JSON object", domain.ErrInvalidBatch)
	}

	batch := ingestBatch{
		SessionID: strings.TrimSpace(req.SessionID),
		Finalize:  req.Finalize,
	}
	if batch.SessionID == "" {
		return batch, fmt.Errorf("%w: sessionId is required", domain.ErrInvalidBatch)
	}

	events, err := decodeEventArray(req.Events)
	if err != nil {
		return batch, err
	}
	if !batch.Finalize && len(events) == 0 {
		return batch, fmt.Errorf("%w: events must not be empty", domain.ErrInvalidBatch)
	}
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return batch, err
		}
	}

	batch.Events = events
	return batch, nil
}

// decodeEvents parses a non-empty events array.
func decodeEvents(raw json.RawMessage) ([]domain.CapturedEvent, error) {
	events, err := decodeEventArray(raw)
	if err != nil {
		return nil, err
	}
	if err := domain.ValidateEvents(events); err != nil {
		return nil, err
	}
	return events, nil
}

func decodeEventArray(raw json.RawMessage) ([]domain.CapturedEvent, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: events is required", domain.ErrInvalidBatch)
	}
	if trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: events must be an array", domain.ErrInvalidBatch)
	}

	events := []domain.CapturedEvent{}
	if err := json.Unmarshal(trimmed, &events); err != nil {
		return nil, fmt.Errorf("%w: malformed events: %v", domain.ErrInvalidBatch, err)
	}
	return events, nil
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidBatch, err)
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s", domain.ErrInvalidBatch, key)
	}
	return v, nil
}

func outcome(err error) string {
	if errors.Is(err, domain.ErrInvalidBatch) {
		return "invalid"
	}
	return "error"
}

func nonNilEvents(events []domain.CapturedEvent) []domain.CapturedEvent {
	if events == nil {
		return []domain.CapturedEvent{}
	}
	return events
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
