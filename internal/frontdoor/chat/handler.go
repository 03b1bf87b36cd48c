// Package chat is the HTTP surface of the relay: a streaming endpoint, an
// aggregate endpoint, a health probe and read access to the run journal.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/agent-relay/internal/domain"
	"github.com/tjfontaine/agent-relay/internal/server"
	"github.com/tjfontaine/agent-relay/internal/storage"
)

const (
	// ServiceName is reported by the health endpoint.
	ServiceName = "agent-relay"

	// DefaultPingInterval is how often an idle event stream gets a keep-alive comment.
	DefaultPingInterval = 15 * time.Second

	maxRequestBytes = 1 << 20
	maxListLimit    = 500
)

// Relay runs chat requests.
type Relay interface {
	Stream(ctx context.Context, req domain.ChatRequest) <-chan domain.Event
	Complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
}

type Handler struct {
	relay        Relay
	runs         storage.RunStore
	logger       *slog.Logger
	pingInterval time.Duration
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithRunStore exposes the run journal under /admin/runs.
func WithRunStore(runs storage.RunStore) HandlerOption {
	return func(h *Handler) {
		h.runs = runs
	}
}

// WithPingInterval sets the keep-alive interval of event streams. Zero disables pings.
func WithPingInterval(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.pingInterval = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

func NewHandler(relay Relay, opts ...HandlerOption) *Handler {
	h := &Handler{
		relay:        relay,
		pingInterval: DefaultPingInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Mount registers the routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/health", h.HandleHealth)
	r.Post("/chat", h.HandleChat)
	r.Post("/chat/stream", h.HandleStream)
	r.Get("/admin/runs", h.HandleListRuns)
	r.Get("/admin/runs/{id}", h.HandleGetRun)
}

// HandleHealth answers liveness probes.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": ServiceName})
}

// HandleStream relays a chat request as server-sent events, one
// "data: <json>" frame per relay event.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var ping <-chan time.Time
	if h.pingInterval > 0 {
		ticker := time.NewTicker(h.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	events := h.relay.Stream(ctx, req)
	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			annotate(r.Context(), ev)
			if err := writeEvent(w, ev); err != nil {
				h.logger.Debug("client went away", slog.String("error", err.Error()))
				server.AddError(r.Context(), err)
				return
			}
			flusher.Flush()

		case <-ping:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				server.AddError(r.Context(), err)
				return
			}
			flusher.Flush()
		}
	}
}

// HandleChat relays a chat request and answers with the aggregated reply.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	resp, err := h.relay.Complete(r.Context(), req)
	if err != nil {
		server.AddError(r.Context(), err)
		if r.Context().Err() != nil {
			// Nobody is listening any more.
			return
		}
		rerr := domain.AsRelayError(err)
		writeDetail(w, rerr.HTTPStatusCode(), rerr.Message)
		return
	}

	server.AddLogField(r.Context(), "thread_id", resp.ThreadID)
	server.AddLogField(r.Context(), "run_id", resp.RunID)
	writeJSON(w, http.StatusOK, resp)
}

// HandleListRuns lists journal records, newest first.
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeDetail(w, http.StatusNotFound, "run journal is disabled")
		return
	}

	opts := storage.ListOptions{ThreadID: r.URL.Query().Get("thread_id")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeDetail(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		opts.Limit = min(limit, maxListLimit)
	}

	runs, err := h.runs.ListRuns(r.Context(), opts)
	if err != nil {
		server.AddError(r.Context(), err)
		writeDetail(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// HandleGetRun returns one journal record.
func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeDetail(w, http.StatusNotFound, "run journal is disabled")
		return
	}

	rec, err := h.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		server.AddError(r.Context(), err)
		writeDetail(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// decodeRequest reads and validates the chat request, answering 400 itself
// when it is unusable.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request) (domain.ChatRequest, bool) {
	var req domain.ChatRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		server.AddError(r.Context(), err)
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return req, false
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		rerr := domain.AsRelayError(err)
		server.AddError(r.Context(), rerr)
		writeDetail(w, rerr.HTTPStatusCode(), rerr.Message)
		return req, false
	}

	server.AddLogField(r.Context(), "thread_id", req.ThreadID)
	return req, true
}

// annotate copies run identifiers and failures into the request log line.
func annotate(ctx context.Context, ev domain.Event) {
	switch ev.Type {
	case domain.EventTypeStart, domain.EventTypeDone:
		server.AddLogField(ctx, "thread_id", ev.ThreadID)
		server.AddLogField(ctx, "run_id", ev.RunID)
	case domain.EventTypeFlowStatus:
		server.AddLogField(ctx, "flow", "true")
	case domain.EventTypeError:
		server.AddLogField(ctx, "relay_error", ev.Message)
	}
}

func writeEvent(w http.ResponseWriter, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
