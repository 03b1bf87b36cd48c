package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/agent-relay/internal/domain"
	"github.com/tjfontaine/agent-relay/internal/storage"
	"github.com/tjfontaine/agent-relay/internal/storage/memory"
)

// fakeRelay replays scripted events and records the requests it saw.
type fakeRelay struct {
	events []domain.Event
	// pause is waited out before the last event
	pause time.Duration
	resp  *domain.ChatResponse
	err   error
	seen  []domain.ChatRequest
}

func (f *fakeRelay) Stream(ctx context.Context, req domain.ChatRequest) <-chan domain.Event {
	f.seen = append(f.seen, req)
	out := make(chan domain.Event)
	go func() {
		defer close(out)
		for i, ev := range f.events {
			if i == len(f.events)-1 && f.pause > 0 {
				time.Sleep(f.pause)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (f *fakeRelay) Complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	f.seen = append(f.seen, req)
	return f.resp, f.err
}

func newTestRouter(relay Relay, opts ...HandlerOption) http.Handler {
	opts = append([]HandlerOption{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	r := chi.NewRouter()
	NewHandler(relay, opts...).Mount(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, reader))
	return rec
}

func decodeDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return body.Detail
}

func TestHandleHealth(t *testing.T) {
	rec := do(t, newTestRouter(&fakeRelay{}), http.MethodGet, "/health", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	want := `{"service":"agent-relay","status":"ok"}`
	if got := strings.TrimSpace(rec.Body.String()); got != want {
		t.Errorf("body = %s, want %s", got, want)
	}
}

func TestHandleStream(t *testing.T) {
	relay := &fakeRelay{events: []domain.Event{
		domain.StartEvent("t-1", "r-1"),
		domain.DeltaEvent("Hello"),
		domain.DoneEvent("t-1", "r-1", "Hello"),
	}}

	rec := do(t, newTestRouter(relay, WithPingInterval(0)), http.MethodPost, "/chat/stream",
		`{"message":"hi","thread_id":"undefined"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q", cc)
	}

	want := `data: {"event":"start","thread_id":"t-1","run_id":"r-1"}` + "\n\n" +
		`data: {"event":"delta","text":"Hello"}` + "\n\n" +
		`data: {"event":"done","thread_id":"t-1","run_id":"r-1","full_text":"Hello"}` + "\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body =\n%s\nwant\n%s", got, want)
	}

	if len(relay.seen) != 1 || relay.seen[0].ThreadID != "" || relay.seen[0].Message != "hi" {
		t.Errorf("relay saw %+v, want normalized request", relay.seen)
	}
}

func TestHandleStream_Ping(t *testing.T) {
	relay := &fakeRelay{
		events: []domain.Event{domain.StartEvent("t-1", "r-1"), domain.DoneEvent("t-1", "r-1", "")},
		pause:  60 * time.Millisecond,
	}

	rec := do(t, newTestRouter(relay, WithPingInterval(5*time.Millisecond)), http.MethodPost, "/chat/stream", `{"message":"hi"}`)

	body := rec.Body.String()
	if !strings.Contains(body, ": ping\n\n") {
		t.Errorf("expected keep-alive comment, got %q", body)
	}
	if !strings.HasSuffix(body, `"full_text":""}`+"\n\n") {
		t.Errorf("stream should end with done, got %q", body)
	}
}

func TestHandleStream_BadRequest(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		detail string
	}{
		{"invalid json", `{"message":`, "Invalid request body"},
		{"blank message", `{"message":"   "}`, "message is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay := &fakeRelay{}
			rec := do(t, newTestRouter(relay), http.MethodPost, "/chat/stream", tt.body)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if got := decodeDetail(t, rec); got != tt.detail {
				t.Errorf("detail = %q, want %q", got, tt.detail)
			}
			if len(relay.seen) != 0 {
				t.Error("relay should not be called")
			}
		})
	}
}

func TestHandleChat(t *testing.T) {
	relay := &fakeRelay{resp: &domain.ChatResponse{ThreadID: "t-1", RunID: "r-1", Content: "Hello there"}}

	rec := do(t, newTestRouter(relay), http.MethodPost, "/chat", `{"message":"hi","thread_id":"t-1"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var got domain.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got != *relay.resp {
		t.Errorf("response = %+v, want %+v", got, *relay.resp)
	}
	if relay.seen[0].ThreadID != "t-1" {
		t.Errorf("thread id = %q", relay.seen[0].ThreadID)
	}
}

func TestHandleChat_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		detail string
	}{
		{"auth", domain.ErrAuth("Authentication failed. Please retry.").WithStatusCode(401), http.StatusBadGateway, "Authentication failed. Please retry."},
		{"upstream", domain.ErrUpstreamProtocol(500, "Orchestrate API error: 500 - boom"), http.StatusBadGateway, "Orchestrate API error: 500 - boom"},
		{"transport", domain.ErrTransport("Request timed out"), http.StatusBadGateway, "Request timed out"},
		{"untyped", io.ErrUnexpectedEOF, http.StatusBadGateway, "Connection error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newTestRouter(&fakeRelay{err: tt.err}), http.MethodPost, "/chat", `{"message":"hi"}`)

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if got := decodeDetail(t, rec); got != tt.detail {
				t.Errorf("detail = %q, want %q", got, tt.detail)
			}
		})
	}
}

func seedRuns(t *testing.T) storage.RunStore {
	t.Helper()
	store := memory.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, rec := range []storage.RunRecord{
		{ID: "a", ThreadID: "t-1", Mode: storage.RunModeStream, Status: storage.RunStatusCompleted},
		{ID: "b", ThreadID: "t-2", Mode: storage.RunModeAggregate, Status: storage.RunStatusFailed},
		{ID: "c", ThreadID: "t-1", Mode: storage.RunModeStream, Status: storage.RunStatusFlowTimeout, FlowDetected: true},
	} {
		rec.StartedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.SaveRun(context.Background(), &rec); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func TestHandleListRuns(t *testing.T) {
	h := newTestRouter(&fakeRelay{}, WithRunStore(seedRuns(t)))

	tests := []struct {
		path string
		want []string
	}{
		{"/admin/runs", []string{"c", "b", "a"}},
		{"/admin/runs?limit=2", []string{"c", "b"}},
		{"/admin/runs?thread_id=t-1", []string{"c", "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.path, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			var body struct {
				Runs []storage.RunRecord `json:"runs"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			var ids []string
			for _, r := range body.Runs {
				ids = append(ids, r.ID)
			}
			if strings.Join(ids, ",") != strings.Join(tt.want, ",") {
				t.Errorf("ids = %v, want %v", ids, tt.want)
			}
		})
	}

	if rec := do(t, h, http.MethodGet, "/admin/runs?limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestHandleGetRun(t *testing.T) {
	h := newTestRouter(&fakeRelay{}, WithRunStore(seedRuns(t)))

	rec := do(t, h, http.MethodGet, "/admin/runs/c", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got storage.RunRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.RunStatusFlowTimeout || !got.FlowDetected {
		t.Errorf("record = %+v", got)
	}

	rec = do(t, h, http.MethodGet, "/admin/runs/missing", "")
	if rec.Code != http.StatusNotFound || decodeDetail(t, rec) != "run not found" {
		t.Errorf("missing run = %d %s", rec.Code, rec.Body.String())
	}
}

func TestAdminRuns_NoStore(t *testing.T) {
	h := newTestRouter(&fakeRelay{})
	for _, path := range []string{"/admin/runs", "/admin/runs/a"} {
		if rec := do(t, h, http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, rec.Code)
		}
	}
}
