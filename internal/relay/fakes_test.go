package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/agent-relay/internal/api/orchestrate"
	"github.com/tjfontaine/agent-relay/internal/domain"
)

type fakeTokens struct {
	token       string
	err         error
	invalidated atomic.Int32
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

func (f *fakeTokens) Invalidate() {
	f.invalidated.Add(1)
}

// pollResponse is one scripted ListMessages result.
type pollResponse struct {
	messages []orchestrate.Message
	err      error
}

// fakeUpstream serves a canned run stream and scripted poll responses. Once
// the script is exhausted the last response repeats.
type fakeUpstream struct {
	stream   string
	startErr error
	// block holds the stream open until the run context ends
	block bool

	// pollDelay is how long each ListMessages call takes
	pollDelay time.Duration

	mu        sync.Mutex
	polls     []pollResponse
	pollCalls int
	tokens    []string
}

func (f *fakeUpstream) StartRun(ctx context.Context, token string, req domain.ChatRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.tokens = append(f.tokens, token)
	f.mu.Unlock()

	if f.startErr != nil {
		return nil, f.startErr
	}
	if !f.block {
		return io.NopCloser(strings.NewReader(f.stream)), nil
	}

	pr, pw := io.Pipe()
	go func() {
		if _, err := pw.Write([]byte(f.stream)); err != nil {
			return
		}
		<-ctx.Done()
		pw.CloseWithError(ctx.Err())
	}()
	return pr, nil
}

func (f *fakeUpstream) ListMessages(ctx context.Context, token, threadID string) ([]orchestrate.Message, error) {
	if f.pollDelay > 0 {
		if err := sleepContext(ctx, f.pollDelay); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.pollCalls++
	if len(f.polls) == 0 {
		return nil, nil
	}
	idx := f.pollCalls - 1
	if idx >= len(f.polls) {
		idx = len(f.polls) - 1
	}
	return f.polls[idx].messages, f.polls[idx].err
}

func (f *fakeUpstream) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollCalls
}

// logicalSleep returns immediately and adds d to total, honouring cancellation.
type logicalSleep struct {
	mu    sync.Mutex
	total time.Duration
}

func (s *logicalSleep) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.total += d
	s.mu.Unlock()
	return nil
}

func (s *logicalSleep) elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// collector is an emitFunc that records every event.
type collector struct {
	events []domain.Event
}

func (c *collector) emit(ev domain.Event) bool {
	c.events = append(c.events, ev)
	return true
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func assistant(id, text string) orchestrate.Message {
	return orchestrate.Message{ID: id, Role: orchestrate.RoleAssistant, Texts: []string{text}}
}

func user(id, text string) orchestrate.Message {
	return orchestrate.Message{ID: id, Role: "user", Texts: []string{text}}
}

// streamLines joins upstream records into a newline-delimited body.
func streamLines(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func deltaLine(text string) string {
	return fmt.Sprintf(`{"event":"message.delta","data":{"delta":{"content":[{"text":%q}]}}}`, text)
}

func assertEvents(t *testing.T, got, want []domain.Event) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d:\n got: %+v\nwant: %+v", len(got), len(want), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func drain(events <-chan domain.Event) []domain.Event {
	var out []domain.Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}
