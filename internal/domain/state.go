package domain

import (
	"sort"
	"strings"
)

// RunState is the per-request state shared by the stream decoder and the
// flow poller. It is never shared between requests and needs no locking.
type RunState struct {
	ThreadID     string
	RunID        string
	FlowDetected bool
	PollAttempts int

	fullText strings.Builder
	known    map[string]struct{}
}

// NewRunState creates the state for one request.
func NewRunState(threadID string) *RunState {
	return &RunState{
		ThreadID: threadID,
		known:    make(map[string]struct{}),
	}
}

// AppendText adds streamed assistant text to the accumulated reply.
func (s *RunState) AppendText(text string) {
	s.fullText.WriteString(text)
}

// FullText returns the text accumulated from the live stream.
func (s *RunState) FullText() string {
	return s.fullText.String()
}

// MarkKnown records a message id the client has already seen. Known ids are
// never removed. Empty ids cannot be tracked and are ignored.
func (s *RunState) MarkKnown(id string) {
	if id == "" {
		return
	}
	s.known[id] = struct{}{}
}

// IsKnown reports whether id was recorded with MarkKnown.
func (s *RunState) IsKnown(id string) bool {
	_, ok := s.known[id]
	return ok
}

// KnownCount returns the number of known message ids.
func (s *RunState) KnownCount() int {
	return len(s.known)
}

// KnownIDs returns the known message ids in sorted order.
func (s *RunState) KnownIDs() []string {
	ids := make([]string, 0, len(s.known))
	for id := range s.known {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
