package domain

import "strings"

// ChatRequest is the payload a client sends to the relay.
type ChatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id,omitempty"`
}

// Normalize maps the placeholder thread ids that browser clients send for a
// fresh conversation ("", "null", "undefined") to no thread at all.
func (r *ChatRequest) Normalize() {
	switch strings.TrimSpace(r.ThreadID) {
	case "", "null", "undefined":
		r.ThreadID = ""
	}
}

// Validate checks the minimum the relay needs to start a run.
func (r *ChatRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return ErrInvalidRequest("message is required")
	}
	return nil
}

// ChatResponse is the aggregate (non-streaming) reply.
type ChatResponse struct {
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`
	Content  string `json:"content"`
}
