// Package storage defines the run journal: one summary record per relayed run.
// Records carry identifiers, outcome and timing only, never message text.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a run id is not in the journal.
var ErrNotFound = errors.New("run not found")

// RunMode is how the client consumed the run.
type RunMode string

const (
	RunModeStream    RunMode = "stream"
	RunModeAggregate RunMode = "aggregate"
)

// RunStatus is how a run ended.
type RunStatus string

const (
	RunStatusCompleted   RunStatus = "completed"
	RunStatusFailed      RunStatus = "failed"
	RunStatusFlowTimeout RunStatus = "flow_timeout"
	RunStatusCancelled   RunStatus = "cancelled"
)

// RunRecord summarises one relayed run.
type RunRecord struct {
	ID           string        `json:"id"`
	RequestID    string        `json:"request_id,omitempty"`
	ThreadID     string        `json:"thread_id,omitempty"`
	RunID        string        `json:"run_id,omitempty"`
	Mode         RunMode       `json:"mode"`
	Status       RunStatus     `json:"status"`
	FlowDetected bool          `json:"flow_detected"`
	PollAttempts int           `json:"poll_attempts"`
	OutputTokens int           `json:"output_tokens"`
	ErrorType    string        `json:"error_type,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration_ns"`
}

// ListOptions controls ListRuns.
type ListOptions struct {
	// Limit caps the number of records; zero means DefaultListLimit.
	Limit int
	// ThreadID filters to one thread when set.
	ThreadID string
}

// DefaultListLimit is used when ListOptions.Limit is zero.
const DefaultListLimit = 50

// RunStore persists run records.
type RunStore interface {
	// SaveRun inserts or replaces a record.
	SaveRun(ctx context.Context, rec *RunRecord) error

	// GetRun returns the record with id or ErrNotFound.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// ListRuns returns records newest first.
	ListRuns(ctx context.Context, opts ListOptions) ([]*RunRecord, error)

	// Close releases the store.
	Close() error
}

// EffectiveLimit returns the limit to apply for opts.
func (o ListOptions) EffectiveLimit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	return o.Limit
}
