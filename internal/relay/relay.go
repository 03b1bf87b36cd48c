// Package relay turns one chat request into an ordered stream of client
// events. It drives the upstream run stream, detects hand-off to an
// asynchronous flow, polls the thread for the flow's result and finishes
// with a single done event, or a single error event when the run fails.
package relay

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/tjfontaine/agent-relay/internal/api/orchestrate"
	"github.com/tjfontaine/agent-relay/internal/domain"
)

const instrumentationName = "github.com/tjfontaine/agent-relay/internal/relay"

// TokenSource supplies bearer credentials for upstream calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Upstream is the agent runtime.
type Upstream interface {
	// StartRun opens the run stream. Non-200 responses are *orchestrate.StatusError.
	StartRun(ctx context.Context, token string, req domain.ChatRequest) (io.ReadCloser, error)
	// ListMessages returns the thread's messages.
	ListMessages(ctx context.Context, token, threadID string) ([]orchestrate.Message, error)
}

var _ Upstream = (*orchestrate.Client)(nil)

// emitFunc delivers one event to the consumer and reports false once the
// consumer has gone away.
type emitFunc func(domain.Event) bool

type relayMetrics struct {
	runs         metric.Int64Counter
	flows        metric.Int64Counter
	pollAttempts metric.Int64Counter
	flowTimeouts metric.Int64Counter
}

func newRelayMetrics(logger *slog.Logger) *relayMetrics {
	meter := otel.Meter(instrumentationName)
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Warn("failed to create counter", slog.String("name", name), slog.String("error", err.Error()))
			return noop.Int64Counter{}
		}
		return c
	}
	return &relayMetrics{
		runs:         counter("relay.runs", "Relayed runs by mode and status"),
		flows:        counter("relay.flows", "Runs handed off to an asynchronous flow"),
		pollAttempts: counter("relay.poll.attempts", "Thread message polls"),
		flowTimeouts: counter("relay.flow.timeouts", "Flows that did not finish within the wait bound"),
	}
}

func (m *relayMetrics) run(ctx context.Context, mode, status string) {
	m.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("status", status),
	))
}

func (m *relayMetrics) flow(ctx context.Context) {
	m.flows.Add(ctx, 1)
}

func (m *relayMetrics) pollAttempt(ctx context.Context) {
	m.pollAttempts.Add(ctx, 1)
}

func (m *relayMetrics) flowTimeout(ctx context.Context) {
	m.flowTimeouts.Add(ctx, 1)
}
