package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/agent-relay/internal/domain"
	"github.com/tjfontaine/agent-relay/internal/storage"
	"github.com/tjfontaine/agent-relay/internal/tokens"
)

const recordTimeout = 5 * time.Second

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFlowDetector replaces the default phrase detector.
func WithFlowDetector(d FlowDetector) Option {
	return func(o *Orchestrator) {
		o.detector = d
	}
}

// WithPollerConfig sets the polling bounds.
func WithPollerConfig(cfg PollerConfig) Option {
	return func(o *Orchestrator) {
		o.pollerCfg = cfg
	}
}

// WithStreamIdleTimeout bounds the wait between run stream lines. Zero disables it.
func WithStreamIdleTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.idleTimeout = d
	}
}

// WithSleepFunc replaces the poll interval wait.
func WithSleepFunc(sleep SleepFunc) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

// WithRunStore records a summary of every run in store.
func WithRunStore(store storage.RunStore) Option {
	return func(o *Orchestrator) {
		o.store = store
	}
}

// WithTokenCounter sets the counter used for journal output token counts.
func WithTokenCounter(c tokens.Counter) Option {
	return func(o *Orchestrator) {
		o.counter = c
	}
}

// WithRequestID reads the inbound request id from the context so journal
// records can be matched to request logs. Journal ids are always generated.
func WithRequestID(fn func(ctx context.Context) string) Option {
	return func(o *Orchestrator) {
		o.requestID = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// Orchestrator relays chat requests to the agent runtime.
type Orchestrator struct {
	tokens      TokenSource
	upstream    Upstream
	detector    FlowDetector
	pollerCfg   PollerConfig
	idleTimeout time.Duration
	sleep       SleepFunc
	store       storage.RunStore
	counter     tokens.Counter
	requestID   func(ctx context.Context) string
	logger      *slog.Logger
	now         func() time.Time

	tracer  trace.Tracer
	metrics *relayMetrics
	decoder *Decoder
	poller  *Poller
}

// New creates an Orchestrator.
func New(tokenSource TokenSource, upstream Upstream, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		tokens:      tokenSource,
		upstream:    upstream,
		detector:    NewPhraseDetector(DefaultFlowIndicators...),
		pollerCfg:   DefaultPollerConfig(),
		idleTimeout: DefaultStreamIdleTimeout,
		sleep:       sleepContext,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.counter == nil {
		o.counter = tokens.NewEstimator()
	}

	o.tracer = otel.Tracer(instrumentationName)
	o.metrics = newRelayMetrics(o.logger)
	o.decoder = &Decoder{
		upstream:    o.upstream,
		tokens:      o.tokens,
		detector:    o.detector,
		idleTimeout: o.idleTimeout,
		logger:      o.logger,
	}
	o.poller = &Poller{
		upstream: o.upstream,
		tokens:   o.tokens,
		detector: o.detector,
		cfg:      o.pollerCfg,
		sleep:    o.sleep,
		logger:   o.logger,
		metrics:  o.metrics,
		now:      o.now,
	}
	return o
}

// Stream relays req and returns its events in production order. The channel
// is closed after the terminal event, or as soon as ctx is done. Consumers
// that stop reading must cancel ctx.
func (o *Orchestrator) Stream(ctx context.Context, req domain.ChatRequest) <-chan domain.Event {
	return o.start(ctx, req, storage.RunModeStream, nil)
}

// Complete relays req and folds the events into a single response. A run
// that ended with an error event returns that failure as a *domain.RelayError.
func (o *Orchestrator) Complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := &runResult{}
	resp := &domain.ChatResponse{}
	var content strings.Builder
	var failed bool

	for ev := range o.start(ctx, req, storage.RunModeAggregate, result) {
		switch ev.Type {
		case domain.EventTypeDelta:
			content.WriteString(ev.Text)
		case domain.EventTypeDone:
			resp.ThreadID = ev.ThreadID
			resp.RunID = ev.RunID
			if content.Len() == 0 {
				content.WriteString(ev.FullText)
			}
		case domain.EventTypeError:
			failed = true
		}
	}

	// result is complete once the channel is closed
	if failed {
		if rerr := domain.AsRelayError(result.err); rerr != nil {
			return nil, rerr
		}
		return nil, domain.ErrTransport(transportMessage)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp.Content = content.String()
	return resp, nil
}

// runResult carries the outcome of a run to an in-process consumer.
type runResult struct {
	status storage.RunStatus
	err    error
}

func (o *Orchestrator) start(ctx context.Context, req domain.ChatRequest, mode storage.RunMode, result *runResult) <-chan domain.Event {
	events := make(chan domain.Event)
	go func() {
		defer close(events)
		status, err := o.run(ctx, req, mode, events)
		if result != nil {
			result.status, result.err = status, err
		}
	}()
	return events
}

// run produces the whole event sequence for one request on events.
func (o *Orchestrator) run(ctx context.Context, req domain.ChatRequest, mode storage.RunMode, events chan<- domain.Event) (storage.RunStatus, error) {
	started := o.now()
	req.Normalize()

	ctx, span := o.tracer.Start(ctx, "relay.stream", trace.WithAttributes(
		attribute.String("relay.mode", string(mode)),
		attribute.Bool("relay.new_thread", req.ThreadID == ""),
	))
	defer span.End()

	state := domain.NewRunState(req.ThreadID)
	var output strings.Builder
	emit := func(ev domain.Event) bool {
		select {
		case events <- ev:
		case <-ctx.Done():
			return false
		}
		if ev.Type == domain.EventTypeDelta {
			output.WriteString(ev.Text)
		}
		return true
	}

	status, err := o.execute(ctx, req, state, emit)

	span.SetAttributes(
		attribute.String("relay.thread_id", state.ThreadID),
		attribute.String("relay.run_id", state.RunID),
		attribute.Bool("relay.flow_detected", state.FlowDetected),
		attribute.Int("relay.poll_attempts", state.PollAttempts),
		attribute.String("relay.status", string(status)),
	)
	if status == storage.RunStatusFailed && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.metrics.run(ctx, string(mode), string(status))

	rec := &storage.RunRecord{
		ID:           uuid.NewString(),
		RequestID:    o.runRequestID(ctx),
		ThreadID:     state.ThreadID,
		RunID:        state.RunID,
		Mode:         mode,
		Status:       status,
		FlowDetected: state.FlowDetected,
		PollAttempts: state.PollAttempts,
		OutputTokens: o.counter.Count(output.String()),
		StartedAt:    started,
		Duration:     o.now().Sub(started),
	}
	var rerr *domain.RelayError
	if status == storage.RunStatusFailed && errors.As(err, &rerr) {
		rec.ErrorType = string(rerr.Type)
		rec.ErrorMessage = rerr.Message
	}

	o.logger.Info("run finished",
		slog.String("record_id", rec.ID),
		slog.String("request_id", rec.RequestID),
		slog.String("thread_id", rec.ThreadID),
		slog.String("run_id", rec.RunID),
		slog.String("mode", string(mode)),
		slog.String("status", string(status)),
		slog.Bool("flow", rec.FlowDetected),
		slog.Int("poll_attempts", rec.PollAttempts),
		slog.Duration("duration", rec.Duration),
	)
	o.record(ctx, rec)
	return status, err
}

// execute runs token, stream and optional poll phases and reports how the run ended.
func (o *Orchestrator) execute(ctx context.Context, req domain.ChatRequest, state *domain.RunState, emit emitFunc) (storage.RunStatus, error) {
	token, err := o.tokens.Token(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return storage.RunStatusCancelled, ctx.Err()
		}
		rerr := domain.AsRelayError(err)
		o.logger.Error("credential unavailable", slog.String("error", err.Error()))
		emit(domain.ErrorEvent(rerr.Message))
		return storage.RunStatusFailed, rerr
	}

	decodeCtx, decodeSpan := o.tracer.Start(ctx, "relay.decode")
	err = o.decoder.Decode(decodeCtx, req, token, state, emit)
	if err != nil && ctx.Err() == nil {
		decodeSpan.RecordError(err)
		decodeSpan.SetStatus(codes.Error, err.Error())
	}
	decodeSpan.End()

	if ctx.Err() != nil {
		return storage.RunStatusCancelled, ctx.Err()
	}
	if err != nil {
		return storage.RunStatusFailed, err
	}

	o.logger.Info("stream ended",
		slog.String("thread_id", state.ThreadID),
		slog.Bool("flow", state.FlowDetected),
		slog.Int("known_messages", state.KnownCount()),
	)

	status := storage.RunStatusCompleted
	if state.FlowDetected && state.ThreadID != "" {
		o.metrics.flow(ctx)

		pollCtx, pollSpan := o.tracer.Start(ctx, "relay.poll", trace.WithAttributes(
			attribute.String("relay.thread_id", state.ThreadID),
		))
		outcome := o.poller.Poll(pollCtx, state, emit)
		pollSpan.SetAttributes(
			attribute.String("relay.poll.outcome", outcome.String()),
			attribute.Int("relay.poll.attempts", state.PollAttempts),
		)
		pollSpan.End()

		switch outcome {
		case PollCancelled:
			return storage.RunStatusCancelled, ctx.Err()
		case PollTimedOut:
			o.metrics.flowTimeout(ctx)
			status = storage.RunStatusFlowTimeout
		}
	}

	if !emit(domain.DoneEvent(state.ThreadID, state.RunID, state.FullText())) {
		return storage.RunStatusCancelled, ctx.Err()
	}
	return status, nil
}

func (o *Orchestrator) runRequestID(ctx context.Context) string {
	if o.requestID == nil {
		return ""
	}
	return o.requestID(ctx)
}

// record saves rec without blocking the response on a slow or failing store.
func (o *Orchestrator) record(ctx context.Context, rec *storage.RunRecord) {
	if o.store == nil {
		return
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := o.store.SaveRun(saveCtx, rec); err != nil {
		o.logger.Error("failed to record run",
			slog.String("record_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}
