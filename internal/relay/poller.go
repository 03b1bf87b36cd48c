package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tjfontaine/agent-relay/internal/api/orchestrate"
	"github.com/tjfontaine/agent-relay/internal/domain"
)

const (
	flowStartedMessage = "Processing flow…"
)

// PollerConfig bounds the flow polling loop.
type PollerConfig struct {
	// MaxWait is the total wait before giving up. Time spent in poll calls
	// counts, and nothing runs past MaxWait+Interval.
	MaxWait time.Duration
	// Interval is the sleep before each poll.
	Interval time.Duration
	// HeartbeatEvery is how much waiting passes between progress events.
	HeartbeatEvery time.Duration
}

// DefaultPollerConfig returns the production polling bounds.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		MaxWait:        600 * time.Second,
		Interval:       8 * time.Second,
		HeartbeatEvery: 30 * time.Second,
	}
}

// PollOutcome is how a polling pass ended.
type PollOutcome int

const (
	// PollFound means a flow result was delivered.
	PollFound PollOutcome = iota
	// PollTimedOut means MaxWait elapsed and the client was told to check back.
	PollTimedOut
	// PollCancelled means the request context ended.
	PollCancelled
)

func (o PollOutcome) String() string {
	switch o {
	case PollFound:
		return "found"
	case PollTimedOut:
		return "timed_out"
	case PollCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// SleepFunc waits for d or until ctx is done, returning ctx.Err() in the latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// sleepContext is a cancellable timer wait.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Poller waits for the result of a flow by polling the thread's messages.
type Poller struct {
	upstream Upstream
	tokens   TokenSource
	detector FlowDetector
	cfg      PollerConfig
	sleep    SleepFunc
	logger   *slog.Logger
	metrics  *relayMetrics
	now      func() time.Time
}

// Poll emits a flow_status event and then polls until a new assistant message
// that is not itself a flow notice shows up, MaxWait elapses, or ctx ends.
// Poll failures of any kind are logged and retried on the next interval.
func (p *Poller) Poll(ctx context.Context, state *domain.RunState, emit emitFunc) PollOutcome {
	p.logger.Info("flow detected, polling thread for new messages",
		slog.String("thread_id", state.ThreadID),
		slog.Int("known_messages", state.KnownCount()),
		slog.Any("known_ids", state.KnownIDs()),
		slog.Duration("max_wait", p.cfg.MaxWait),
		slog.Duration("interval", p.cfg.Interval),
	)

	if !emit(domain.FlowStatusEvent(flowStartedMessage)) {
		return PollCancelled
	}

	clock := p.now
	if clock == nil {
		clock = time.Now
	}
	start := clock()

	// Bounds in-flight sleeps, token exchanges and message calls.
	pollCtx, cancel := context.WithTimeout(ctx, p.cfg.MaxWait+p.cfg.Interval)
	defer cancel()

	var elapsed time.Duration
	lastCount := -1

	for elapsed < p.cfg.MaxWait {
		if err := p.sleep(pollCtx, p.cfg.Interval); err != nil {
			if ctx.Err() != nil {
				return PollCancelled
			}
			break
		}
		previous := elapsed
		elapsed = max(elapsed+p.cfg.Interval, clock().Sub(start))
		state.PollAttempts++
		p.metrics.pollAttempt(ctx)

		if text, ok := p.pollOnce(pollCtx, state, elapsed, &lastCount); ok {
			if !emit(domain.NewMessageEvent()) || !emit(domain.DeltaEvent(text)) {
				return PollCancelled
			}
			return PollFound
		}
		if ctx.Err() != nil {
			return PollCancelled
		}
		if pollCtx.Err() != nil {
			break
		}

		if p.heartbeatDue(previous, elapsed) {
			msg := fmt.Sprintf("Still processing… (%ds)", int(elapsed/time.Second))
			if !emit(domain.FlowStatusEvent(msg)) {
				return PollCancelled
			}
		}
	}

	p.logger.Warn("flow polling timed out",
		slog.String("thread_id", state.ThreadID),
		slog.Duration("max_wait", p.cfg.MaxWait),
		slog.Duration("elapsed", clock().Sub(start)),
		slog.Int("attempts", state.PollAttempts),
	)
	if !emit(domain.NewMessageEvent()) || !emit(domain.DeltaEvent(flowTimeoutText(p.cfg.MaxWait))) {
		return PollCancelled
	}
	return PollTimedOut
}

// pollOnce fetches the thread once and returns the flow result if present.
func (p *Poller) pollOnce(ctx context.Context, state *domain.RunState, elapsed time.Duration, lastCount *int) (string, bool) {
	token, err := p.tokens.Token(ctx)
	if err != nil {
		p.logger.Debug("poll skipped, no credential", slog.String("error", err.Error()))
		return "", false
	}

	messages, err := p.upstream.ListMessages(ctx, token, state.ThreadID)
	if err != nil {
		var statusErr *orchestrate.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
			p.tokens.Invalidate()
		}
		p.logger.Debug("poll failed", slog.Duration("elapsed", elapsed), slog.String("error", err.Error()))
		return "", false
	}

	p.logPoll(messages, elapsed, lastCount)

	for _, msg := range messages {
		if state.IsKnown(msg.ID) {
			continue
		}
		if msg.Role != orchestrate.RoleAssistant {
			state.MarkKnown(msg.ID)
			continue
		}

		text := msg.Text()
		state.MarkKnown(msg.ID)
		if text != "" && !p.detector.IsFlowMessage(text) {
			p.logger.Info("flow result found",
				slog.String("thread_id", state.ThreadID),
				slog.String("message_id", msg.ID),
				slog.Duration("elapsed", elapsed),
			)
			return text, true
		}
	}
	return "", false
}

// logPoll logs the message list in full on the first poll and whenever the
// count changes, and a one-line summary once a minute otherwise.
func (p *Poller) logPoll(messages []orchestrate.Message, elapsed time.Duration, lastCount *int) {
	switch {
	case *lastCount < 0 || len(messages) != *lastCount:
		summary := make([]string, 0, len(messages))
		for _, m := range messages {
			summary = append(summary, fmt.Sprintf("%s/%s: %s", truncate(m.ID, 12), m.Role, truncate(m.Text(), 80)))
		}
		p.logger.Info("poll",
			slog.Duration("elapsed", elapsed),
			slog.Int("messages", len(messages)),
			slog.Int("previous", *lastCount),
			slog.Any("summary", summary),
		)
		*lastCount = len(messages)
	case elapsed%time.Minute < p.cfg.Interval:
		p.logger.Info("poll", slog.Duration("elapsed", elapsed), slog.Int("messages", len(messages)))
	}
}

// heartbeatDue reports whether elapsed crossed a multiple of HeartbeatEvery
// since previous.
func (p *Poller) heartbeatDue(previous, elapsed time.Duration) bool {
	every := p.cfg.HeartbeatEvery
	if every <= 0 {
		return false
	}
	return elapsed/every > previous/every
}

func flowTimeoutText(maxWait time.Duration) string {
	wait := fmt.Sprintf("%d seconds", int(maxWait/time.Second))
	switch {
	case maxWait == time.Minute:
		wait = "1 minute"
	case maxWait > time.Minute && maxWait%time.Minute == 0:
		wait = fmt.Sprintf("%d minutes", int(maxWait/time.Minute))
	}
	return fmt.Sprintf("⏳ The flow is still processing after %s. The result will appear in the conversation when ready, please check back later.", wait)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
