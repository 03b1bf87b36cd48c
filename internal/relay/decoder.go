package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tjfontaine/agent-relay/internal/api/orchestrate"
	"github.com/tjfontaine/agent-relay/internal/domain"
)

const (
	// DefaultStreamIdleTimeout bounds the wait for the next line of a run stream.
	DefaultStreamIdleTimeout = 300 * time.Second

	authRetryMessage = "Authentication failed. Please retry."
	timeoutMessage   = "Request timed out"
	transportMessage = "Connection error"

	// maxLineBytes caps one upstream record; longer lines are dropped.
	maxLineBytes = 1024 * 1024
)

var errStreamIdle = errors.New("run stream idle timeout")

// Decoder turns one upstream run stream into relay events.
type Decoder struct {
	upstream    Upstream
	tokens      TokenSource
	detector    FlowDetector
	idleTimeout time.Duration
	logger      *slog.Logger
}

// Decode streams the run for req and emits events as upstream records
// arrive, filling state along the way. Expected failures (bad status,
// transport errors) are emitted as a single error event and also returned;
// nil means the upstream closed the stream normally. If emit reports the
// consumer is gone, Decode stops and returns the context error.
func (d *Decoder) Decode(ctx context.Context, req domain.ChatRequest, token string, state *domain.RunState, emit emitFunc) error {
	streamCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var idle *time.Timer
	if d.idleTimeout > 0 {
		idle = time.AfterFunc(d.idleTimeout, func() { cancel(errStreamIdle) })
		defer idle.Stop()
	}

	body, err := d.upstream.StartRun(streamCtx, token, req)
	if err != nil {
		return d.fail(ctx, streamCtx, err, emit)
	}
	defer body.Close()

	reader := bufio.NewReaderSize(body, 64*1024)
	var buf []byte
	for {
		line, skipped, err := readLine(reader, maxLineBytes, buf)
		buf = line
		if len(line) > 0 || skipped {
			if idle != nil {
				idle.Reset(d.idleTimeout)
			}
		}
		if skipped {
			d.logger.Debug("skipping oversized stream line", slog.Int("limit", maxLineBytes))
		} else if !d.handleLine(line, state, emit) {
			return consumerGone(ctx)
		}

		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return d.fail(ctx, streamCtx, err, emit)
		}
	}

	if context.Cause(streamCtx) == errStreamIdle {
		return d.fail(ctx, streamCtx, errStreamIdle, emit)
	}
	return nil
}

// readLine reads the next line into buf, terminator included. A line longer
// than limit is consumed to its end and reported as skipped with no bytes.
func readLine(r *bufio.Reader, limit int, buf []byte) ([]byte, bool, error) {
	buf = buf[:0]
	skipped := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !skipped {
			if len(buf)+len(chunk) > limit {
				skipped = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return buf, skipped, err
	}
}

// handleLine processes one record and returns false when the consumer is gone.
func (d *Decoder) handleLine(raw []byte, state *domain.RunState, emit emitFunc) bool {
	line := bytes.TrimSpace(raw)
	line = bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
	if len(line) == 0 {
		return true
	}

	if !gjson.ValidBytes(line) {
		d.logger.Debug("skipping malformed stream line", slog.Int("bytes", len(line)))
		return true
	}
	record := gjson.ParseBytes(line)
	if !record.IsObject() {
		d.logger.Debug("skipping non-object stream line")
		return true
	}

	eventType := record.Get("event").String()
	data := record.Get("data")
	d.logger.Debug("upstream event", slog.String("event", eventType))

	switch eventType {
	case "run.started":
		updateIDs(state, data)
		return emit(domain.StartEvent(state.ThreadID, state.RunID))

	case "message.delta":
		for _, part := range data.Get("delta.content").Array() {
			text := part.Get("text").String()
			if text == "" {
				continue
			}
			state.AppendText(text)
			if !emit(domain.DeltaEvent(text)) {
				return false
			}
			if !state.FlowDetected && d.detector.IsFlowMessage(text) {
				state.FlowDetected = true
				d.logger.Info("flow hand-off detected", slog.String("thread_id", state.ThreadID))
			}
		}

	case "run.step.intermediate":
		if text := data.Get("message.text").String(); text != "" {
			return emit(domain.StatusEvent(text))
		}

	case "message.created":
		msg := data.Get("message")
		if !msg.Exists() {
			msg = data
		}
		state.MarkKnown(msg.Get("id").String())

	case "message.started":
		state.MarkKnown(data.Get("message_id").String())

	case "run.completed", "done":
		updateIDs(state, data)
	}

	return true
}

func (d *Decoder) fail(ctx, streamCtx context.Context, err error, emit emitFunc) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var statusErr *orchestrate.StatusError
	var rerr *domain.RelayError
	switch {
	case errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized:
		d.tokens.Invalidate()
		d.logger.Warn("upstream rejected credential")
		rerr = domain.ErrAuth(authRetryMessage).WithStatusCode(http.StatusUnauthorized).WithCause(err)

	case errors.As(err, &statusErr):
		d.logger.Error("upstream error",
			slog.Int("status", statusErr.StatusCode),
			slog.String("body", statusErr.Body),
		)
		rerr = domain.ErrUpstreamProtocol(statusErr.StatusCode,
			fmt.Sprintf("Orchestrate API error: %d - %s", statusErr.StatusCode, statusErr.Body)).WithCause(err)

	case context.Cause(streamCtx) == errStreamIdle || isTimeout(err):
		d.logger.Error("upstream stream timed out", slog.String("error", err.Error()))
		rerr = domain.ErrTransport(timeoutMessage).WithCause(err)

	default:
		d.logger.Error("upstream connection failed", slog.String("error", err.Error()))
		rerr = domain.ErrTransport(transportMessage).WithCause(err)
	}

	emit(domain.ErrorEvent(rerr.Message))
	return rerr
}

// updateIDs copies thread and run ids from an upstream payload when present.
func updateIDs(state *domain.RunState, data gjson.Result) {
	if v := data.Get("thread_id").String(); v != "" {
		state.ThreadID = v
	}
	if v := data.Get("run_id").String(); v != "" {
		state.RunID = v
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func consumerGone(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}
