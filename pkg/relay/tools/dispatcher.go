package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vango-go/sonic-relay/pkg/relay/channel"
	"github.com/vango-go/sonic-relay/pkg/relay/metrics"
	"github.com/vango-go/sonic-relay/pkg/relay/protocol"
	"github.com/vango-go/sonic-relay/pkg/relay/upstream"
)

var tracer = otel.Tracer("github.com/vango-go/sonic-relay/pkg/relay/tools")

// ToolExecutionError wraps a handler failure. The model still receives an
// empty result for the call.
type ToolExecutionError struct {
	Tool          string
	CorrelationID string
	Err           error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s (%s): %v", e.Tool, e.CorrelationID, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

var ErrUnknownTool = errors.New("unknown tool")

type DispatcherOptions struct {
	Registry *Registry
	Injector *Injector
	Timeout  time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Dispatcher executes the toolUse events of one channel's session and answers
// each with exactly one tool result.
type Dispatcher struct {
	channelID string
	session   Session
	registry  *Registry
	injector  *Injector
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	queue     *Queue

	ctx     context.Context
	cancel  context.CancelFunc
	speakMu sync.Mutex

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(channelID string, sess Session, opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		channelID: channelID,
		session:   sess,
		registry:  opts.Registry,
		injector:  opts.Injector,
		timeout:   timeout,
		logger:    logger.With("channel_id", channelID),
		metrics:   opts.Metrics,
		now:       now,
		queue:     NewQueue(now),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Attach subscribes the dispatcher to the session's toolUse events.
func (d *Dispatcher) Attach() *Dispatcher {
	d.session.Subscribe(protocol.EventToolUse, d.onToolUse)
	return d
}

func (d *Dispatcher) Queue() *Queue { return d.queue }

// Close cancels in-flight handlers and scheduled work, then waits for
// handler goroutines to return.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.queue.Close()
	d.wg.Wait()
}

func (d *Dispatcher) onToolUse(_ protocol.EventName, payload json.RawMessage) {
	var use protocol.ToolUse
	if err := json.Unmarshal(payload, &use); err != nil {
		d.logger.Warn("malformed toolUse", "error", err)
		return
	}
	if use.ToolUseID == "" {
		d.logger.Warn("toolUse without correlation id", "tool", use.ToolName)
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()
	go func() {
		defer d.wg.Done()
		d.Invoke(use)
	}()
}

// Invoke runs one tool call to completion and sends its result. Failures
// and panics produce an empty result.
func (d *Dispatcher) Invoke(use protocol.ToolUse) {
	start := d.now()
	call := Call{
		ChannelID:     d.channelID,
		ToolName:      use.ToolName,
		CorrelationID: use.ToolUseID,
		Input:         toolInput(use.Content),
		Queue:         d.queue,
		Background:    d.ctx,
		speak:         d.speak,
		canSpeak:      d.injector.Enabled(),
		afterResult:   &afterResult{},
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "tools.invoke")
	span.SetAttributes(
		attribute.String("tool.name", use.ToolName),
		attribute.String("tool.use_id", use.ToolUseID),
		attribute.String("channel.id", d.channelID),
	)
	defer span.End()

	result, err := d.execute(ctx, call)
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Warn("tool execution failed", "tool", use.ToolName, "tool_use_id", use.ToolUseID, "error", err)
		result = map[string]any{}
	}
	d.metrics.RecordToolInvocation(use.ToolName, status, d.now().Sub(start))

	followUps := call.afterResult.take()
	if d.ctx.Err() != nil {
		return
	}
	if err := d.session.SendToolResult(d.ctx, use.ToolUseID, result); err != nil {
		if errors.Is(err, upstream.ErrNotReady) || errors.Is(err, upstream.ErrClosed) {
			d.logger.Debug("tool result dropped, session not ready", "tool", use.ToolName, "tool_use_id", use.ToolUseID)
			return
		}
		d.logger.Warn("send tool result failed", "tool", use.ToolName, "tool_use_id", use.ToolUseID, "error", err)
		return
	}
	if status != "ok" {
		return
	}
	for _, fn := range followUps {
		d.queue.AfterFunc(0, fn)
	}
}

func (d *Dispatcher) execute(ctx context.Context, call Call) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &ToolExecutionError{Tool: call.ToolName, CorrelationID: call.CorrelationID, Err: errors.Newf("panic: %v", rec)}
		}
	}()
	tool, ok := d.registry.Lookup(call.ToolName)
	if !ok {
		return nil, &ToolExecutionError{Tool: call.ToolName, CorrelationID: call.CorrelationID, Err: ErrUnknownTool}
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: errors.Newf("panic: %v", rec)}
			}
		}()
		r, err := tool.Handler(ctx, call)
		done <- outcome{result: r, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, &ToolExecutionError{Tool: call.ToolName, CorrelationID: call.CorrelationID, Err: out.err}
		}
		return out.result, nil
	case <-ctx.Done():
		return nil, &ToolExecutionError{Tool: call.ToolName, CorrelationID: call.CorrelationID, Err: ctx.Err()}
	}
}

// speak serializes injected speech so windows on one channel never overlap.
func (d *Dispatcher) speak(ctx context.Context, text string) error {
	if !d.injector.Enabled() {
		d.metrics.RecordInjection("disabled")
		return ErrNoInjector
	}
	d.speakMu.Lock()
	defer d.speakMu.Unlock()
	if err := d.injector.Speak(ctx, d.session, text); err != nil {
		d.metrics.RecordInjection("error")
		d.logger.Warn("speech injection failed", "error", err)
		return err
	}
	d.metrics.RecordInjection("ok")
	return nil
}

// AttachToChannel starts a dispatcher for ch's session and stops it when the
// channel closes.
func AttachToChannel(ch *channel.Channel, opts DispatcherOptions) *Dispatcher {
	d := NewDispatcher(ch.ID(), ch.Session(), opts).Attach()
	ch.OnClose(d.Close)
	return d
}
