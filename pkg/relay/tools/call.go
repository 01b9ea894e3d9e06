package tools

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/vango-go/sonic-relay/pkg/relay/protocol"
	"github.com/vango-go/sonic-relay/pkg/relay/upstream"
)

// Session is the part of an upstream session the tool layer drives.
type Session interface {
	Subscribe(name protocol.EventName, h upstream.Handler)
	SendToolResult(ctx context.Context, toolUseID string, result any) error
	OpenAudioWindow(ctx context.Context) (string, error)
	SendAudioTo(ctx context.Context, contentName string, pcm []byte) error
	CloseContent(ctx context.Context, contentName string) error
}

// Call is one toolUse as seen by a handler.
type Call struct {
	ChannelID     string
	ToolName      string
	CorrelationID string
	Input         json.RawMessage
	Queue         *Queue

	// Background outlives the call and ends when the channel closes. Work
	// scheduled past the handler's return must use it.
	Background context.Context

	speak       func(ctx context.Context, text string) error
	canSpeak    bool
	afterResult *afterResult
}

// Bind decodes the tool input into v. Empty input leaves v untouched.
func (c Call) Bind(v any) error {
	if len(c.Input) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Input, v); err != nil {
		return errors.Wrapf(err, "decode %s input", c.ToolName)
	}
	return nil
}

// Speak synthesizes text and injects it into the channel's upstream session.
func (c Call) Speak(ctx context.Context, text string) error {
	if c.speak == nil {
		return ErrNoInjector
	}
	return c.speak(ctx, text)
}

// CanSpeak reports whether Speak can produce audio on this channel.
func (c Call) CanSpeak() bool {
	return c.speak != nil && c.canSpeak
}

// AfterResult runs fn once the call's result has been sent upstream. It
// reports false when the call has already been answered or failed; fn is
// dropped if the result is never sent.
func (c Call) AfterResult(fn func()) bool {
	return c.afterResult.add(fn)
}

type afterResult struct {
	mu   sync.Mutex
	fns  []func()
	done bool
}

func (a *afterResult) add(fn func()) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return false
	}
	a.fns = append(a.fns, fn)
	return true
}

func (a *afterResult) take() []func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.done = true
	fns := a.fns
	a.fns = nil
	return fns
}

// toolInput normalizes toolUse content into JSON. Content that is not valid
// JSON is passed through as a JSON string.
func toolInput(content string) json.RawMessage {
	if content == "" {
		return nil
	}
	if json.Valid([]byte(content)) {
		return json.RawMessage(content)
	}
	b, _ := json.Marshal(content)
	return b
}
