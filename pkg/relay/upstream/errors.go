package upstream

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotReady is returned by every send when the session is not READY.
	ErrNotReady = errors.New("upstream session not ready")
	// ErrClosed reports that the session was closed while an operation was in flight.
	ErrClosed         = errors.New("upstream session closed")
	ErrNoPrompt       = errors.New("no prompt open")
	ErrPromptOpen     = errors.New("prompt already open")
	ErrNoAudioContent = errors.New("no audio content open")
)

const (
	StepConnect      = "connect"
	StepSessionStart = "sessionStart"
	StepPromptStart  = "promptStart"
	StepSystemPrompt = "systemPrompt"
	StepAudioStart   = "audioContentStart"
	StepReady        = "ready"
)

// HandshakeError reports which handshake step the upstream rejected.
type HandshakeError struct {
	Step string
	Err  error
}

func (e *HandshakeError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("upstream handshake failed at %s: %v", e.Step, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func notReady(state State) error {
	return errors.Wrapf(ErrNotReady, "state %s", state)
}
