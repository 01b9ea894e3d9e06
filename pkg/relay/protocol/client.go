package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// ClientAction is a control request a client sends as {"type": "<action>"}.
type ClientAction string

const (
	ActionPromptStart  ClientAction = "promptStart"
	ActionSystemPrompt ClientAction = "systemPrompt"
	ActionAudioStart   ClientAction = "audioStart"
	ActionStopAudio    ClientAction = "stopAudio"
)

var clientActions = map[ClientAction]struct{}{
	ActionPromptStart:  {},
	ActionSystemPrompt: {},
	ActionAudioStart:   {},
	ActionStopAudio:    {},
}

type ClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// DecodeClientAction recognizes control actions. ok is false for anything
// that is not a known action, including audio envelopes and invalid JSON;
// those are left to the transport adapter.
func DecodeClientAction(data []byte) (ClientAction, ClientMessage, bool) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", ClientMessage{}, false
	}
	action := ClientAction(strings.TrimSpace(msg.Type))
	if _, ok := clientActions[action]; !ok {
		return "", ClientMessage{}, false
	}
	return action, msg, true
}

// ErrorEnvelope renders an error event for a single client.
func ErrorEnvelope(code, message string) []byte {
	b, err := Encode(EventError, ErrorEvent{Code: code, Message: message})
	if err != nil {
		return []byte(`{"event":{"error":{"message":"internal error"}}}`)
	}
	return b
}
