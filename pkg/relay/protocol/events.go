package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EventName is the single key inside an {"event":{...}} envelope.
type EventName string

const (
	EventSessionStart    EventName = "sessionStart"
	EventPromptStart     EventName = "promptStart"
	EventContentStart    EventName = "contentStart"
	EventTextInput       EventName = "textInput"
	EventAudioInput      EventName = "audioInput"
	EventToolResult      EventName = "toolResult"
	EventContentEnd      EventName = "contentEnd"
	EventPromptEnd       EventName = "promptEnd"
	EventSessionEnd      EventName = "sessionEnd"
	EventTextOutput      EventName = "textOutput"
	EventAudioOutput     EventName = "audioOutput"
	EventToolUse         EventName = "toolUse"
	EventCompletionStart EventName = "completionStart"
	EventCompletionEnd   EventName = "completionEnd"
	EventUsage           EventName = "usageEvent"
	EventError           EventName = "error"
	EventStreamComplete  EventName = "streamComplete"
	EventSessionReady    EventName = "sessionReady"

	// EventAny subscribes to every event a session emits.
	EventAny EventName = "*"
)

// Envelope is the wire shape shared by upstream events and client-facing
// control messages.
type Envelope struct {
	Event map[EventName]json.RawMessage `json:"event"`
}

// Encode marshals payload under name. A nil payload is sent as {}.
func Encode(name EventName, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload == nil {
		raw = json.RawMessage(`{}`)
	} else if r, ok := payload.(json.RawMessage); ok {
		raw = r
	} else {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		raw = b
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}
	return json.Marshal(Envelope{Event: map[EventName]json.RawMessage{name: raw}})
}

// Decode extracts the single event carried by an envelope.
func Decode(data []byte) (EventName, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, badRequest("invalid event envelope", "")
	}
	if len(env.Event) != 1 {
		return "", nil, badRequest("event envelope must carry exactly one event", "event")
	}
	for name, payload := range env.Event {
		if name == "" {
			return "", nil, badRequest("empty event name", "event")
		}
		return name, payload, nil
	}
	return "", nil, badRequest("empty event envelope", "event")
}
