package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/vango-go/sonic-relay/pkg/relay/audio"
)

// Upstream speech is 24kHz; Twilio plays 8kHz μ-law.
const twilioDownsampleFactor = 3

// Twilio speaks the Media Streams protocol: start, media and stop events in,
// media events with μ-law payloads out.
type Twilio struct {
	mu        sync.Mutex
	streamSid string
	callSid   string
	stopped   bool
}

type twilioMessage struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid,omitempty"`
	Start     *struct {
		StreamSid string `json:"streamSid"`
		CallSid   string `json:"callSid"`
	} `json:"start,omitempty"`
	Media *struct {
		Track   string `json:"track,omitempty"`
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

type twilioOutbound struct {
	Event     string             `json:"event"`
	StreamSid string             `json:"streamSid"`
	Media     twilioOutboundBody `json:"media"`
}

type twilioOutboundBody struct {
	Payload string `json:"payload"`
}

func (t *Twilio) Kind() string { return KindTwilio }

func (t *Twilio) StreamSid() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamSid
}

func (t *Twilio) CallSid() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callSid
}

func (t *Twilio) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Twilio) TryProcessAudioInput(ctx context.Context, raw []byte, sink AudioSink) (bool, error) {
	var msg twilioMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return false, nil
	}
	switch msg.Event {
	case "connected", "mark", "dtmf":
		return true, nil
	case "start":
		t.mu.Lock()
		t.streamSid = msg.StreamSid
		if msg.Start != nil {
			if msg.Start.StreamSid != "" {
				t.streamSid = msg.Start.StreamSid
			}
			t.callSid = msg.Start.CallSid
		}
		t.stopped = false
		t.mu.Unlock()
		return true, nil
	case "stop":
		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()
		return true, nil
	case "media":
		if msg.Media == nil || msg.Media.Payload == "" {
			return true, nil
		}
		if msg.Media.Track != "" && msg.Media.Track != "inbound" {
			return true, nil
		}
		ulaw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return true, errors.Wrap(err, "decode twilio media payload")
		}
		return true, sink(ctx, audio.Upsample2x(audio.DecodeMuLaw(ulaw)))
	default:
		return false, nil
	}
}

// EncodeAudio drops frames until the start event has named the stream.
func (t *Twilio) EncodeAudio(frame []byte) ([]byte, bool) {
	sid := t.StreamSid()
	if sid == "" {
		return nil, false
	}
	ulaw := audio.EncodeMuLaw(audio.Downsample(frame, twilioDownsampleFactor))
	b, _ := json.Marshal(twilioOutbound{
		Event:     "media",
		StreamSid: sid,
		Media:     twilioOutboundBody{Payload: base64.StdEncoding.EncodeToString(ulaw)},
	})
	return b, false
}

// AcceptsEvents is false: Media Streams rejects messages it does not know.
func (t *Twilio) AcceptsEvents() bool { return false }
