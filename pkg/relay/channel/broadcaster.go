package channel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/vango-go/sonic-relay/pkg/relay/audio"
	"github.com/vango-go/sonic-relay/pkg/relay/metrics"
	"github.com/vango-go/sonic-relay/pkg/relay/protocol"
)

// forwarded lists upstream events relayed to clients as JSON envelopes.
// audioOutput is handled separately; anything not listed is dropped.
var forwarded = map[protocol.EventName]bool{
	protocol.EventCompletionStart: true,
	protocol.EventContentStart:    true,
	protocol.EventTextOutput:      true,
	protocol.EventContentEnd:      true,
	protocol.EventToolUse:         true,
	protocol.EventCompletionEnd:   true,
	protocol.EventUsage:           true,
	protocol.EventError:           true,
	protocol.EventStreamComplete:  true,
}

// BroadcastDeliveryError is one failed hand-off to a single client.
type BroadcastDeliveryError struct {
	ChannelID string
	ClientID  string
	Err       error
}

func (e *BroadcastDeliveryError) Error() string {
	return fmt.Sprintf("deliver to client %s on channel %s: %v", e.ClientID, e.ChannelID, e.Err)
}

func (e *BroadcastDeliveryError) Unwrap() error { return e.Err }

// Broadcaster fans a channel's upstream events out to its current clients.
type Broadcaster struct {
	ch      *Channel
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// AttachBroadcaster subscribes a Broadcaster to every event of ch's session.
func AttachBroadcaster(ch *Channel, logger *slog.Logger, m *metrics.Metrics) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{ch: ch, logger: logger.With("channel_id", ch.ID()), metrics: m}
	ch.Session().Subscribe(protocol.EventAny, b.handle)
	return b
}

func (b *Broadcaster) handle(name protocol.EventName, payload json.RawMessage) {
	if name == protocol.EventAudioOutput {
		b.handleAudio(payload)
		return
	}
	if !forwarded[name] {
		return
	}
	data, err := protocol.Encode(name, payload)
	if err != nil {
		b.logger.Warn("encode broadcast event", "event", string(name), "error", err)
		return
	}
	b.deliver(data, false)
}

func (b *Broadcaster) handleAudio(payload json.RawMessage) {
	var out protocol.AudioOutput
	if err := json.Unmarshal(payload, &out); err != nil {
		b.logger.Warn("invalid audioOutput payload", "error", err)
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(out.Content)
	if err != nil {
		b.logger.Warn("invalid audioOutput content", "error", err)
		return
	}
	frames, dropped := audio.Reframe(pcm)
	if dropped > 0 {
		b.logger.Debug("dropping partial audio frame", "bytes", dropped)
	}
	for _, frame := range frames {
		b.deliver(frame, true)
	}
	b.metrics.RecordFramesSent(len(frames))
	b.metrics.RecordAudio("outbound", len(frames)*audio.FrameBytes)
}

// deliver hands data to every client attached right now. A failing client is
// logged and skipped.
func (b *Broadcaster) deliver(data []byte, binary bool) {
	for _, cl := range b.ch.Clients() {
		var err error
		if binary {
			err = cl.SendBinary(data)
		} else {
			err = cl.SendText(data)
		}
		if err == nil {
			continue
		}
		derr := &BroadcastDeliveryError{ChannelID: b.ch.ID(), ClientID: cl.ID(), Err: err}
		b.metrics.RecordBroadcastFailure(deliveryReason(err))
		b.logger.Debug("broadcast delivery failed", "client_id", cl.ID(), "error", derr)
	}
}

// Reasoner lets a client error name a low-cardinality failure reason.
type Reasoner interface {
	Reason() string
}

func deliveryReason(err error) string {
	var r Reasoner
	if errors.As(err, &r) {
		return r.Reason()
	}
	return "send_failed"
}
