// Package transport adapts client wire formats to the relay's 16kHz PCM16
// audio input and back.
package transport

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	KindBrowser = "browser"
	KindTwilio  = "twilio"
)

// AudioSink receives decoded PCM16 16kHz mono audio.
type AudioSink func(ctx context.Context, pcm []byte) error

// Adapter is per connection. TryProcessAudioInput reports handled=false for
// messages that are not this transport's audio envelopes.
type Adapter interface {
	Kind() string
	TryProcessAudioInput(ctx context.Context, raw []byte, sink AudioSink) (handled bool, err error)
	// EncodeAudio converts one relay output frame into the transport's
	// outbound message. Nil data drops the frame.
	EncodeAudio(frame []byte) (data []byte, binary bool)
	// AcceptsEvents reports whether JSON event envelopes are forwarded.
	AcceptsEvents() bool
}

var ErrUnknownTransport = errors.New("unknown transport")

// New returns a fresh adapter for kind. The empty kind is a browser.
func New(kind string) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindBrowser:
		return &Browser{}, nil
	case KindTwilio:
		return &Twilio{}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownTransport, "%q", kind)
	}
}
