// Package tts turns text into PCM16 16kHz mono audio for injection into an
// upstream session.
package tts

import (
	"context"

	"github.com/cockroachdb/errors"
)

// SampleRate is the rate every Synthesizer must produce.
const SampleRate = 16000

// Synthesizer converts text to little-endian PCM16 mono at SampleRate.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

var ErrDisabled = errors.New("speech synthesis is disabled")

// Disabled is the Synthesizer used when no provider is configured.
type Disabled struct{}

func (Disabled) Name() string { return "none" }

func (Disabled) Synthesize(context.Context, string) ([]byte, error) {
	return nil, ErrDisabled
}
