package tools

import (
	"context"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/vango-go/sonic-relay/pkg/relay/audio"
	"github.com/vango-go/sonic-relay/pkg/relay/tts"
)

var ErrNoInjector = errors.New("speech injection is not configured")

// Injector turns text into speech and writes it into a session as its own
// audio content window.
type Injector struct {
	synth  tts.Synthesizer
	logger *slog.Logger
}

func NewInjector(synth tts.Synthesizer, logger *slog.Logger) *Injector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{synth: synth, logger: logger}
}

// Enabled reports whether a real synthesizer is configured.
func (i *Injector) Enabled() bool {
	if i == nil || i.synth == nil {
		return false
	}
	_, disabled := i.synth.(tts.Disabled)
	return !disabled
}

func (i *Injector) Speak(ctx context.Context, sess Session, text string) error {
	if !i.Enabled() {
		return ErrNoInjector
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	pcm, err := i.synth.Synthesize(ctx, text)
	if err != nil {
		return errors.Wrap(err, "synthesize")
	}
	frames, dropped := audio.Reframe(pcm)
	if dropped > 0 {
		i.logger.Debug("dropped trailing partial frame", "tts", i.synth.Name(), "bytes", dropped)
	}
	if len(frames) == 0 {
		return nil
	}

	content, err := sess.OpenAudioWindow(ctx)
	if err != nil {
		return errors.Wrap(err, "open audio window")
	}
	for _, frame := range frames {
		if err := sess.SendAudioTo(ctx, content, frame); err != nil {
			_ = sess.CloseContent(context.WithoutCancel(ctx), content)
			return errors.Wrap(err, "send injected audio")
		}
	}
	return sess.CloseContent(ctx, content)
}
