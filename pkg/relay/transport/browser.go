package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Browser carries {"type":"audioInput","data":"<base64 PCM16 16kHz>"} in and
// raw binary PCM frames out.
type Browser struct{}

type browserAudio struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func (b *Browser) Kind() string { return KindBrowser }

func (b *Browser) TryProcessAudioInput(ctx context.Context, raw []byte, sink AudioSink) (bool, error) {
	var msg browserAudio
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "audioInput" {
		return false, nil
	}
	pcm, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		return true, errors.Wrap(err, "decode audioInput data")
	}
	if len(pcm) == 0 {
		return true, nil
	}
	return true, sink(ctx, pcm)
}

func (b *Browser) EncodeAudio(frame []byte) ([]byte, bool) { return frame, true }

func (b *Browser) AcceptsEvents() bool { return true }
