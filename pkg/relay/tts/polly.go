package tts

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	"github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/cockroachdb/errors"
)

const defaultPollyVoice = "Joanna"

// PollyAPI is the slice of the Polly client used here.
type PollyAPI interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Polly synthesizes with Amazon Polly's neural engine as 16kHz PCM.
type Polly struct {
	client  PollyAPI
	voiceID string
}

func NewPolly(client PollyAPI, voiceID string) *Polly {
	if strings.TrimSpace(voiceID) == "" {
		voiceID = defaultPollyVoice
	}
	return &Polly{client: client, voiceID: voiceID}
}

func (p *Polly) Name() string { return "polly" }

func (p *Polly) Synthesize(ctx context.Context, text string) ([]byte, error) {
	out, err := p.client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Text:         aws.String(text),
		VoiceId:      types.VoiceId(p.voiceID),
		OutputFormat: types.OutputFormatPcm,
		SampleRate:   aws.String(strconv.Itoa(SampleRate)),
		Engine:       types.EngineNeural,
	})
	if err != nil {
		return nil, errors.Wrap(err, "polly synthesize")
	}
	if out.AudioStream == nil {
		return []byte{}, nil
	}
	defer out.AudioStream.Close()

	pcm, err := io.ReadAll(out.AudioStream)
	if err != nil {
		return nil, errors.Wrap(err, "read polly audio")
	}
	return pcm, nil
}
