package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaVersion = "2025-04-16"
	cartesiaModel   = "sonic-3"
)

// Default voice ID - deployments should configure their own.
const defaultCartesiaVoiceID = "a0e99841-438c-4a64-b679-ae501e7d6091"

// Cartesia synthesizes through Cartesia's /tts/bytes endpoint as raw pcm_s16le.
type Cartesia struct {
	apiKey     string
	voiceID    string
	baseURL    string
	httpClient *http.Client
}

type CartesiaOption func(*Cartesia)

func WithCartesiaBaseURL(u string) CartesiaOption {
	return func(c *Cartesia) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithCartesiaHTTPClient(client *http.Client) CartesiaOption {
	return func(c *Cartesia) { c.httpClient = client }
}

func NewCartesia(apiKey, voiceID string, opts ...CartesiaOption) *Cartesia {
	if strings.TrimSpace(voiceID) == "" {
		voiceID = defaultCartesiaVoiceID
	}
	c := &Cartesia{
		apiKey:     apiKey,
		voiceID:    voiceID,
		baseURL:    cartesiaBaseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cartesia) Name() string { return "cartesia" }

func (c *Cartesia) Synthesize(ctx context.Context, text string) ([]byte, error) {
	reqBody := cartesiaTTSRequest{
		ModelID:    cartesiaModel,
		Transcript: text,
		Voice: cartesiaVoiceSpec{
			Mode: "id",
			ID:   c.voiceID,
		},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: SampleRate,
		},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/bytes", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "cartesia request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return []byte{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, errors.Newf("cartesia error %d: %s", resp.StatusCode, string(errBody))
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read audio")
	}
	return pcm, nil
}

type cartesiaTTSRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoiceSpec    `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
}

type cartesiaVoiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}
