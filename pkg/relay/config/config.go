package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type UpstreamProvider string

const (
	UpstreamBedrock   UpstreamProvider = "bedrock"
	UpstreamWebSocket UpstreamProvider = "websocket"
)

type TTSProvider string

const (
	TTSPolly    TTSProvider = "polly"
	TTSCartesia TTSProvider = "cartesia"
	TTSNone     TTSProvider = "none"
)

type Config struct {
	Addr string

	// CORS / websocket origin allow-list. Empty allows same-origin and
	// origin-less (non-browser) clients only.
	CORSAllowedOrigins map[string]struct{}

	MaxMessageBytes   int64
	WSWriteTimeout    time.Duration
	WSPingInterval    time.Duration
	WSReadTimeout     time.Duration
	ClientQueueSize   int
	ReadHeaderTimeout time.Duration

	// Inbound audio limits per client (0 disables).
	MaxAudioFPS         int
	MaxAudioBPS         int64
	InboundBurstSeconds int

	HandshakeStepTimeout time.Duration
	CloseStepTimeout     time.Duration
	TeardownTimeout      time.Duration
	ReaperInterval       time.Duration
	IdleTimeout          time.Duration
	ShutdownTimeout      time.Duration
	ToolTimeout          time.Duration

	UpstreamProvider UpstreamProvider
	UpstreamURL      string
	AWSRegion        string
	ModelID          string
	VoiceID          string
	SystemPrompt     string
	MaxTokens        int
	TopP             float64
	Temperature      float64

	TTSProvider     TTSProvider
	CartesiaAPIKey  string
	CartesiaVoiceID string
	PollyVoiceID    string

	ToolsFile string

	LogLevel  string
	LogFormat string
}

const defaultSystemPrompt = "You are a friendly voice assistant. Keep answers short and conversational, two or three sentences at most."

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("RELAY_ADDR", ":8080"),
		CORSAllowedOrigins:   make(map[string]struct{}),
		MaxMessageBytes:      envInt64Or("RELAY_MAX_MESSAGE_BYTES", 256<<10), // 256 KiB
		WSWriteTimeout:       envDurationOr("RELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:       envDurationOr("RELAY_WS_PING_INTERVAL", 20*time.Second),
		WSReadTimeout:        envDurationOr("RELAY_WS_READ_TIMEOUT", 0),
		ClientQueueSize:      envIntOr("RELAY_CLIENT_QUEUE_SIZE", 256),
		ReadHeaderTimeout:    envDurationOr("RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		MaxAudioFPS:          envIntOr("RELAY_MAX_AUDIO_FPS", 120),
		MaxAudioBPS:          envInt64Or("RELAY_MAX_AUDIO_BPS", 128*1024),
		InboundBurstSeconds:  envIntOr("RELAY_INBOUND_BURST_SECONDS", 2),
		HandshakeStepTimeout: envDurationOr("RELAY_HANDSHAKE_STEP_TIMEOUT", 5*time.Second),
		CloseStepTimeout:     envDurationOr("RELAY_CLOSE_STEP_TIMEOUT", time.Second),
		TeardownTimeout:      envDurationOr("RELAY_TEARDOWN_TIMEOUT", 3*time.Second),
		ReaperInterval:       envDurationOr("RELAY_REAPER_INTERVAL", 60*time.Second),
		IdleTimeout:          envDurationOr("RELAY_IDLE_TIMEOUT", 5*time.Minute),
		ShutdownTimeout:      envDurationOr("RELAY_SHUTDOWN_TIMEOUT", 5*time.Second),
		ToolTimeout:          envDurationOr("RELAY_TOOL_TIMEOUT", 10*time.Second),
		UpstreamProvider:     UpstreamProvider(strings.ToLower(envOr("RELAY_UPSTREAM_PROVIDER", string(UpstreamBedrock)))),
		UpstreamURL:          envOr("RELAY_UPSTREAM_URL", ""),
		AWSRegion:            envOr("RELAY_AWS_REGION", envOr("AWS_REGION", "us-east-1")),
		ModelID:              envOr("RELAY_MODEL_ID", "amazon.nova-sonic-v1:0"),
		VoiceID:              envOr("RELAY_VOICE_ID", "matthew"),
		SystemPrompt:         envOr("RELAY_SYSTEM_PROMPT", defaultSystemPrompt),
		MaxTokens:            envIntOr("RELAY_MAX_TOKENS", 1024),
		TopP:                 envFloat64Or("RELAY_TOP_P", 0.9),
		Temperature:          envFloat64Or("RELAY_TEMPERATURE", 0.7),
		TTSProvider:          TTSProvider(strings.ToLower(envOr("RELAY_TTS_PROVIDER", string(TTSPolly)))),
		CartesiaAPIKey:       envOr("RELAY_CARTESIA_API_KEY", envOr("CARTESIA_API_KEY", "")),
		CartesiaVoiceID:      envOr("RELAY_CARTESIA_VOICE_ID", ""),
		PollyVoiceID:         envOr("RELAY_POLLY_VOICE_ID", "Joanna"),
		ToolsFile:            envOr("RELAY_TOOLS_FILE", ""),
		LogLevel:             strings.ToLower(envOr("RELAY_LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(envOr("RELAY_LOG_FORMAT", "text")),
	}

	for _, origin := range splitCSV(os.Getenv("RELAY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("RELAY_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.ClientQueueSize <= 0 {
		return Config{}, fmt.Errorf("RELAY_CLIENT_QUEUE_SIZE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.MaxAudioFPS < 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.MaxAudioBPS < 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_AUDIO_BPS must be >= 0")
	}
	if (cfg.MaxAudioFPS > 0 || cfg.MaxAudioBPS > 0) && cfg.InboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("RELAY_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.HandshakeStepTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_HANDSHAKE_STEP_TIMEOUT must be > 0")
	}
	if cfg.CloseStepTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_CLOSE_STEP_TIMEOUT must be > 0")
	}
	if cfg.TeardownTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_TEARDOWN_TIMEOUT must be > 0")
	}
	if cfg.ReaperInterval <= 0 {
		return Config{}, fmt.Errorf("RELAY_REAPER_INTERVAL must be > 0")
	}
	if cfg.IdleTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_IDLE_TIMEOUT must be > 0")
	}
	if cfg.ShutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_SHUTDOWN_TIMEOUT must be > 0")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_TOOL_TIMEOUT must be > 0")
	}
	if cfg.MaxTokens <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_TOKENS must be > 0")
	}
	if cfg.TopP < 0 || cfg.TopP > 1 {
		return Config{}, fmt.Errorf("RELAY_TOP_P must be within [0,1]")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 1 {
		return Config{}, fmt.Errorf("RELAY_TEMPERATURE must be within [0,1]")
	}

	switch cfg.UpstreamProvider {
	case UpstreamBedrock:
		if cfg.AWSRegion == "" {
			return Config{}, fmt.Errorf("RELAY_AWS_REGION must be set when RELAY_UPSTREAM_PROVIDER=bedrock")
		}
	case UpstreamWebSocket:
		if cfg.UpstreamURL == "" {
			return Config{}, fmt.Errorf("RELAY_UPSTREAM_URL must be set when RELAY_UPSTREAM_PROVIDER=websocket")
		}
	default:
		return Config{}, fmt.Errorf("RELAY_UPSTREAM_PROVIDER must be one of bedrock|websocket")
	}

	switch cfg.TTSProvider {
	case TTSPolly, TTSNone:
	case TTSCartesia:
		if cfg.CartesiaAPIKey == "" {
			return Config{}, fmt.Errorf("RELAY_CARTESIA_API_KEY must be set when RELAY_TTS_PROVIDER=cartesia")
		}
	default:
		return Config{}, fmt.Errorf("RELAY_TTS_PROVIDER must be one of polly|cartesia|none")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("RELAY_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("RELAY_LOG_FORMAT must be one of text|json")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
