package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/sonic-relay/pkg/relay/channel"
	"github.com/vango-go/sonic-relay/pkg/relay/config"
	"github.com/vango-go/sonic-relay/pkg/relay/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Registry  *channel.Registry
	ToolCount int
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK               bool     `json:"ok"`
		Draining         bool     `json:"draining"`
		UpstreamProvider string   `json:"upstream_provider"`
		TTSProvider      string   `json:"tts_provider"`
		Channels         int      `json:"channels"`
		Tools            int      `json:"tools"`
		UptimeSeconds    int64    `json:"uptime_seconds"`
		Issues           []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
	}
	if h.Registry == nil {
		issues = append(issues, "channel registry not configured")
	}
	if h.Config.TeardownTimeout <= 0 || h.Config.ShutdownTimeout <= 0 {
		issues = append(issues, "teardown and shutdown timeouts must be > 0")
	}
	if h.Config.IdleTimeout <= 0 || h.Config.ReaperInterval <= 0 {
		issues = append(issues, "reaper interval and idle timeout must be > 0")
	}
	if h.Config.UpstreamProvider == config.UpstreamWebSocket && h.Config.UpstreamURL == "" {
		issues = append(issues, "websocket upstream without url")
	}

	resp := readyResp{
		Draining:         draining,
		UpstreamProvider: string(h.Config.UpstreamProvider),
		TTSProvider:      string(h.Config.TTSProvider),
		Tools:            h.ToolCount,
		Issues:           issues,
	}
	if h.Registry != nil {
		resp.Channels = h.Registry.Len()
	}
	if started := h.Lifecycle.StartedAt(); !started.IsZero() {
		resp.UptimeSeconds = int64(time.Since(started) / time.Second)
	}
	resp.OK = len(issues) == 0

	status := http.StatusOK
	if draining {
		status = http.StatusServiceUnavailable
	} else if !resp.OK {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
