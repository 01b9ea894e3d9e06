package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/sonic-relay/pkg/relay/channel"
	"github.com/vango-go/sonic-relay/pkg/relay/mw"
)

// ChannelsHandler lists live channels for monitoring.
type ChannelsHandler struct {
	Registry *channel.Registry
}

func (h ChannelsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		mw.WriteJSONError(w, r, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(struct {
		Channels []channel.ChannelInfo `json:"channels"`
	}{Channels: h.Registry.ListActive()})
}
