package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/sonic-relay/pkg/relay/channel"
	"github.com/vango-go/sonic-relay/pkg/relay/config"
	"github.com/vango-go/sonic-relay/pkg/relay/conns"
	"github.com/vango-go/sonic-relay/pkg/relay/lifecycle"
	"github.com/vango-go/sonic-relay/pkg/relay/metrics"
	"github.com/vango-go/sonic-relay/pkg/relay/mw"
	"github.com/vango-go/sonic-relay/pkg/relay/protocol"
	"github.com/vango-go/sonic-relay/pkg/relay/transport"
	"github.com/vango-go/sonic-relay/pkg/relay/upstream"
)

// ClientHandler accepts client websockets and attaches them to channels.
type ClientHandler struct {
	Config    config.Config
	Registry  *channel.Registry
	Lifecycle *lifecycle.Lifecycle
	Tracker   *conns.Tracker
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// Transport fixes the client transport; empty reads ?transport=.
	Transport string
}

type actionFunc func(ctx context.Context, sess *upstream.Session, msg protocol.ClientMessage) error

var clientActions = map[protocol.ClientAction]actionFunc{
	protocol.ActionPromptStart: func(ctx context.Context, sess *upstream.Session, _ protocol.ClientMessage) error {
		return sess.StartPrompt(ctx)
	},
	protocol.ActionSystemPrompt: func(ctx context.Context, sess *upstream.Session, msg protocol.ClientMessage) error {
		return sess.SetSystemPrompt(ctx, msg.Data)
	},
	protocol.ActionAudioStart: func(ctx context.Context, sess *upstream.Session, _ protocol.ClientMessage) error {
		return sess.StartAudioContent(ctx)
	},
	protocol.ActionStopAudio: func(ctx context.Context, sess *upstream.Session, _ protocol.ClientMessage) error {
		return sess.StopAudioContent(ctx)
	},
}

func (h ClientHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		mw.WriteJSONError(w, r, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	if h.Lifecycle.IsDraining() {
		mw.WriteJSONError(w, r, http.StatusServiceUnavailable, "overloaded_error", "relay is draining")
		return
	}
	if !mw.OriginAllowed(h.Config.CORSAllowedOrigins, r) {
		mw.WriteJSONError(w, r, http.StatusForbidden, "permission_error", "origin is not allowed")
		return
	}
	kind := h.Transport
	if kind == "" {
		kind = r.URL.Query().Get("transport")
	}
	adapter, err := transport.New(kind)
	if err != nil {
		mw.WriteJSONError(w, r, http.StatusBadRequest, "invalid_request_error", "unsupported transport")
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if h.Config.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.Config.MaxMessageBytes)
	}

	logger := h.logger()
	clientID := uuid.NewString()
	channelID := strings.TrimSpace(r.URL.Query().Get("channel"))
	if channelID == "" {
		channelID = uuid.NewString()
	}
	logger = logger.With("client_id", clientID, "channel_id", channelID, "transport", adapter.Kind())

	c := conns.New(clientID, adapter.Kind(), ws, conns.Config{
		WriteTimeout: h.Config.WSWriteTimeout,
		PingInterval: h.Config.WSPingInterval,
		QueueSize:    h.Config.ClientQueueSize,
	}, adapter, logger)
	go func() {
		if err := c.Run(); err != nil {
			logger.Debug("client writer stopped", "error", err)
		}
	}()
	unregister := h.Tracker.Register(clientID, c.Close)
	defer unregister()
	defer func() {
		c.Close(websocket.CloseNormalClosure, "")
		<-c.Done()
	}()

	ctx := r.Context()
	ch, created, err := h.Registry.Join(ctx, channelID, c)
	if err != nil {
		logger.Warn("join failed", "error", err)
		_ = c.SendPriority(protocol.ErrorEnvelope(joinErrorCode(err), "could not open channel"))
		c.Close(channel.CloseInternalError, "upstream handshake failed")
		return
	}
	defer h.Registry.Leave(ch, c)

	ready, err := protocol.Encode(protocol.EventSessionReady, protocol.SessionReady{ChannelID: ch.ID(), IsNewChannel: created})
	if err == nil {
		_ = c.SendPriority(ready)
	}
	logger.Info("client joined", "new_channel", created)

	h.readLoop(ctx, ws, c, ch, adapter, logger)
	logger.Info("client left")
}

func (h ClientHandler) readLoop(ctx context.Context, ws *websocket.Conn, c *conns.Conn, ch *channel.Channel, adapter transport.Adapter, logger *slog.Logger) {
	readTimeout := h.Config.WSReadTimeout
	if readTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(readTimeout))
		})
	}

	limiter := conns.NewInboundLimiter(nil, h.Config.MaxAudioFPS, h.Config.MaxAudioBPS, h.Config.InboundBurstSeconds)
	sess := ch.Session()
	sink := func(ctx context.Context, pcm []byte) error {
		if !limiter.Allow(len(pcm)) {
			h.Metrics.RecordInboundDropped("rate_limited")
			return nil
		}
		h.Metrics.RecordAudio("inbound", len(pcm))
		return sess.SendAudio(ctx, pcm)
	}

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug("client read ended", "error", err)
			}
			return
		}
		if readTimeout > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		}
		ch.Touch()

		var opErr error
		switch messageType {
		case websocket.BinaryMessage:
			opErr = sink(ctx, data)
		case websocket.TextMessage:
			if action, msg, ok := protocol.DecodeClientAction(data); ok {
				opErr = clientActions[action](ctx, sess, msg)
				break
			}
			var handled bool
			handled, opErr = adapter.TryProcessAudioInput(ctx, data, sink)
			if !handled {
				logger.Debug("ignoring unrecognized client message")
			}
		}
		if opErr != nil {
			h.reportClientError(c, opErr, logger)
		}
	}
}

// reportClientError answers a failed client operation on that client only.
func (h ClientHandler) reportClientError(c *conns.Conn, err error, logger *slog.Logger) {
	code := clientErrorCode(err)
	logger.Debug("client operation failed", "code", code, "error", err)
	_ = c.SendPriority(protocol.ErrorEnvelope(code, err.Error()))
}

func clientErrorCode(err error) string {
	switch {
	case errors.Is(err, upstream.ErrNotReady), errors.Is(err, upstream.ErrClosed):
		return "not_ready"
	case errors.Is(err, upstream.ErrNoPrompt), errors.Is(err, upstream.ErrPromptOpen), errors.Is(err, upstream.ErrNoAudioContent):
		return "invalid_state"
	}
	var derr *protocol.DecodeError
	if errors.As(err, &derr) {
		return derr.Code
	}
	return "upstream_error"
}

func joinErrorCode(err error) string {
	var herr *upstream.HandshakeError
	if errors.As(err, &herr) {
		return "handshake_failed"
	}
	if errors.Is(err, channel.ErrChannelClosing) {
		return "channel_closing"
	}
	return "join_failed"
}

func (h ClientHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
