package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/sonic-relay/pkg/relay/channel"
	"github.com/vango-go/sonic-relay/pkg/relay/config"
	"github.com/vango-go/sonic-relay/pkg/relay/conns"
	"github.com/vango-go/sonic-relay/pkg/relay/lifecycle"
	"github.com/vango-go/sonic-relay/pkg/relay/protocol"
	"github.com/vango-go/sonic-relay/pkg/relay/upstream"
	"github.com/vango-go/sonic-relay/pkg/relay/upstream/upstreamtest"
)

type relayFixture struct {
	srv       *httptest.Server
	dialer    *upstreamtest.Dialer
	registry  *channel.Registry
	lifecycle *lifecycle.Lifecycle
	tracker   *conns.Tracker
}

func testConfig() config.Config {
	return config.Config{
		MaxMessageBytes: 1 << 20,
		WSWriteTimeout:  time.Second,
		WSPingInterval:  time.Hour,
		ClientQueueSize: 64,
		TeardownTimeout: time.Second,
		ShutdownTimeout: time.Second,
		IdleTimeout:     time.Minute,
		ReaperInterval:  time.Minute,
	}
}

func newRelay(t *testing.T) *relayFixture {
	t.Helper()
	f := &relayFixture{
		dialer:    &upstreamtest.Dialer{},
		lifecycle: lifecycle.New(time.Now()),
		tracker:   conns.NewTracker(),
	}
	f.registry = channel.NewRegistry(channel.Options{
		NewSession: func(id string) *upstream.Session {
			return upstream.NewSession(upstream.Options{
				ID:     id,
				Config: upstream.Config{StepTimeout: time.Second, CloseStepTimeout: 100 * time.Millisecond},
				Dialer: f.dialer.Dial,
			})
		},
		TeardownTimeout: time.Second,
	})

	cfg := testConfig()
	mux := http.NewServeMux()
	mux.Handle("/ws", ClientHandler{Config: cfg, Registry: f.registry, Lifecycle: f.lifecycle, Tracker: f.tracker})
	mux.Handle("/twilio/media", ClientHandler{Config: cfg, Registry: f.registry, Lifecycle: f.lifecycle, Tracker: f.tracker, Transport: "twilio"})
	mux.Handle("/channels", ChannelsHandler{Registry: f.registry})
	mux.Handle("/readyz", ReadyHandler{Config: cfg, Lifecycle: f.lifecycle, Registry: f.registry})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		f.tracker.CloseAll(websocket.CloseGoingAway, "test done")
		f.srv.Close()
		for _, ch := range f.registry.Snapshot() {
			_ = ch.Close(context.Background(), false)
		}
	})
	return f
}

func (f *relayFixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) (protocol.EventName, json.RawMessage) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt, "expected a text envelope")
	name, payload, err := protocol.Decode(data)
	require.NoError(t, err)
	return name, payload
}

func readReady(t *testing.T, ws *websocket.Conn) protocol.SessionReady {
	t.Helper()
	name, payload := readEvent(t, ws)
	require.Equal(t, protocol.EventSessionReady, name)
	var ready protocol.SessionReady
	require.NoError(t, json.Unmarshal(payload, &ready))
	return ready
}

func awaitSent(t *testing.T, tr *upstreamtest.Transport, name protocol.EventName) upstreamtest.Frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-tr.SentChan():
			if f.Name == name {
				return f
			}
		case <-timeout:
			t.Fatalf("upstream never received %s; sent %v", name, tr.SentNames())
			return upstreamtest.Frame{}
		}
	}
}

func TestClientHandler_JoinSharesChannel(t *testing.T) {
	f := newRelay(t)

	a := f.dial(t, "/ws?channel=room-1")
	readyA := readReady(t, a)
	require.Equal(t, "room-1", readyA.ChannelID)
	require.True(t, readyA.IsNewChannel)

	b := f.dial(t, "/ws?channel=room-1")
	readyB := readReady(t, b)
	require.False(t, readyB.IsNewChannel)
	require.Equal(t, 1, f.dialer.Count())

	f.dialer.Last().Emit(protocol.EventTextOutput, map[string]string{"content": "hello"})
	for _, ws := range []*websocket.Conn{a, b} {
		name, payload := readEvent(t, ws)
		require.Equal(t, protocol.EventTextOutput, name)
		require.JSONEq(t, `{"content":"hello"}`, string(payload))
	}
}

func TestClientHandler_MintsChannelID(t *testing.T) {
	f := newRelay(t)
	ws := f.dial(t, "/ws")
	ready := readReady(t, ws)
	require.NotEmpty(t, ready.ChannelID)
	require.True(t, ready.IsNewChannel)
}

func TestClientHandler_AudioOutputIsReframed(t *testing.T) {
	f := newRelay(t)
	ws := f.dial(t, "/ws?channel=audio")
	readReady(t, ws)

	f.dialer.Last().Emit(protocol.EventAudioOutput, protocol.AudioOutput{Content: base64.StdEncoding.EncodeToString(make([]byte, 2000))})
	for i := 0; i < 3; i++ {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		mt, data, err := ws.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.BinaryMessage, mt)
		require.Len(t, data, 640)
	}
}

func TestClientHandler_ForwardsAudioAndActions(t *testing.T) {
	f := newRelay(t)
	ws := f.dial(t, "/ws?channel=talk")
	readReady(t, ws)
	tr := f.dialer.Last()

	pcm := []byte{1, 2, 3, 4}
	msg := `{"type":"audioInput","data":"` + base64.StdEncoding.EncodeToString(pcm) + `"}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(msg)))
	frame := awaitSent(t, tr, protocol.EventAudioInput)
	var in protocol.ContentInput
	require.NoError(t, json.Unmarshal(frame.Payload, &in))
	require.Equal(t, base64.StdEncoding.EncodeToString(pcm), in.Content)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"stopAudio"}`)))
	awaitSent(t, tr, protocol.EventContentEnd)

	// The prompt is closed now, so a second stopAudio is answered locally.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"stopAudio"}`)))
	name, payload := readEvent(t, ws)
	require.Equal(t, protocol.EventError, name)
	require.Contains(t, string(payload), "invalid_state")
}

func TestClientHandler_IgnoresUnknownMessages(t *testing.T) {
	f := newRelay(t)
	ws := f.dial(t, "/ws?channel=noise")
	readReady(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	f.dialer.Last().Emit(protocol.EventTextOutput, map[string]string{"content": "still here"})
	name, _ := readEvent(t, ws)
	require.Equal(t, protocol.EventTextOutput, name)
}

func TestClientHandler_LastLeaveTearsDown(t *testing.T) {
	f := newRelay(t)
	ws := f.dial(t, "/ws?channel=bye")
	readReady(t, ws)
	tr := f.dialer.Last()

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = ws.Close()

	awaitSent(t, tr, protocol.EventSessionEnd)
	require.Eventually(t, func() bool { return f.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.tracker.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClientHandler_HandshakeFailureClosesClient(t *testing.T) {
	f := newRelay(t)
	f.dialer.Configure = func(tr *upstreamtest.Transport) {
		tr.Reject(protocol.EventPromptStart, errors.New("rejected"))
	}
	ws := f.dial(t, "/ws?channel=broken")

	name, payload := readEvent(t, ws)
	require.Equal(t, protocol.EventError, name)
	require.Contains(t, string(payload), "handshake_failed")

	_, _, err := ws.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr), "got %v", err)
	require.Zero(t, f.registry.Len())
}

func TestClientHandler_RejectsWhileDraining(t *testing.T) {
	f := newRelay(t)
	f.lifecycle.SetDraining(true)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?channel=late"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	rr, err := http.Get(f.srv.URL + "/readyz")
	require.NoError(t, err)
	defer rr.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, rr.StatusCode)
}

func TestClientHandler_RejectsUnknownTransport(t *testing.T) {
	f := newRelay(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?transport=fax"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClientHandler_TwilioMediaStream(t *testing.T) {
	f := newRelay(t)
	ws := f.dial(t, "/twilio/media?channel=phone")

	// Twilio clients get no JSON envelopes, so wait for the channel instead.
	require.Eventually(t, func() bool { return f.registry.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	tr := f.dialer.Last()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1"}}`)))
	ulaw := make([]byte, 160)
	media := `{"event":"media","media":{"payload":"` + base64.StdEncoding.EncodeToString(ulaw) + `"}}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(media)))

	frame := awaitSent(t, tr, protocol.EventAudioInput)
	var in protocol.ContentInput
	require.NoError(t, json.Unmarshal(frame.Payload, &in))
	pcm, err := base64.StdEncoding.DecodeString(in.Content)
	require.NoError(t, err)
	require.Len(t, pcm, 640)

	tr.Emit(protocol.EventAudioOutput, protocol.AudioOutput{Content: base64.StdEncoding.EncodeToString(make([]byte, 640))})
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	var out struct {
		Event     string `json:"event"`
		StreamSid string `json:"streamSid"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, "media", out.Event)
	require.Equal(t, "MZ1", out.StreamSid)
}

func TestChannelsHandler_ListsActiveChannels(t *testing.T) {
	f := newRelay(t)
	ws := f.dial(t, "/ws?channel=listed")
	readReady(t, ws)

	resp, err := http.Get(f.srv.URL + "/channels")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Channels []channel.ChannelInfo `json:"channels"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Channels, 1)
	require.Equal(t, "listed", body.Channels[0].ID)
	require.Equal(t, 1, body.Channels[0].ClientCount)
	require.True(t, body.Channels[0].Active)
}

func TestHealthHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok\n", rr.Body.String())
}
