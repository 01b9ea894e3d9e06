package upstream_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/sonic-relay/pkg/relay/protocol"
	"github.com/vango-go/sonic-relay/pkg/relay/upstream"
	"github.com/vango-go/sonic-relay/pkg/relay/upstream/upstreamtest"
)

func newTestSession(t *testing.T, d *upstreamtest.Dialer, cfg upstream.Config) *upstream.Session {
	t.Helper()
	if cfg.StepTimeout == 0 {
		cfg.StepTimeout = time.Second
	}
	if cfg.CloseStepTimeout == 0 {
		cfg.CloseStepTimeout = 100 * time.Millisecond
	}
	return upstream.NewSession(upstream.Options{ID: "ch-test", Config: cfg, Dialer: d.Dial})
}

func openSession(t *testing.T, d *upstreamtest.Dialer, cfg upstream.Config) *upstream.Session {
	t.Helper()
	s := newTestSession(t, d, cfg)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close(context.Background(), false) })
	return s
}

func TestOpen_SendsHandshakeInOrder(t *testing.T) {
	d := &upstreamtest.Dialer{}
	s := openSession(t, d, upstream.Config{
		SystemPrompt: "be helpful",
		VoiceID:      "matthew",
		Tools: []protocol.ToolSpec{{
			Name:        "getDateAndTime",
			Description: "current time",
			InputSchema: protocol.ToolInputSchema{JSON: `{"type":"object"}`},
		}},
	})

	require.Equal(t, upstream.StateReady, s.State())
	require.Equal(t, []protocol.EventName{
		protocol.EventSessionStart,
		protocol.EventPromptStart,
		protocol.EventContentStart,
		protocol.EventTextInput,
		protocol.EventContentEnd,
		protocol.EventContentStart,
	}, d.Last().SentNames())

	sent := d.Last().Sent()
	var ps protocol.PromptStart
	require.NoError(t, json.Unmarshal(sent[1].Payload, &ps))
	require.Equal(t, s.PromptName(), ps.PromptName)
	require.Equal(t, "matthew", ps.AudioOutputConfiguration.VoiceID)
	require.NotNil(t, ps.ToolConfiguration)
	require.Equal(t, "getDateAndTime", ps.ToolConfiguration.Tools[0].ToolSpec.Name)

	var sys protocol.ContentStart
	require.NoError(t, json.Unmarshal(sent[2].Payload, &sys))
	require.Equal(t, protocol.ContentTypeText, sys.Type)
	require.Equal(t, protocol.RoleSystem, sys.Role)

	var text protocol.ContentInput
	require.NoError(t, json.Unmarshal(sent[3].Payload, &text))
	require.Equal(t, "be helpful", text.Content)

	var audio protocol.ContentStart
	require.NoError(t, json.Unmarshal(sent[5].Payload, &audio))
	require.Equal(t, protocol.ContentTypeAudio, audio.Type)
	require.True(t, audio.Interactive)
	require.Equal(t, s.AudioContentName(), audio.ContentName)
}

func TestOpen_RejectedStepReturnsHandshakeError(t *testing.T) {
	rejection := errors.New("validation failed")
	d := &upstreamtest.Dialer{Configure: func(tr *upstreamtest.Transport) {
		tr.Reject(protocol.EventPromptStart, rejection)
	}}
	s := newTestSession(t, d, upstream.Config{})

	err := s.Open(context.Background())
	var herr *upstream.HandshakeError
	require.ErrorAs(t, err, &herr)
	require.Equal(t, upstream.StepPromptStart, herr.Step)
	require.ErrorIs(t, err, rejection)
	require.Equal(t, upstream.StateClosed, s.State())
	require.True(t, d.Last().IsClosed())

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done to close after handshake failure")
	}
}

func TestOpen_DialFailure(t *testing.T) {
	d := &upstreamtest.Dialer{Err: errors.New("no route")}
	s := newTestSession(t, d, upstream.Config{})

	err := s.Open(context.Background())
	var herr *upstream.HandshakeError
	require.ErrorAs(t, err, &herr)
	require.Equal(t, upstream.StepConnect, herr.Step)
}

func TestOpen_StepTimeout(t *testing.T) {
	d := &upstreamtest.Dialer{Configure: func(tr *upstreamtest.Transport) {
		tr.Block(protocol.EventSessionStart)
	}}
	s := newTestSession(t, d, upstream.Config{StepTimeout: 50 * time.Millisecond})

	start := time.Now()
	err := s.Open(context.Background())
	var herr *upstream.HandshakeError
	require.ErrorAs(t, err, &herr)
	require.Equal(t, upstream.StepSessionStart, herr.Step)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}

func TestOpen_Twice(t *testing.T) {
	d := &upstreamtest.Dialer{}
	s := openSession(t, d, upstream.Config{})
	require.Error(t, s.Open(context.Background()))
	require.Equal(t, 1, d.Count())
}

func TestSendAudio_EncodesIntoOpenContent(t *testing.T) {
	d := &upstreamtest.Dialer{}
	s := openSession(t, d, upstream.Config{})

	pcm := []byte{1, 2, 3, 4}
	require.NoError(t, s.SendAudio(context.Background(), pcm))

	sent := d.Last().Sent()
	last := sent[len(sent)-1]
	require.Equal(t, protocol.EventAudioInput, last.Name)
	var in protocol.ContentInput
	require.NoError(t, json.Unmarshal(last.Payload, &in))
	require.Equal(t, s.AudioContentName(), in.ContentName)
	require.Equal(t, base64.StdEncoding.EncodeToString(pcm), in.Content)
}

func TestSend_NotReadyAfterForcedClose(t *testing.T) {
	d := &upstreamtest.Dialer{}
	s := openSession(t, d, upstream.Config{})

	require.NoError(t, s.Close(context.Background(), false))
	require.Equal(t, upstream.StateClosed, s.State())

	require.ErrorIs(t, s.SendAudio(context.Background(), []byte{0, 0}), upstream.ErrNotReady)
	require.ErrorIs(t, s.SendControl(context.Background(), protocol.EventTextInput, nil), upstream.ErrNotReady)
	require.ErrorIs(t, s.SendToolResult(context.Background(), "tu-1", map[string]any{}), upstream.ErrNotReady)
	_, err := s.OpenAudioWindow(context.Background())
	require.ErrorIs(t, err, upstream.ErrNotReady)
}

func TestSend_NotReadyBeforeOpen(t *testing.T) {
	s := newTestSession(t, &upstreamtest.Dialer{}, upstream.Config{})
	require.ErrorIs(t, s.SendAudio(context.Background(), []byte{0, 0}), upstream.ErrNotReady)
}

func TestClose_GracefulSendsEndSequence(t *testing.T) {
	d := &upstreamtest.Dialer{}
	s := openSession(t, d, upstream.Config{})
	tr := d.Last()
	before := len(tr.Sent())

	require.NoError(t, s.Close(context.Background(), true))
	require.Equal(t, []protocol.EventName{
		protocol.EventContentEnd,
		protocol.EventPromptEnd,
		protocol.EventSessionEnd,
	}, tr.SentNames()[before:])
	require.True(t, tr.IsClosed())
	require.Equal(t, upstream.StateClosed, s.State())
}

func TestClose_GracefulSkipsContentEndWithoutAudio(t *testing.T) {
	d := &upstreamtest.Dialer{}
	s := openSession(t, d, upstream.Config{})
	require.NoError(t, s.StopAudioContent(context.Background()))
	tr := d.Last()
	before := len(tr.Sent())

	require.NoError(t, s.Close(context.Background(), true))
	require.Equal(t, []protocol.EventName{protocol.EventSessionEnd}, tr.SentNames()[before:])
}

func TestClose_StepTimeoutProceeds(t *testing.T) {
	d := &upstreamtest.Dialer{Configure: func(tr *upstreamtest.Transport) {
		tr.Block(protocol.EventPromptEnd)
	}}
	s := openSession(t, d, upstream.Config{CloseStepTimeout: 30 * time.Millisecond})
	tr := d.Last()

	err := s.Close(context.Background(), true)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, tr.SentNames(), protocol.EventSessionEnd)
	require.True(t, tr.IsClosed())
}

func TestClose_IsIdempotentUnderConcurrency(t *testing.T) {
	d := &upstreamtest.Dialer{}
	s := openSession(t, d, upstream.Config{})
	tr := d.Last()
	before := len(tr.Sent())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Close(context.Background(), true)
		}()
	}
	wg.Wait()

	count := 0
	for _, name := range tr.SentNames()[before:] {
		if name == protocol.EventSessionEnd {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestClose_ForcedInterruptsGraceful(t *testing.T) {
	d := &upstreamtest.Dialer{Configure: func(tr *upstreamtest.Transport) {
		tr.Block(protocol.EventContentEnd)
	}}
	s := openSession(t, d, upstream.Config{CloseStepTimeout: 10 * time.Second})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Close(context.Background(), true)
	}()

	require.Eventually(t, func() bool { return s.State() == upstream.StateClosing }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close(context.Background(), false))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("graceful close did not unwind after forced close")
	}
	require.Equal(t, upstream.StateClosed, s.State())
}

func TestSubscribe_DeliversInOrderAndCatchAll(t *testing.T) {
	d := &upstreamtest.Dialer{}
	s := newTestSession(t, d, upstream.Config{})

	var mu sync.Mutex
	var texts []string
	var all []protocol.EventName
	s.Subscribe(protocol.EventTextOutput, func(name protocol.EventName, payload json.RawMessage) {
		var p struct {
			Content string `json:"content"`
		}
		_ = json.Unmarshal(payload, &p)
		mu.Lock()
		texts = append(texts, p.Content)
		mu.Unlock()
	})
	s.Subscribe(protocol.EventAny, func(name protocol.EventName, payload json.RawMessage) {
		mu.Lock()
		all = append(all, name)
		mu.Unlock()
	})
	require.NoError(t, s.Open(context.Background()))
	defer s.Close(context.Background(), false)

	tr := d.Last()
	tr.Emit(protocol.EventTextOutput, map[string]string{"content": "one"})
	tr.Emit(protocol.EventContentEnd, map[string]string{})
	tr.Emit(protocol.EventTextOutput, map[string]string{"content": "two"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(all) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"one", "two"}, texts)
	require.Equal(t, []protocol.EventName{protocol.EventTextOutput, protocol.EventContentEnd, protocol.EventTextOutput}, all)
}

func TestUpstreamFailureEmitsErrorAndCloses(t *testing.T) {
	d := &upstreamtest.Dialer{}
	s := newTestSession(t, d, upstream.Config{})
	got := make(chan protocol.ErrorEvent, 1)
	s.Subscribe(protocol.EventError, func(name protocol.EventName, payload json.RawMessage) {
		var ev protocol.ErrorEvent
		_ = json.Unmarshal(payload, &ev)
		got <- ev
	})
	require.NoError(t, s.Open(context.Background()))

	d.Last().Fail(errors.New("stream reset"))

	select {
	case ev := <-got:
		require.Equal(t, "upstream_error", ev.Code)
		require.Contains(t, ev.Message, "stream reset")
	case <-time.After(time.Second):
		t.Fatal("expected error event")
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done after upstream failure")
	}
	require.ErrorIs(t, s.SendAudio(context.Background(), []byte{0, 0}), upstream.ErrNotReady)
}

func TestSendToolResult_SendsCorrelatedTriple(t *testing.T) {
	d := &upstreamtest.Dialer{}
	s := openSession(t, d, upstream.Config{})
	tr := d.Last()
	before := len(tr.Sent())

	require.NoError(t, s.SendToolResult(context.Background(), "tool-use-7", map[string]string{"ok": "yes"}))
	sent := tr.Sent()[before:]
	require.Len(t, sent, 3)
	require.Equal(t, protocol.EventContentStart, sent[0].Name)
	require.Equal(t, protocol.EventToolResult, sent[1].Name)
	require.Equal(t, protocol.EventContentEnd, sent[2].Name)

	var start protocol.ContentStart
	require.NoError(t, json.Unmarshal(sent[0].Payload, &start))
	require.Equal(t, protocol.ContentTypeTool, start.Type)
	require.NotNil(t, start.ToolResultInputConfiguration)
	require.Equal(t, "tool-use-7", start.ToolResultInputConfiguration.ToolUseID)

	var result protocol.ContentInput
	require.NoError(t, json.Unmarshal(sent[1].Payload, &result))
	require.Equal(t, start.ContentName, result.ContentName)
	require.JSONEq(t, `{"ok":"yes"}`, result.Content)
}

func TestPromptLifecycleControls(t *testing.T) {
	d := &upstreamtest.Dialer{}
	s := openSession(t, d, upstream.Config{})
	ctx := context.Background()

	require.ErrorIs(t, s.StartPrompt(ctx), upstream.ErrPromptOpen)
	require.NoError(t, s.StopAudioContent(ctx))
	require.Empty(t, s.PromptName())
	require.ErrorIs(t, s.SendAudio(ctx, []byte{0, 0}), upstream.ErrNoPrompt)

	require.NoError(t, s.StartPrompt(ctx))
	require.NotEmpty(t, s.PromptName())
	require.NoError(t, s.SetSystemPrompt(ctx, "short answers"))
	require.ErrorIs(t, s.SendAudio(ctx, []byte{0, 0}), upstream.ErrNoAudioContent)
	require.NoError(t, s.StartAudioContent(ctx))
	require.NoError(t, s.SendAudio(ctx, []byte{0, 0}))
}
