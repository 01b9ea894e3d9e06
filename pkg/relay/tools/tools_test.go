package tools

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/sonic-relay/pkg/relay/metrics"
	"github.com/vango-go/sonic-relay/pkg/relay/protocol"
	"github.com/vango-go/sonic-relay/pkg/relay/tts"
	"github.com/vango-go/sonic-relay/pkg/relay/upstream"
)

type toolResult struct {
	id     string
	result string
}

type fakeSession struct {
	mu      sync.Mutex
	handler upstream.Handler
	results []toolResult
	ops     []string
	audio   [][]byte
	sendErr error

	resultCh chan toolResult
}

func newFakeSession() *fakeSession {
	return &fakeSession{resultCh: make(chan toolResult, 16)}
}

func (f *fakeSession) Subscribe(name protocol.EventName, h upstream.Handler) {
	if name == protocol.EventToolUse {
		f.handler = h
	}
}

func (f *fakeSession) SendToolResult(ctx context.Context, toolUseID string, result any) error {
	b, err := json.Marshal(result)
	if err != nil {
		return err
	}
	r := toolResult{id: toolUseID, result: string(b)}
	f.record("result:" + toolUseID)
	f.mu.Lock()
	f.results = append(f.results, r)
	f.mu.Unlock()
	f.resultCh <- r
	return f.sendErr
}

func (f *fakeSession) OpenAudioWindow(ctx context.Context) (string, error) {
	f.record("open")
	return "window-1", nil
}

func (f *fakeSession) SendAudioTo(ctx context.Context, contentName string, pcm []byte) error {
	f.mu.Lock()
	f.audio = append(f.audio, pcm)
	f.mu.Unlock()
	f.record("audio:" + contentName)
	return nil
}

func (f *fakeSession) CloseContent(ctx context.Context, contentName string) error {
	f.record("close:" + contentName)
	return nil
}

func (f *fakeSession) record(op string) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
}

func (f *fakeSession) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeSession) toolUse(t *testing.T, name, id, content string) {
	t.Helper()
	payload, err := json.Marshal(protocol.ToolUse{ToolName: name, ToolUseID: id, Content: content})
	require.NoError(t, err)
	require.NotNil(t, f.handler, "dispatcher not attached")
	f.handler(protocol.EventToolUse, payload)
}

func (f *fakeSession) awaitResult(t *testing.T) toolResult {
	t.Helper()
	select {
	case r := <-f.resultCh:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tool result")
		return toolResult{}
	}
}

type fakeSynth struct {
	pcm []byte
	err error
}

func (f fakeSynth) Name() string { return "fake" }

func (f fakeSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return f.pcm, f.err
}

var fixedNow = func() time.Time { return time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC) }

func newDispatcher(t *testing.T, sess *fakeSession, extra map[string]HandlerFunc, descs ...Descriptor) *Dispatcher {
	t.Helper()
	return newDispatcherWith(t, sess, fakeSynth{pcm: make([]byte, 2000)}, nil, extra, descs...)
}

func newDispatcherWith(t *testing.T, sess *fakeSession, synth tts.Synthesizer, m *metrics.Metrics, extra map[string]HandlerFunc, descs ...Descriptor) *Dispatcher {
	t.Helper()
	builtin, err := LoadDescriptors("")
	require.NoError(t, err)
	handlers := Builtins(fixedNow)
	for k, v := range extra {
		handlers[k] = v
	}
	reg, err := NewRegistry(append(builtin, descs...), handlers)
	require.NoError(t, err)
	d := NewDispatcher("ch-1", sess, DispatcherOptions{
		Registry: reg,
		Injector: NewInjector(synth, nil),
		Timeout:  200 * time.Millisecond,
		Metrics:  m,
		Now:      fixedNow,
	}).Attach()
	t.Cleanup(d.Close)
	return d
}

func TestLoadDescriptors_Builtin(t *testing.T) {
	descs, err := LoadDescriptors("")
	require.NoError(t, err)

	reg, err := NewRegistry(descs, Builtins(nil))
	require.NoError(t, err)
	require.Equal(t, []string{"announce", "checkPendingMessages", "getDateAndTime", "scheduleFollowUp"}, reg.Names())
	require.True(t, reg.Has(" getDateAndTime "))

	specs := reg.Specs()
	require.Len(t, specs, 4)
	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(specs[2].InputSchema.JSON), &schema))
	require.Equal(t, "object", schema["type"])
}

func TestParseDescriptors_Validation(t *testing.T) {
	_, err := ParseDescriptors([]byte("tools:\n  - name: a\n  - name: a\n"))
	require.ErrorContains(t, err, "duplicate")

	_, err = ParseDescriptors([]byte("tools:\n  - description: nameless\n"))
	require.ErrorContains(t, err, "name is required")

	descs, err := ParseDescriptors([]byte("tools:\n  - name: lookup\n"))
	require.NoError(t, err)
	require.Equal(t, "lookup", descs[0].Handler)
	require.NotNil(t, descs[0].InputSchema)
}

func TestNewRegistry_UnknownHandler(t *testing.T) {
	_, err := NewRegistry([]Descriptor{{Name: "x", Handler: "missing"}}, Builtins(nil))
	require.ErrorContains(t, err, "unknown handler")
}

func TestDispatcher_DateAndTime(t *testing.T) {
	sess := newFakeSession()
	newDispatcher(t, sess, nil)

	sess.toolUse(t, "getDateAndTime", "use-1", `{"timezone":"UTC"}`)
	r := sess.awaitResult(t)
	require.Equal(t, "use-1", r.id)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(r.result), &got))
	require.Equal(t, "2025-03-14", got["date"])
	require.Equal(t, "15:09:26", got["time"])
	require.Equal(t, "Friday", got["dayOfWeek"])
}

func TestDispatcher_FailingToolStillAnswers(t *testing.T) {
	sess := newFakeSession()
	newDispatcher(t, sess, map[string]HandlerFunc{
		"boom":  func(ctx context.Context, call Call) (any, error) { return nil, errors.New("boom") },
		"panic": func(ctx context.Context, call Call) (any, error) { panic("kaboom") },
		"slow": func(ctx context.Context, call Call) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}, Descriptor{Name: "boom", Handler: "boom"}, Descriptor{Name: "panic", Handler: "panic"}, Descriptor{Name: "slow", Handler: "slow"})

	for _, name := range []string{"boom", "panic", "slow", "nope"} {
		sess.toolUse(t, name, "id-"+name, "")
		r := sess.awaitResult(t)
		require.Equal(t, "id-"+name, r.id)
		require.Equal(t, "{}", r.result, name)
	}
}

func TestDispatcher_PendingMessages(t *testing.T) {
	sess := newFakeSession()
	d := newDispatcher(t, sess, nil)
	d.Queue().Push("call your mother")

	sess.toolUse(t, "checkPendingMessages", "u1", "{}")
	r := sess.awaitResult(t)

	var got struct {
		Count    int       `json:"count"`
		Messages []Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(r.result), &got))
	require.Equal(t, 1, got.Count)
	require.Equal(t, "call your mother", got.Messages[0].Text)
	require.Zero(t, d.Queue().Len())
}

func TestDispatcher_ScheduleFollowUpQueues(t *testing.T) {
	sess := newFakeSession()
	d := newDispatcher(t, sess, nil)

	sess.toolUse(t, "scheduleFollowUp", "u1", `{"message":"stretch","delaySeconds":0}`)
	r := sess.awaitResult(t)
	require.Contains(t, r.result, `"scheduled":true`)
	require.Eventually(t, func() bool { return d.Queue().Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_AnnounceInjectsSpeech(t *testing.T) {
	sess := newFakeSession()
	newDispatcher(t, sess, nil)

	sess.toolUse(t, "announce", "u1", `{"text":"hello everyone"}`)
	sess.awaitResult(t)

	require.Eventually(t, func() bool {
		ops := sess.Ops()
		return len(ops) > 0 && ops[len(ops)-1] == "close:window-1"
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"result:u1", "open", "audio:window-1", "audio:window-1", "audio:window-1", "close:window-1"}, sess.Ops())
}

func TestDispatcher_AnnounceWithoutSpeechAnswersEmpty(t *testing.T) {
	sess := newFakeSession()
	m := metrics.New("test")
	d := newDispatcherWith(t, sess, tts.Disabled{}, m, nil)

	sess.toolUse(t, "announce", "u1", `{"text":"hello everyone"}`)
	r := sess.awaitResult(t)
	require.Equal(t, "{}", r.result)
	require.Equal(t, 1.0, testutil.ToFloat64(m.ToolInvocationsTotal.WithLabelValues("announce", "error")))

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{"result:u1"}, sess.Ops())
	require.Zero(t, d.Queue().Len())
}

func TestDispatcher_AnnounceSynthesisFailureQueuesText(t *testing.T) {
	sess := newFakeSession()
	m := metrics.New("test")
	d := newDispatcherWith(t, sess, fakeSynth{err: errors.New("voice unavailable")}, m, nil)

	sess.toolUse(t, "announce", "u1", `{"text":"hello everyone"}`)
	r := sess.awaitResult(t)
	require.JSONEq(t, `{"announced":true}`, r.result)

	require.Eventually(t, func() bool { return d.Queue().Len() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(m.InjectionsTotal.WithLabelValues("error")))
	require.Equal(t, "hello everyone", d.Queue().Drain()[0].Text)
}

func TestDispatcher_ScheduleFollowUpSpeakFallsBackToQueue(t *testing.T) {
	sess := newFakeSession()
	d := newDispatcherWith(t, sess, tts.Disabled{}, nil, nil)

	sess.toolUse(t, "scheduleFollowUp", "u1", `{"message":"stretch","delaySeconds":0,"speak":true}`)
	r := sess.awaitResult(t)
	require.Contains(t, r.result, `"speak":false`)
	require.Eventually(t, func() bool { return d.Queue().Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_FailedCallDropsFollowUps(t *testing.T) {
	sess := newFakeSession()
	ran := make(chan struct{}, 1)
	newDispatcher(t, sess, map[string]HandlerFunc{
		"deferThenFail": func(ctx context.Context, call Call) (any, error) {
			call.AfterResult(func() { ran <- struct{}{} })
			return nil, errors.New("boom")
		},
	}, Descriptor{Name: "deferThenFail", Handler: "deferThenFail"})

	sess.toolUse(t, "deferThenFail", "u1", `{}`)
	require.Equal(t, "{}", sess.awaitResult(t).result)
	select {
	case <-ran:
		t.Fatal("follow-up ran for a failed call")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcher_CloseStopsScheduledWork(t *testing.T) {
	sess := newFakeSession()
	d := newDispatcher(t, sess, nil)

	sess.toolUse(t, "scheduleFollowUp", "u1", `{"message":"later","delaySeconds":60}`)
	sess.awaitResult(t)
	require.Equal(t, 1, d.Queue().Scheduled())

	d.Close()
	require.Zero(t, d.Queue().Scheduled())
	require.False(t, d.Queue().Push("after close"))
}

func TestInjector_Disabled(t *testing.T) {
	var inj *Injector
	require.ErrorIs(t, inj.Speak(context.Background(), newFakeSession(), "x"), ErrNoInjector)
}
