package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/sonic-relay/pkg/relay/protocol"
)

var tracer = otel.Tracer("github.com/vango-go/sonic-relay/pkg/relay/upstream")

// Handler receives upstream events in emission order on the session's reader
// goroutine. Handlers must not block.
type Handler func(name protocol.EventName, payload json.RawMessage)

type Config struct {
	VoiceID      string
	SystemPrompt string
	MaxTokens    int
	TopP         float64
	Temperature  float64
	Tools        []protocol.ToolSpec

	StepTimeout      time.Duration
	CloseStepTimeout time.Duration
	SendTimeout      time.Duration
}

type Options struct {
	ID     string
	Config Config
	Dialer Dialer
	Logger *slog.Logger
	Now    func() time.Time
}

// Session owns one upstream stream. It runs the open handshake, serializes
// state transitions and fans decoded upstream events out to subscribers.
type Session struct {
	id     string
	cfg    Config
	dial   Dialer
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	state        State
	transport    Transport
	promptName   string
	audioContent string
	lastActivity time.Time

	subMu sync.RWMutex
	subs  map[protocol.EventName][]Handler

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	closeOnce  sync.Once
	done       chan struct{}
}

func NewSession(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cfg := opts.Config
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 5 * time.Second
	}
	if cfg.CloseStepTimeout <= 0 {
		cfg.CloseStepTimeout = time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = cfg.StepTimeout
	}
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &Session{
		id:           opts.ID,
		cfg:          cfg,
		dial:         opts.Dialer,
		logger:       logger.With("channel_id", opts.ID),
		now:          now,
		subs:         make(map[protocol.EventName][]Handler),
		lifeCtx:      lifeCtx,
		lifeCancel:   lifeCancel,
		done:         make(chan struct{}),
		lastActivity: now(),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsReady() bool { return s.State() == StateReady }

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// PromptName returns the open prompt, or "" when none is open.
func (s *Session) PromptName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptName
}

// AudioContentName returns the open interactive audio content, or "".
func (s *Session) AudioContentName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioContent
}

// Done is closed once the transport has been terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Subscribe registers h for name. protocol.EventAny receives every event.
func (s *Session) Subscribe(name protocol.EventName, h Handler) {
	if h == nil {
		return
	}
	s.subMu.Lock()
	s.subs[name] = append(s.subs[name], h)
	s.subMu.Unlock()
}

// Open dials the upstream and runs the handshake: sessionStart, promptStart,
// the system prompt text content and the interactive audio contentStart.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		st := s.state
		s.mu.Unlock()
		return errors.Newf("upstream session already %s", st)
	}
	s.state = StateHandshaking
	s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "upstream.handshake", trace.WithAttributes(attribute.String("channel.id", s.id)))
	defer span.End()

	t, err := s.dialWithin(ctx)
	if err != nil {
		return s.failHandshake(span, StepConnect, err)
	}

	promptName := uuid.NewString()
	audioContent := uuid.NewString()

	s.mu.Lock()
	if s.state != StateHandshaking {
		s.mu.Unlock()
		_ = t.Close()
		return s.failHandshake(span, StepConnect, ErrClosed)
	}
	s.transport = t
	s.promptName = promptName
	s.mu.Unlock()

	type event struct {
		name    protocol.EventName
		payload any
	}
	systemContent := uuid.NewString()
	steps := []struct {
		step   string
		events []event
	}{
		{StepSessionStart, []event{{protocol.EventSessionStart, s.sessionStartPayload()}}},
		{StepPromptStart, []event{{protocol.EventPromptStart, s.promptStartPayload(promptName)}}},
		{StepSystemPrompt, []event{
			{protocol.EventContentStart, textContentStart(promptName, systemContent, protocol.RoleSystem)},
			{protocol.EventTextInput, protocol.ContentInput{PromptName: promptName, ContentName: systemContent, Content: s.cfg.SystemPrompt}},
			{protocol.EventContentEnd, protocol.ContentEnd{PromptName: promptName, ContentName: systemContent}},
		}},
		{StepAudioStart, []event{{protocol.EventContentStart, audioContentStart(promptName, audioContent)}}},
	}
	for _, st := range steps {
		for _, ev := range st.events {
			if err := s.send(ctx, t, s.cfg.StepTimeout, ev.name, ev.payload); err != nil {
				return s.failHandshake(span, st.step, err)
			}
		}
	}

	s.mu.Lock()
	if s.state != StateHandshaking {
		s.mu.Unlock()
		return s.failHandshake(span, StepReady, ErrClosed)
	}
	s.state = StateReady
	s.audioContent = audioContent
	s.lastActivity = s.now()
	s.mu.Unlock()

	go s.readLoop(t)
	s.logger.Debug("upstream session ready", "prompt", promptName)
	return nil
}

func (s *Session) dialWithin(ctx context.Context) (Transport, error) {
	if s.dial == nil {
		return nil, errors.New("no upstream dialer configured")
	}
	type result struct {
		t   Transport
		err error
	}
	ch := make(chan result, 1)
	go func() {
		t, err := s.dial(s.lifeCtx)
		ch <- result{t: t, err: err}
	}()

	timer := time.NewTimer(s.cfg.StepTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.t, r.err
	case <-timer.C:
	case <-ctx.Done():
	}
	s.lifeCancel()
	go func() {
		if r := <-ch; r.t != nil {
			_ = r.t.Close()
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, context.DeadlineExceeded
}

func (s *Session) failHandshake(span trace.Span, step string, err error) error {
	herr := &HandshakeError{Step: step, Err: err}
	span.RecordError(herr)
	span.SetStatus(codes.Error, step)
	s.terminate()
	return herr
}

func (s *Session) sessionStartPayload() protocol.SessionStart {
	return protocol.SessionStart{InferenceConfiguration: protocol.InferenceConfiguration{
		MaxTokens:   s.cfg.MaxTokens,
		TopP:        s.cfg.TopP,
		Temperature: s.cfg.Temperature,
	}}
}

func (s *Session) promptStartPayload(promptName string) protocol.PromptStart {
	p := protocol.PromptStart{
		PromptName:                 promptName,
		TextOutputConfiguration:    protocol.MediaTypeConfiguration{MediaType: protocol.MediaTypeTextPlain},
		AudioOutputConfiguration:   protocol.OutputAudioConfiguration(s.cfg.VoiceID),
		ToolUseOutputConfiguration: protocol.MediaTypeConfiguration{MediaType: protocol.MediaTypeJSON},
	}
	if len(s.cfg.Tools) > 0 {
		tc := &protocol.ToolConfiguration{Tools: make([]protocol.ToolEntry, 0, len(s.cfg.Tools))}
		for _, spec := range s.cfg.Tools {
			tc.Tools = append(tc.Tools, protocol.ToolEntry{ToolSpec: spec})
		}
		p.ToolConfiguration = tc
	}
	return p
}

func textContentStart(promptName, contentName, role string) protocol.ContentStart {
	return protocol.ContentStart{
		PromptName:             promptName,
		ContentName:            contentName,
		Type:                   protocol.ContentTypeText,
		Interactive:            false,
		Role:                   role,
		TextInputConfiguration: &protocol.MediaTypeConfiguration{MediaType: protocol.MediaTypeTextPlain},
	}
}

func audioContentStart(promptName, contentName string) protocol.ContentStart {
	return protocol.ContentStart{
		PromptName:              promptName,
		ContentName:             contentName,
		Type:                    protocol.ContentTypeAudio,
		Interactive:             true,
		Role:                    protocol.RoleUser,
		AudioInputConfiguration: protocol.InputAudioConfiguration(),
	}
}

// send writes one event, bounded by timeout even when the transport ignores ctx.
func (s *Session) send(ctx context.Context, t Transport, timeout time.Duration, name protocol.EventName, payload any) error {
	if t == nil {
		return ErrClosed
	}
	data, err := protocol.Encode(name, payload)
	if err != nil {
		return errors.Wrapf(err, "encode %s", name)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- t.Send(ctx, data) }()
	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrapf(err, "send %s", name)
		}
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "send %s", name)
	}

	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
	return nil
}

// ready snapshots the transport and prompt while holding the state lock.
func (s *Session) ready() (Transport, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return nil, "", notReady(s.state)
	}
	return s.transport, s.promptName, nil
}

func (s *Session) readyWithPrompt() (Transport, string, error) {
	t, prompt, err := s.ready()
	if err != nil {
		return nil, "", err
	}
	if prompt == "" {
		return nil, "", ErrNoPrompt
	}
	return t, prompt, nil
}

// SendControl forwards an arbitrary event. Only READY sessions accept it.
func (s *Session) SendControl(ctx context.Context, name protocol.EventName, payload any) error {
	t, _, err := s.ready()
	if err != nil {
		return err
	}
	return s.send(ctx, t, s.cfg.SendTimeout, name, payload)
}

// SendAudio forwards PCM16 16kHz audio into the open interactive audio content.
func (s *Session) SendAudio(ctx context.Context, pcm []byte) error {
	t, prompt, err := s.readyWithPrompt()
	if err != nil {
		return err
	}
	content := s.AudioContentName()
	if content == "" {
		return ErrNoAudioContent
	}
	return s.send(ctx, t, s.cfg.SendTimeout, protocol.EventAudioInput, protocol.ContentInput{
		PromptName:  prompt,
		ContentName: content,
		Content:     base64.StdEncoding.EncodeToString(pcm),
	})
}

// StartPrompt opens a new prompt after a previous one was ended.
func (s *Session) StartPrompt(ctx context.Context) error {
	t, prompt, err := s.ready()
	if err != nil {
		return err
	}
	if prompt != "" {
		return ErrPromptOpen
	}
	name := uuid.NewString()
	if err := s.send(ctx, t, s.cfg.SendTimeout, protocol.EventPromptStart, s.promptStartPayload(name)); err != nil {
		return err
	}
	s.mu.Lock()
	s.promptName = name
	s.mu.Unlock()
	return nil
}

// SetSystemPrompt sends a SYSTEM text content into the open prompt.
func (s *Session) SetSystemPrompt(ctx context.Context, text string) error {
	t, prompt, err := s.readyWithPrompt()
	if err != nil {
		return err
	}
	content := uuid.NewString()
	if err := s.send(ctx, t, s.cfg.SendTimeout, protocol.EventContentStart, textContentStart(prompt, content, protocol.RoleSystem)); err != nil {
		return err
	}
	if err := s.send(ctx, t, s.cfg.SendTimeout, protocol.EventTextInput, protocol.ContentInput{PromptName: prompt, ContentName: content, Content: text}); err != nil {
		return err
	}
	return s.send(ctx, t, s.cfg.SendTimeout, protocol.EventContentEnd, protocol.ContentEnd{PromptName: prompt, ContentName: content})
}

// StartAudioContent opens the interactive audio content if none is open.
func (s *Session) StartAudioContent(ctx context.Context) error {
	t, prompt, err := s.readyWithPrompt()
	if err != nil {
		return err
	}
	if s.AudioContentName() != "" {
		return nil
	}
	content := uuid.NewString()
	if err := s.send(ctx, t, s.cfg.SendTimeout, protocol.EventContentStart, audioContentStart(prompt, content)); err != nil {
		return err
	}
	s.mu.Lock()
	s.audioContent = content
	s.mu.Unlock()
	return nil
}

// StopAudioContent ends the interactive audio content and then the prompt.
func (s *Session) StopAudioContent(ctx context.Context) error {
	t, prompt, err := s.readyWithPrompt()
	if err != nil {
		return err
	}
	s.mu.Lock()
	content := s.audioContent
	s.audioContent = ""
	s.promptName = ""
	s.mu.Unlock()

	if content != "" {
		if err := s.send(ctx, t, s.cfg.SendTimeout, protocol.EventContentEnd, protocol.ContentEnd{PromptName: prompt, ContentName: content}); err != nil {
			return err
		}
	}
	return s.send(ctx, t, s.cfg.SendTimeout, protocol.EventPromptEnd, protocol.PromptEnd{PromptName: prompt})
}

// SendToolResult answers a toolUse with a TOOL content triple correlated by
// toolUseID. result is JSON-encoded; nil becomes {}.
func (s *Session) SendToolResult(ctx context.Context, toolUseID string, result any) error {
	t, prompt, err := s.readyWithPrompt()
	if err != nil {
		return err
	}
	body := "{}"
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return errors.Wrap(err, "encode tool result")
		}
		body = string(b)
	}

	content := uuid.NewString()
	start := protocol.ContentStart{
		PromptName:  prompt,
		ContentName: content,
		Type:        protocol.ContentTypeTool,
		Interactive: false,
		Role:        protocol.RoleTool,
		ToolResultInputConfiguration: &protocol.ToolResultInputConfiguration{
			ToolUseID:              toolUseID,
			Type:                   protocol.ContentTypeText,
			TextInputConfiguration: protocol.MediaTypeConfiguration{MediaType: protocol.MediaTypeTextPlain},
		},
	}
	if err := s.send(ctx, t, s.cfg.SendTimeout, protocol.EventContentStart, start); err != nil {
		return err
	}
	if err := s.send(ctx, t, s.cfg.SendTimeout, protocol.EventToolResult, protocol.ContentInput{PromptName: prompt, ContentName: content, Content: body}); err != nil {
		return err
	}
	return s.send(ctx, t, s.cfg.SendTimeout, protocol.EventContentEnd, protocol.ContentEnd{PromptName: prompt, ContentName: content})
}

// OpenAudioWindow starts an additional audio content used for injected speech.
func (s *Session) OpenAudioWindow(ctx context.Context) (string, error) {
	t, prompt, err := s.readyWithPrompt()
	if err != nil {
		return "", err
	}
	content := uuid.NewString()
	if err := s.send(ctx, t, s.cfg.SendTimeout, protocol.EventContentStart, audioContentStart(prompt, content)); err != nil {
		return "", err
	}
	return content, nil
}

func (s *Session) SendAudioTo(ctx context.Context, contentName string, pcm []byte) error {
	t, prompt, err := s.readyWithPrompt()
	if err != nil {
		return err
	}
	return s.send(ctx, t, s.cfg.SendTimeout, protocol.EventAudioInput, protocol.ContentInput{
		PromptName:  prompt,
		ContentName: contentName,
		Content:     base64.StdEncoding.EncodeToString(pcm),
	})
}

func (s *Session) CloseContent(ctx context.Context, contentName string) error {
	t, prompt, err := s.readyWithPrompt()
	if err != nil {
		return err
	}
	return s.send(ctx, t, s.cfg.SendTimeout, protocol.EventContentEnd, protocol.ContentEnd{PromptName: prompt, ContentName: contentName})
}

// Close moves the session to CLOSING exactly once. A graceful close sends
// contentEnd (when audio is open), promptEnd and sessionEnd, each bounded by
// the close step timeout, before terminating the transport. A forced close,
// including one issued while a graceful close is running, terminates at once.
func (s *Session) Close(ctx context.Context, graceful bool) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil
	case StateClosing:
		s.mu.Unlock()
		if !graceful {
			s.terminate()
		}
		return nil
	case StateUninitialized, StateHandshaking:
		s.mu.Unlock()
		s.terminate()
		return nil
	}
	s.state = StateClosing
	t := s.transport
	prompt := s.promptName
	content := s.audioContent
	s.mu.Unlock()

	if !graceful {
		s.terminate()
		return nil
	}

	ctx, span := tracer.Start(ctx, "upstream.close", trace.WithAttributes(attribute.String("channel.id", s.id)))
	defer span.End()

	var errs error
	if prompt != "" && content != "" {
		if err := s.send(ctx, t, s.cfg.CloseStepTimeout, protocol.EventContentEnd, protocol.ContentEnd{PromptName: prompt, ContentName: content}); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	if prompt != "" {
		if err := s.send(ctx, t, s.cfg.CloseStepTimeout, protocol.EventPromptEnd, protocol.PromptEnd{PromptName: prompt}); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	if err := s.send(ctx, t, s.cfg.CloseStepTimeout, protocol.EventSessionEnd, protocol.SessionEnd{}); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	s.terminate()

	if errs != nil {
		span.RecordError(errs)
		span.SetStatus(codes.Error, "graceful close incomplete")
		s.logger.Debug("upstream graceful close incomplete", "error", errs)
	}
	return errs
}

func (s *Session) terminate() {
	s.mu.Lock()
	s.state = StateClosed
	t := s.transport
	s.promptName = ""
	s.audioContent = ""
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		s.lifeCancel()
		if t != nil {
			if err := t.Close(); err != nil {
				s.logger.Debug("upstream transport close failed", "error", err)
			}
		}
		close(s.done)
	})
}

func (s *Session) readLoop(t Transport) {
	for {
		data, err := t.Recv(s.lifeCtx)
		if err != nil {
			s.finish(err)
			return
		}
		name, payload, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("dropping undecodable upstream event", "error", err)
			continue
		}
		s.mu.Lock()
		s.lastActivity = s.now()
		s.mu.Unlock()
		s.emit(name, payload)
	}
}

// finish reports why the stream ended and terminates the session. Ends caused
// by a local close or a clean upstream EOF are reported as streamComplete;
// anything else surfaces as an error event.
func (s *Session) finish(err error) {
	st := s.State()
	switch {
	case st == StateClosing || st == StateClosed:
		s.emitEncoded(protocol.EventStreamComplete, protocol.StreamComplete{Reason: "closed"})
	case errors.Is(err, io.EOF):
		s.emitEncoded(protocol.EventStreamComplete, protocol.StreamComplete{Reason: "upstream_ended"})
	default:
		s.logger.Warn("upstream stream failed", "error", err)
		s.emitEncoded(protocol.EventError, protocol.ErrorEvent{Code: "upstream_error", Message: err.Error()})
	}
	s.terminate()
}

func (s *Session) emitEncoded(name protocol.EventName, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.emit(name, b)
}

func (s *Session) emit(name protocol.EventName, payload json.RawMessage) {
	s.subMu.RLock()
	handlers := make([]Handler, 0, len(s.subs[name])+len(s.subs[protocol.EventAny]))
	handlers = append(handlers, s.subs[name]...)
	if name != protocol.EventAny {
		handlers = append(handlers, s.subs[protocol.EventAny]...)
	}
	s.subMu.RUnlock()

	for _, h := range handlers {
		s.dispatch(h, name, payload)
	}
}

func (s *Session) dispatch(h Handler, name protocol.EventName, payload json.RawMessage) {
	defer func() {
		if v := recover(); v != nil {
			s.logger.Error("upstream event handler panic", "event", string(name), "panic", v)
		}
	}()
	h(name, payload)
}
