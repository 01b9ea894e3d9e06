package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/vango-go/sonic-relay/pkg/relay/channel"
	"github.com/vango-go/sonic-relay/pkg/relay/config"
	"github.com/vango-go/sonic-relay/pkg/relay/conns"
	"github.com/vango-go/sonic-relay/pkg/relay/handlers"
	"github.com/vango-go/sonic-relay/pkg/relay/lifecycle"
	"github.com/vango-go/sonic-relay/pkg/relay/metrics"
	"github.com/vango-go/sonic-relay/pkg/relay/mw"
	"github.com/vango-go/sonic-relay/pkg/relay/tools"
	"github.com/vango-go/sonic-relay/pkg/relay/transport"
	"github.com/vango-go/sonic-relay/pkg/relay/tts"
	"github.com/vango-go/sonic-relay/pkg/relay/upstream"
)

// Deps are the collaborators built outside the server.
type Deps struct {
	Dialer  upstream.Dialer
	Synth   tts.Synthesizer
	Tools   *tools.Registry
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	routes []string

	metrics   *metrics.Metrics
	tools     *tools.Registry
	registry  *channel.Registry
	tracker   *conns.Tracker
	lifecycle *lifecycle.Lifecycle
	reaper    *channel.Reaper
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New("sonic_relay")
	}
	synth := deps.Synth
	if synth == nil {
		synth = tts.Disabled{}
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		metrics:   m,
		tools:     deps.Tools,
		tracker:   conns.NewTracker(),
		lifecycle: lifecycle.New(now()),
	}

	sessionCfg := upstream.Config{
		VoiceID:          cfg.VoiceID,
		SystemPrompt:     cfg.SystemPrompt,
		MaxTokens:        cfg.MaxTokens,
		TopP:             cfg.TopP,
		Temperature:      cfg.Temperature,
		Tools:            deps.Tools.Specs(),
		StepTimeout:      cfg.HandshakeStepTimeout,
		CloseStepTimeout: cfg.CloseStepTimeout,
	}
	injector := tools.NewInjector(synth, logger)

	s.registry = channel.NewRegistry(channel.Options{
		NewSession: func(id string) *upstream.Session {
			return upstream.NewSession(upstream.Options{
				ID:     id,
				Config: sessionCfg,
				Dialer: deps.Dialer,
				Logger: logger.With("channel_id", id),
				Now:    now,
			})
		},
		OnCreate: func(ch *channel.Channel) {
			tools.AttachToChannel(ch, tools.DispatcherOptions{
				Registry: deps.Tools,
				Injector: injector,
				Timeout:  cfg.ToolTimeout,
				Logger:   logger,
				Metrics:  m,
				Now:      now,
			})
		},
		TeardownTimeout: cfg.TeardownTimeout,
		Logger:          logger,
		Metrics:         m,
		Now:             now,
	})
	s.reaper = &channel.Reaper{
		Registry:    s.registry,
		Interval:    cfg.ReaperInterval,
		IdleTimeout: cfg.IdleTimeout,
		Logger:      logger,
		Metrics:     m,
		Now:         now,
	}

	s.buildRoutes()
	return s
}

func (s *Server) buildRoutes() {
	client := handlers.ClientHandler{
		Config:    s.cfg,
		Registry:  s.registry,
		Lifecycle: s.lifecycle,
		Tracker:   s.tracker,
		Metrics:   s.metrics,
		Logger:    s.logger,
	}
	twilio := client
	twilio.Transport = string(transport.KindTwilio)

	s.handle("/healthz", handlers.HealthHandler{})
	s.handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Registry:  s.registry,
		ToolCount: len(s.tools.Names()),
	})
	s.handle("/metrics", s.metrics.Handler())
	s.handle("/channels", handlers.ChannelsHandler{Registry: s.registry})
	s.handle("/ws", client)
	s.handle("/twilio/media", twilio)
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) handle(pattern string, h http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, h)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, s.metrics, s.routes, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) Registry() *channel.Registry { return s.registry }

func (s *Server) Tracker() *conns.Tracker { return s.tracker }

// RunReaper sweeps idle channels until ctx is done.
func (s *Server) RunReaper(ctx context.Context) {
	s.reaper.Run(ctx)
}

// SetDraining makes new client upgrades fail with 503 and flips /readyz.
func (s *Server) SetDraining(draining bool) {
	s.lifecycle.SetDraining(draining)
}

// Drain closes every channel gracefully, then any client socket still open.
func (s *Server) Drain(ctx context.Context) error {
	err := channel.Drain(ctx, s.registry, s.cfg.ShutdownTimeout, s.logger)
	if n := s.tracker.CloseAll(channel.CloseGoingAway, "server shutting down"); n > 0 {
		s.logger.Info("closed remaining clients", "count", n)
	}
	return err
}

// WaitClients blocks until every client handler has returned or ctx is done.
func (s *Server) WaitClients(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}
