package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vango-go/sonic-relay/pkg/relay/config"
	"github.com/vango-go/sonic-relay/pkg/relay/server"
)

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	newRelay     func(context.Context, config.Config, *slog.Logger) (*server.Server, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig: config.LoadFromEnv,
		newRelay:   newRelayServer,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func runRelay(ctx context.Context, stderr io.Writer, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newRelay == nil {
		return errors.New("missing newRelay dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	logger := newLogger(cfg, stderr)

	relay, err := deps.newRelay(ctx, cfg, logger)
	if err != nil {
		return errors.Wrap(err, "build relay")
	}
	httpSrv := buildHTTPServer(cfg, relay.Handler())

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go relay.RunReaper(reaperCtx)

	logger.Info("starting relay", "addr", cfg.Addr, "upstream", cfg.UpstreamProvider)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return errors.Wrap(err, "serve")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	relay.SetDraining(true)
	stopReaper()

	// All shutdown phases share one deadline.
	deadline := time.Now().Add(cfg.ShutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithDeadline(context.Background(), deadline)
	defer shutdownCancel()

	if err := relay.Drain(shutdownCtx); err != nil {
		logger.Warn("channel drain incomplete", "timeout", cfg.ShutdownTimeout, "error", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete; closing listeners", "error", err)
		_ = httpSrv.Close()
	}
	if !relay.WaitClients(shutdownCtx) {
		logger.Warn("client handlers still running at shutdown", "clients", relay.Tracker().Count())
	}

	if err := <-listenErrCh; err != nil {
		return errors.Wrap(err, "serve")
	}

	logger.Info("relay stopped")
	return nil
}

func printTools(w io.Writer, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	cfg, err := deps.loadConfig()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	registry, err := loadTools(cfg)
	if err != nil {
		return errors.Wrap(err, "load tools")
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(registry.Descriptors())
}

func newRootCmd(stdout, stderr io.Writer, deps relayDeps) *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "sonic-relay",
		Short:         "Share one speech-to-speech model session across many websocket clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(envFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context(), stderr, deps)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load; variables already set win")
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the relay (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context(), stderr, deps)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "tools",
		Short: "Print the tool descriptors advertised to the model",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printTools(stdout, deps)
		},
	})
	return root
}

func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "load %s", path)
	}
	return nil
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps relayDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	cmd := newRootCmd(stdout, stderr, deps)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "sonic-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultRelayDeps()))
}
