package channel

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

var ErrDrainTimeout = errors.New("channel drain timed out")

// Drain gracefully closes every registered channel concurrently and closes
// their clients, bounded by timeout. Channels still open at the bound are
// force-closed and ErrDrainTimeout is returned.
func Drain(ctx context.Context, r *Registry, timeout time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	chans := r.Snapshot()
	if len(chans) == 0 {
		return nil
	}
	for _, ch := range chans {
		ch.MarkClosing()
	}

	var g errgroup.Group
	for _, ch := range chans {
		g.Go(func() error {
			if err := ch.Close(ctx, true); err != nil {
				logger.Warn("graceful close during drain failed", "channel_id", ch.ID(), "error", err)
			}
			ch.CloseClients(CloseGoingAway, "server shutting down")
			r.Remove(ch.ID(), ch)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("channels drained", "count", len(chans))
		return nil
	case <-ctx.Done():
	}

	var forced errgroup.Group
	for _, ch := range chans {
		forced.Go(func() error {
			_ = ch.Close(context.Background(), false)
			ch.CloseClients(CloseGoingAway, "server shutting down")
			r.Remove(ch.ID(), ch)
			return nil
		})
	}
	_ = forced.Wait()
	logger.Warn("channel drain timed out; forced remaining closes", "timeout", timeout)
	return ErrDrainTimeout
}
