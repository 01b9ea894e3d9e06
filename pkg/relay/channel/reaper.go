package channel

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vango-go/sonic-relay/pkg/relay/metrics"
)

// Reaper force-closes channels that have been idle longer than IdleTimeout,
// whether or not clients are still attached.
type Reaper struct {
	Registry    *Registry
	Interval    time.Duration
	IdleTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Run sweeps every Interval until ctx is done.
func (rp *Reaper) Run(ctx context.Context) {
	interval := rp.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rp.Sweep(ctx)
		}
	}
}

// Sweep runs one reaping pass and returns the ids it removed.
func (rp *Reaper) Sweep(ctx context.Context) []string {
	logger := rp.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	if rp.Now != nil {
		now = rp.Now
	}
	idle := rp.IdleTimeout
	if idle <= 0 {
		idle = 5 * time.Minute
	}

	var reaped []string
	cutoff := now().Add(-idle)
	for _, ch := range rp.Registry.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		if !ch.LastActivity().Before(cutoff) {
			continue
		}
		if err := rp.reap(ctx, ch); err != nil {
			logger.Error("reap channel failed", "channel_id", ch.ID(), "error", err)
			continue
		}
		reaped = append(reaped, ch.ID())
		logger.Info("reaped idle channel", "channel_id", ch.ID(), "idle_for", now().Sub(ch.LastActivity()).String())
	}
	return reaped
}

func (rp *Reaper) reap(ctx context.Context, ch *Channel) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = errors.Newf("panic: %v", v)
		}
	}()
	ch.MarkClosing()
	_ = ch.Close(ctx, false)
	ch.CloseClients(CloseGoingAway, "channel idle")
	if rp.Registry.Remove(ch.ID(), ch) {
		rp.Metrics.RecordChannelReaped()
	}
	return nil
}
