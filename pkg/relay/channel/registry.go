package channel

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"

	"github.com/vango-go/sonic-relay/pkg/relay/metrics"
	"github.com/vango-go/sonic-relay/pkg/relay/upstream"
)

var ErrEmptyChannelID = errors.New("channel id is required")

// ErrTeardownTimeout is logged when a graceful teardown exceeds its bound.
var ErrTeardownTimeout = errors.New("channel teardown timed out")

type Options struct {
	// NewSession builds an unopened upstream session for a channel id.
	NewSession func(id string) *upstream.Session
	// OnCreate runs after the broadcaster is attached and before the
	// handshake, so subscribers see every upstream event.
	OnCreate        func(*Channel)
	TeardownTimeout time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	Now             func() time.Time
}

// ChannelInfo is the monitoring snapshot of one channel.
type ChannelInfo struct {
	ID          string    `json:"id"`
	ClientCount int       `json:"clientCount"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Registry maps channel ids to live channels.
type Registry struct {
	newSession      func(id string) *upstream.Session
	onCreate        func(*Channel)
	teardownTimeout time.Duration
	logger          *slog.Logger
	metrics         *metrics.Metrics
	now             func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	channels map[string]*Channel
}

func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	teardown := opts.TeardownTimeout
	if teardown <= 0 {
		teardown = 3 * time.Second
	}
	return &Registry{
		newSession:      opts.NewSession,
		onCreate:        opts.OnCreate,
		teardownTimeout: teardown,
		logger:          logger,
		metrics:         opts.Metrics,
		now:             now,
		channels:        make(map[string]*Channel),
	}
}

// GetOrCreate returns the joinable channel for id, opening a new upstream
// session when there is none. Concurrent first callers share one handshake;
// created is true only for the caller whose call performed it.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (ch *Channel, created bool, err error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, ErrEmptyChannelID
	}
	if ch := r.joinable(id); ch != nil {
		return ch, false, nil
	}

	v, err, _ := r.group.Do(id, func() (any, error) {
		if ch := r.joinable(id); ch != nil {
			return ch, nil
		}
		created = true
		return r.create(context.WithoutCancel(ctx), id)
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*Channel), created, nil
}

func (r *Registry) joinable(id string) *Channel {
	r.mu.Lock()
	ch := r.channels[id]
	r.mu.Unlock()
	if ch != nil && ch.Joinable() {
		return ch
	}
	return nil
}

func (r *Registry) create(ctx context.Context, id string) (*Channel, error) {
	if r.newSession == nil {
		return nil, errors.New("channel registry has no session factory")
	}
	sess := r.newSession(id)
	ch := newChannel(id, sess, r.now)
	AttachBroadcaster(ch, r.logger, r.metrics)
	if r.onCreate != nil {
		r.onCreate(ch)
	}

	if err := sess.Open(ctx); err != nil {
		_ = ch.Close(context.Background(), false)
		var herr *upstream.HandshakeError
		step := ""
		if errors.As(err, &herr) {
			step = herr.Step
		}
		r.metrics.RecordHandshakeFailure(step)
		r.logger.Warn("channel handshake failed", "channel_id", id, "step", step, "error", err)
		return nil, err
	}

	r.mu.Lock()
	old := r.channels[id]
	r.channels[id] = ch
	r.mu.Unlock()
	if old != nil {
		r.metrics.RecordChannelRemoved(r.now().Sub(old.CreatedAt()))
		r.logger.Info("replaced non-joinable channel", "channel_id", id)
	}
	r.metrics.RecordChannelCreated()
	r.logger.Info("channel created", "channel_id", id)

	go r.watch(ch)
	return ch, nil
}

// watch reacts to an upstream session that ends on its own. Clients are
// closed so they observe a terminal close; removal happens once they leave.
func (r *Registry) watch(ch *Channel) {
	<-ch.Session().Done()
	ch.runClosers()
	if ch.IsClosing() {
		return
	}
	if n := ch.ClientCount(); n > 0 {
		r.logger.Warn("upstream session ended; closing clients", "channel_id", ch.ID(), "clients", n)
		ch.CloseClients(CloseInternalError, "upstream session ended")
		return
	}
	ch.MarkClosing()
	r.RemoveIfEmpty(ch.ID(), ch)
}

// Join resolves the channel for id and attaches c, retrying when it races a
// teardown of the previous channel instance.
func (r *Registry) Join(ctx context.Context, id string, c Client) (*Channel, bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		ch, created, err := r.GetOrCreate(ctx, id)
		if err != nil {
			return nil, false, err
		}
		err = ch.AddClient(c)
		if err == nil {
			r.metrics.RecordClientAttached(c.Kind())
			return ch, created, nil
		}
		if !errors.Is(err, ErrChannelClosing) {
			return nil, false, err
		}
	}
	return nil, false, ErrChannelClosing
}

// Leave detaches c; the last client out tears the channel down.
func (r *Registry) Leave(ch *Channel, c Client) {
	if ch == nil || c == nil {
		return
	}
	removed, lastOut := ch.RemoveClient(c.ID())
	if !removed {
		return
	}
	r.metrics.RecordClientDetached(c.Kind())
	if lastOut {
		r.Teardown(ch, r.teardownTimeout)
	}
}

// Teardown gracefully closes ch within timeout, forcing the close when the
// graceful path fails or overruns, and then removes it if still empty.
func (r *Registry) Teardown(ch *Channel, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- ch.Close(ctx, true) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		if err != nil {
			r.logger.Warn("graceful channel close failed; forcing", "channel_id", ch.ID(), "error", err)
			_ = ch.Close(context.Background(), false)
		}
	case <-timer.C:
		r.metrics.RecordTeardownTimeout()
		r.logger.Warn("forcing channel close", "channel_id", ch.ID(), "error", ErrTeardownTimeout, "timeout", timeout)
		_ = ch.Close(context.Background(), false)
	}

	if r.RemoveIfEmpty(ch.ID(), ch) {
		r.logger.Info("channel removed", "channel_id", ch.ID())
	}
}

// RemoveIfEmpty removes ch only if it is still the registered instance for id
// and has no clients.
func (r *Registry) RemoveIfEmpty(id string, ch *Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch == nil || r.channels[id] != ch {
		return false
	}
	if ch.ClientCount() > 0 {
		return false
	}
	delete(r.channels, id)
	r.metrics.RecordChannelRemoved(r.now().Sub(ch.CreatedAt()))
	return true
}

// Remove unconditionally removes ch if it is the registered instance for id.
func (r *Registry) Remove(id string, ch *Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch == nil || r.channels[id] != ch {
		return false
	}
	delete(r.channels, id)
	r.metrics.RecordChannelRemoved(r.now().Sub(ch.CreatedAt()))
	return true
}

func (r *Registry) Get(id string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	return ch, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Snapshot returns the registered channels sorted by id.
func (r *Registry) Snapshot() []*Channel {
	r.mu.Lock()
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) ListActive() []ChannelInfo {
	chans := r.Snapshot()
	out := make([]ChannelInfo, 0, len(chans))
	for _, ch := range chans {
		out = append(out, ChannelInfo{
			ID:          ch.ID(),
			ClientCount: ch.ClientCount(),
			Active:      ch.Session().IsReady(),
			CreatedAt:   ch.CreatedAt(),
		})
	}
	return out
}
