package channel

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vango-go/sonic-relay/pkg/relay/upstream"
)

// Websocket close codes used when the relay ends client connections.
const (
	CloseGoingAway     = 1001
	CloseInternalError = 1011
)

var ErrChannelClosing = errors.New("channel is closing")

// Client is one attached downstream connection. Sends enqueue and must not
// block; each client drains its own queue in order.
type Client interface {
	ID() string
	Kind() string
	SendText(data []byte) error
	SendBinary(data []byte) error
	Close(code int, reason string)
}

// Channel pairs one upstream session with the set of clients listening to it.
type Channel struct {
	id        string
	createdAt time.Time
	session   *upstream.Session
	now       func() time.Time

	mu           sync.Mutex
	clients      map[string]Client
	closing      bool
	lastActivity time.Time

	closeMu sync.Mutex
	closed  bool
	closers []func()
}

func newChannel(id string, session *upstream.Session, now func() time.Time) *Channel {
	if now == nil {
		now = time.Now
	}
	t := now()
	return &Channel{
		id:           id,
		createdAt:    t,
		session:      session,
		now:          now,
		clients:      make(map[string]Client),
		lastActivity: t,
	}
}

func (c *Channel) ID() string { return c.id }

func (c *Channel) CreatedAt() time.Time { return c.createdAt }

func (c *Channel) Session() *upstream.Session { return c.session }

// AddClient attaches cl unless the channel has started tearing down.
func (c *Channel) AddClient(cl Client) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrChannelClosing
	}
	c.clients[cl.ID()] = cl
	c.lastActivity = c.now()
	return nil
}

// RemoveClient detaches the client. lastOut is true for exactly one caller:
// the one whose removal left the channel empty, which then owns teardown.
func (c *Channel) RemoveClient(id string) (removed, lastOut bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[id]; !ok {
		return false, false
	}
	delete(c.clients, id)
	if len(c.clients) == 0 && !c.closing {
		c.closing = true
		return true, true
	}
	return true, false
}

func (c *Channel) ClientCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// Clients returns a snapshot of the attached clients.
func (c *Channel) Clients() []Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Client, 0, len(c.clients))
	for _, cl := range c.clients {
		out = append(out, cl)
	}
	return out
}

// MarkClosing stops new clients from attaching.
func (c *Channel) MarkClosing() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
}

func (c *Channel) IsClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// Joinable reports whether new clients may attach.
func (c *Channel) Joinable() bool {
	return !c.IsClosing() && c.session.IsReady()
}

func (c *Channel) Touch() {
	c.mu.Lock()
	c.lastActivity = c.now()
	c.mu.Unlock()
}

// LastActivity is the most recent client or upstream activity.
func (c *Channel) LastActivity() time.Time {
	c.mu.Lock()
	last := c.lastActivity
	c.mu.Unlock()
	if s := c.session.LastActivity(); s.After(last) {
		return s
	}
	return last
}

// OnClose registers fn to run once the channel's session is closed.
func (c *Channel) OnClose(fn func()) {
	if fn == nil {
		return
	}
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		fn()
		return
	}
	c.closers = append(c.closers, fn)
	c.closeMu.Unlock()
}

// Close closes the upstream session and then runs the OnClose hooks once.
func (c *Channel) Close(ctx context.Context, graceful bool) error {
	err := c.session.Close(ctx, graceful)
	c.runClosers()
	return err
}

func (c *Channel) runClosers() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	closers := c.closers
	c.closers = nil
	c.closeMu.Unlock()

	for _, fn := range closers {
		fn()
	}
}

// CloseClients ends every attached client connection.
func (c *Channel) CloseClients(code int, reason string) {
	for _, cl := range c.Clients() {
		cl.Close(code, reason)
	}
}
