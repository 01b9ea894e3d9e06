// Package upstreamtest provides an in-memory upstream transport for tests.
package upstreamtest

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/vango-go/sonic-relay/pkg/relay/protocol"
	"github.com/vango-go/sonic-relay/pkg/relay/upstream"
)

var ErrTransportClosed = errors.New("fake transport closed")

type Frame struct {
	Name    protocol.EventName
	Payload json.RawMessage
}

// Transport records every sent event and replays events queued with Emit.
type Transport struct {
	mu     sync.Mutex
	sent   []Frame
	reject map[protocol.EventName]error
	block  map[protocol.EventName]bool
	sentCh chan Frame

	recv      chan []byte
	failCh    chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func NewTransport() *Transport {
	return &Transport{
		reject: make(map[protocol.EventName]error),
		block:  make(map[protocol.EventName]bool),
		sentCh: make(chan Frame, 1024),
		recv:   make(chan []byte, 256),
		failCh: make(chan error, 1),
		closed: make(chan struct{}),
	}
}

// Reject makes every Send of name fail with err.
func (t *Transport) Reject(name protocol.EventName, err error) *Transport {
	t.mu.Lock()
	t.reject[name] = err
	t.mu.Unlock()
	return t
}

// Block makes every Send of name hang until its context ends or the
// transport is closed.
func (t *Transport) Block(name protocol.EventName) *Transport {
	t.mu.Lock()
	t.block[name] = true
	t.mu.Unlock()
	return t
}

func (t *Transport) Send(ctx context.Context, frame []byte) error {
	name, payload, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}

	t.mu.Lock()
	rejectErr := t.reject[name]
	blocked := t.block[name]
	t.mu.Unlock()

	if blocked {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return ErrTransportClosed
		}
	}
	if rejectErr != nil {
		return rejectErr
	}

	f := Frame{Name: name, Payload: payload}
	t.mu.Lock()
	t.sent = append(t.sent, f)
	t.mu.Unlock()
	select {
	case t.sentCh <- f:
	default:
	}
	return nil
}

func (t *Transport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-t.recv:
		return b, nil
	case err := <-t.failCh:
		return nil, err
	case <-t.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *Transport) IsClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Emit queues an upstream event for the session reader.
func (t *Transport) Emit(name protocol.EventName, payload any) {
	b, err := protocol.Encode(name, payload)
	if err != nil {
		panic(err)
	}
	t.recv <- b
}

// Fail makes the next Recv return err.
func (t *Transport) Fail(err error) {
	t.failCh <- err
}

func (t *Transport) Sent() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Frame, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *Transport) SentNames() []protocol.EventName {
	sent := t.Sent()
	out := make([]protocol.EventName, 0, len(sent))
	for _, f := range sent {
		out = append(out, f.Name)
	}
	return out
}

// SentChan delivers each recorded frame as it is sent.
func (t *Transport) SentChan() <-chan Frame { return t.sentCh }

// Dialer hands out fake transports and counts dials.
type Dialer struct {
	// Configure runs on every new transport before it is returned.
	Configure func(*Transport)
	// Err fails every dial when set.
	Err error
	// Gate, when non-nil, holds every dial until it is closed.
	Gate chan struct{}

	mu         sync.Mutex
	transports []*Transport
}

func (d *Dialer) Dial(ctx context.Context) (upstream.Transport, error) {
	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		d.transports = append(d.transports, nil)
		return nil, d.Err
	}
	t := NewTransport()
	if d.Configure != nil {
		d.Configure(t)
	}
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *Dialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *Dialer) Last() *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func (d *Dialer) All() []*Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Transport, len(d.transports))
	copy(out, d.transports)
	return out
}
