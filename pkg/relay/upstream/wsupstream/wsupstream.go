// Package wsupstream carries upstream session events over a plain websocket,
// one text message per event envelope.
package wsupstream

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	"github.com/vango-go/sonic-relay/pkg/relay/upstream"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	closeFrameTimeout       = 250 * time.Millisecond
)

// NewDialer dials url once per upstream session. header is sent with every
// handshake and may be nil.
func NewDialer(url string, header http.Header) upstream.Dialer {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: defaultHandshakeTimeout,
	}
	return func(ctx context.Context) (upstream.Transport, error) {
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, errors.Wrapf(err, "dial upstream %s", url)
		}
		return newTransport(conn), nil
	}
}

type readResult struct {
	data []byte
	err  error
}

// Transport is one upstream websocket. A single reader goroutine feeds Recv
// so reads can honor a context.
type Transport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	reads   chan readResult

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func newTransport(conn *websocket.Conn) *Transport {
	t := &Transport{
		conn:   conn,
		reads:  make(chan readResult, 16),
		closed: make(chan struct{}),
	}
	go t.readPump()
	return t
}

func (t *Transport) readPump() {
	defer close(t.reads)
	for {
		_, data, err := t.conn.ReadMessage()
		select {
		case t.reads <- readResult{data: data, err: err}:
		case <-t.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

func (t *Transport) Send(ctx context.Context, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.Wrap(err, "upstream write")
	}
	return nil
}

func (t *Transport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, net.ErrClosed
	case r, ok := <-t.reads:
		if !ok {
			return nil, net.ErrClosed
		}
		if r.err != nil {
			return nil, errors.Wrap(r.err, "upstream read")
		}
		return r.data, nil
	}
}

// Close tears the socket down without waiting for an in-flight Send. The
// close frame is only attempted when no write is pending.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.writeMu.TryLock() {
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeFrameTimeout))
			t.writeMu.Unlock()
		}
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
