package conns

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type Config struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	QueueSize    int
}

// Codec shapes outbound traffic for a client transport. EncodeAudio returns
// nil data for a frame the transport cannot deliver yet.
type Codec interface {
	EncodeAudio(frame []byte) (data []byte, binary bool)
	AcceptsEvents() bool
}

type sendError struct {
	reason string
	msg    string
}

func (e *sendError) Error() string  { return e.msg }
func (e *sendError) Reason() string { return e.reason }

var (
	ErrQueueFull  error = &sendError{reason: "queue_full", msg: "client outbound queue full"}
	ErrConnClosed error = &sendError{reason: "closed", msg: "client connection closed"}
)

type outboundFrame struct {
	data   []byte
	binary bool
}

// Conn is one client websocket. Sends never block: they enqueue for the
// writer goroutine started by Run, which owns every write to the socket.
type Conn struct {
	id     string
	kind   string
	ws     wsWriter
	cfg    Config
	codec  Codec
	logger *slog.Logger

	priority chan outboundFrame
	normal   chan outboundFrame

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	doneOnce sync.Once
	done     chan struct{}
}

func New(id, kind string, ws wsWriter, cfg Config, codec Codec, logger *slog.Logger) *Conn {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:        id,
		kind:      kind,
		ws:        ws,
		cfg:       cfg,
		codec:     codec,
		logger:    logger.With("client_id", id),
		priority:  make(chan outboundFrame, 16),
		normal:    make(chan outboundFrame, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		closeCode: websocket.CloseNormalClosure,
		done:      make(chan struct{}),
	}
}

func (c *Conn) ID() string   { return c.id }
func (c *Conn) Kind() string { return c.kind }

// Done is closed once the writer has stopped and the socket is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// SendText queues a JSON event envelope. Transports that do not accept
// events drop it silently.
func (c *Conn) SendText(data []byte) error {
	if c.codec != nil && !c.codec.AcceptsEvents() {
		return nil
	}
	return c.enqueue(c.normal, outboundFrame{data: data})
}

// SendBinary queues one audio frame, encoded for the client's transport.
func (c *Conn) SendBinary(frame []byte) error {
	f := outboundFrame{data: frame, binary: true}
	if c.codec != nil {
		f.data, f.binary = c.codec.EncodeAudio(frame)
		if f.data == nil {
			return nil
		}
	}
	return c.enqueue(c.normal, f)
}

// SendPriority queues a relay-originated message ahead of broadcast traffic.
func (c *Conn) SendPriority(data []byte) error {
	if c.codec != nil && !c.codec.AcceptsEvents() {
		return nil
	}
	return c.enqueue(c.priority, outboundFrame{data: data})
}

func (c *Conn) enqueue(q chan outboundFrame, f outboundFrame) error {
	select {
	case <-c.ctx.Done():
		return ErrConnClosed
	default:
	}
	select {
	case q <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close asks the writer to flush priority messages, send a close frame with
// code and reason, and close the socket. Only the first call's code is used.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		c.cancel()
	})
}

// Run is the writer loop. It returns when the connection is closed or a
// write fails.
func (c *Conn) Run() error {
	defer c.finish()

	pingTicker := time.NewTicker(c.cfg.PingInterval)
	defer pingTicker.Stop()

	var pending *outboundFrame
	for {
		select {
		case <-c.ctx.Done():
			c.flushPriority()
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason), time.Now().Add(c.cfg.WriteTimeout))
			return nil
		default:
		}

		select {
		case f := <-c.priority:
			if err := c.write(f); err != nil {
				return err
			}
			continue
		default:
		}

		if pending != nil {
			if err := c.write(*pending); err != nil {
				return err
			}
			pending = nil
			continue
		}

		select {
		case <-c.ctx.Done():
		case <-pingTicker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return err
			}
		case f := <-c.priority:
			if err := c.write(f); err != nil {
				return err
			}
		case f := <-c.normal:
			pending = &f
		}
	}
}

func (c *Conn) flushPriority() {
	deadline := time.Now().Add(min(100*time.Millisecond, c.cfg.WriteTimeout))
	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case f := <-c.priority:
			_ = c.write(f)
		default:
			return
		}
	}
}

func (c *Conn) write(f outboundFrame) error {
	if len(f.data) == 0 {
		return nil
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	kind := websocket.TextMessage
	if f.binary {
		kind = websocket.BinaryMessage
	}
	return c.ws.WriteMessage(kind, f.data)
}

func (c *Conn) finish() {
	c.doneOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close()
		close(c.done)
	})
}
