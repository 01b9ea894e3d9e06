package upstream

import "context"

// Transport is one bidirectional upstream stream carrying encoded event
// envelopes. Send may be called from several goroutines; Recv is only called
// by the session's reader. Close unblocks pending Send and Recv calls.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a fresh Transport. ctx bounds the lifetime of the stream, not
// just the dial.
type Dialer func(ctx context.Context) (Transport, error)
