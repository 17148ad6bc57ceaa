// Package transport abstracts the reliable, frame-delimited byte channels
// BLIP connections run over. The protocol core never length-prefixes its
// frames; that is the transport's job (or the transport's own message
// framing, as with WebSocket).
package transport

import (
	"context"
	"net"
)

// Kind identifies a transport/link type.
type Kind int

const (
	KindUnknown Kind = iota
	KindWebSocket
	KindTCP
	KindQUIC
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindWebSocket:
		return "websocket"
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// Stream is one full-duplex frame channel. Exactly one reader and one
// writer goroutine are expected; SendFrame is safe to call from one
// goroutine while RecvFrame blocks in another.
type Stream interface {
	// SendFrame delivers one frame as an atomic unit.
	SendFrame([]byte) error
	// RecvFrame returns the next frame, preserving send boundaries.
	RecvFrame() ([]byte, error)
	Close() error
}

// Listener accepts inbound streams.
type Listener interface {
	// Accept blocks until an inbound stream arrives or ctx is done.
	Accept(ctx context.Context) (Stream, error)
	// Addr returns the local listening address.
	Addr() net.Addr
	// Close stops the listener and unblocks Accept.
	Close() error
}

// Transport dials and listens for a specific link kind.
type Transport interface {
	Kind() Kind
	// Listen starts accepting inbound streams on address
	// (transport-specific format).
	Listen(ctx context.Context, address string) (Listener, error)
	// Dial opens an outbound stream to address.
	Dial(ctx context.Context, address string) (Stream, error)
}
