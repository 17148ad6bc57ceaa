// Package factory constructs transports from configuration kinds.
package factory

import (
	"fmt"

	"blip/pkg/transport"
	"blip/pkg/transport/mem"
	"blip/pkg/transport/quic"
	"blip/pkg/transport/tcp"
	"blip/pkg/transport/ws"
)

// NewByKind returns a transport for a config kind: ws, tcp, quic, or mem.
func NewByKind(kind string) (transport.Transport, error) {
	switch kind {
	case "ws", "websocket":
		return ws.New(), nil
	case "tcp":
		return tcp.New(), nil
	case "quic":
		return quic.New()
	case "mem":
		return mem.New(), nil
	default:
		return nil, fmt.Errorf("unknown transport kind: %q", kind)
	}
}
