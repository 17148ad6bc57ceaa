// Package ws runs BLIP over WebSocket, the transport the protocol was
// designed for. Each BLIP frame travels as one binary WebSocket message,
// so no extra length prefix is needed.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"blip/pkg/transport"
)

// Subprotocol is offered during the WebSocket handshake.
const Subprotocol = "BLIP"

type Transport struct {
	dialer   *websocket.Dialer
	upgrader *websocket.Upgrader
}

func New() *Transport {
	return &Transport{
		dialer: &websocket.Dialer{Subprotocols: []string{Subprotocol}},
		upgrader: &websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
	}
}

func (t *Transport) Kind() transport.Kind { return transport.KindWebSocket }

// Dial connects to a ws:// or wss:// URL; a bare host:port is treated as
// ws://host:port/.
func (t *Transport) Dial(ctx context.Context, address string) (transport.Stream, error) {
	if !strings.HasPrefix(address, "ws://") && !strings.HasPrefix(address, "wss://") {
		address = "ws://" + address
	}
	c, _, err := t.dialer.DialContext(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", address, err)
	}
	return newStream(c), nil
}

// Listen serves WebSocket upgrades on address, for any request path.
func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	nl, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	l := &listener{
		nl:      nl,
		newCh:   make(chan *stream, 8),
		closeCh: make(chan struct{}),
	}
	l.srv = &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := newStream(c)
		select {
		case l.newCh <- s:
		case <-l.closeCh:
			_ = s.Close()
		}
	})}
	go func() { _ = l.srv.Serve(nl) }()
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	return l, nil
}

type listener struct {
	nl      net.Listener
	srv     *http.Server
	newCh   chan *stream
	closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.nl.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("ws: listener closed")
	case s := <-l.newCh:
		return s, nil
	}
}

func (l *listener) Close() error {
	select {
	case <-l.closeCh:
	default:
		close(l.closeCh)
	}
	return l.srv.Close()
}

type stream struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func newStream(c *websocket.Conn) *stream { return &stream{c: c} }

func (s *stream) SendFrame(b []byte) error {
	// gorilla allows one concurrent writer; the mutex serializes
	// SendFrame calls so that holds with several callers. Close does not
	// take the mutex.
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.WriteMessage(websocket.BinaryMessage, b)
}

func (s *stream) RecvFrame() ([]byte, error) {
	for {
		typ, b, err := s.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ != websocket.BinaryMessage {
			continue // BLIP frames are always binary; ignore text chatter
		}
		return b, nil
	}
}

func (s *stream) Close() error { return s.c.Close() }
