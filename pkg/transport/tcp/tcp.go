// Package tcp frames BLIP traffic over plain TCP with u32 big-endian
// length prefixes.
package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	"blip/pkg/transport"
)

// maxFrameBytes guards against absurd length prefixes from a broken peer.
const maxFrameBytes = 1 << 27

type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindTCP }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	tl := &listener{l: l, newCh: make(chan *stream, 8), closeCh: make(chan struct{})}
	go tl.acceptLoop()
	go func() {
		<-ctx.Done()
		_ = tl.Close()
	}()
	return tl, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.Stream, error) {
	d := &net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return newStream(c), nil
}

type listener struct {
	l       net.Listener
	newCh   chan *stream
	closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("tcp: listener closed")
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
	return l.l.Close()
}

func (l *listener) acceptLoop() {
	for {
		c, err := l.l.Accept()
		if err != nil {
			return
		}
		s := newStream(c)
		select {
		case l.newCh <- s:
		default:
			_ = s.Close()
		}
	}
}

type stream struct {
	mu sync.Mutex
	c  net.Conn
	br *bufio.Reader
	bw *bufio.Writer
}

func newStream(c net.Conn) *stream {
	return &stream{c: c, br: bufio.NewReader(c), bw: bufio.NewWriter(c)}
}

func (s *stream) SendFrame(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := s.bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := s.bw.Write(b); err != nil {
		return err
	}
	return s.bw.Flush()
}

func (s *stream) RecvFrame() ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(s.br, lenbuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenbuf[:])
	if n > maxFrameBytes {
		return nil, errors.New("tcp: frame too large")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(s.br, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *stream) Close() error { return s.c.Close() }
