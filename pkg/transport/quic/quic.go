// Package quic carries BLIP over a single bidirectional QUIC stream with
// u32 big-endian length-prefixed frames.
package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"errors"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"blip/pkg/transport"
)

const alpn = "blip"

const maxFrameBytes = 1 << 27

// Transport dials and listens with an ephemeral self-signed server
// certificate; peers are expected to authenticate at the BLIP layer.
type Transport struct {
	tlsConf  *tls.Config
	quicConf *quicgo.Config
}

func New() (*Transport, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	return &Transport{
		tlsConf: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpn},
			MinVersion:   tls.VersionTLS13,
		},
		quicConf: &quicgo.Config{},
	}, nil
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	l, err := quicgo.ListenAddr(address, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, err
	}
	ql := &listener{l: l, newCh: make(chan *stream, 8), closeCh: make(chan struct{})}
	go ql.acceptLoop(ctx)
	go func() {
		<-ctx.Done()
		_ = ql.Close()
	}()
	return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.Stream, error) {
	tlsClient := &tls.Config{
		InsecureSkipVerify: true, // NOTE: identity is established at the BLIP layer
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
	conn, err := quicgo.DialAddr(ctx, address, tlsClient, t.quicConf)
	if err != nil {
		return nil, err
	}
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, err
	}
	return newStream(conn, st), nil
}

type listener struct {
	l       *quicgo.Listener
	newCh   chan *stream
	closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("quic: listener closed")
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

func (l *listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.l.Accept(ctx)
		if err != nil {
			return
		}
		go func() {
			st, err := conn.AcceptStream(ctx)
			if err != nil {
				_ = conn.CloseWithError(0, "accept stream failed")
				return
			}
			s := newStream(conn, st)
			select {
			case l.newCh <- s:
			case <-l.closeCh:
				_ = s.Close()
			}
		}()
	}
}

type stream struct {
	mu   sync.Mutex
	conn quicgo.Connection
	st   quicgo.Stream
}

func newStream(conn quicgo.Connection, st quicgo.Stream) *stream {
	return &stream{conn: conn, st: st}
}

func (s *stream) SendFrame(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := s.st.Write(lenbuf[:]); err != nil {
		return err
	}
	_, err := s.st.Write(b)
	return err
}

func (s *stream) RecvFrame() ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(s.st, lenbuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenbuf[:])
	if n > maxFrameBytes {
		return nil, errors.New("quic: frame too large")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(s.st, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *stream) Close() error {
	_ = s.st.Close()
	return s.conn.CloseWithError(0, "closed")
}

func selfSignedCert() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "blip"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
