package ws

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blip/pkg/transport"
)

func TestRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr := New()
	assert.Equal(t, transport.KindWebSocket, tr.Kind())

	l, err := tr.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		s, err := l.Accept(ctx)
		if err != nil {
			return
		}
		for {
			b, err := s.RecvFrame()
			if err != nil {
				return
			}
			_ = s.SendFrame(b)
		}
	}()

	c, err := tr.Dial(ctx, l.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	for _, frame := range [][]byte{[]byte{0x42}, []byte("ping"), bytes.Repeat([]byte{9}, 1<<15)} {
		require.NoError(t, c.SendFrame(frame))
		got, err := c.RecvFrame()
		require.NoError(t, err)
		assert.Equal(t, frame, got)
	}
}

func TestDialRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := New().Dial(ctx, "127.0.0.1:1")
	assert.Error(t, err)
}
