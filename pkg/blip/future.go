package blip

import (
	"context"
	"sync"
)

// FutureResponse resolves, at most once, to the reply of a sent request.
// Fulfilment happens on the connection's receive goroutine; closing the
// connection fails the future with ErrConnectionClosed.
type FutureResponse struct {
	once sync.Once
	done chan struct{}
	msg  *MessageIn
	err  error
}

func newFutureResponse() *FutureResponse {
	return &FutureResponse{done: make(chan struct{})}
}

func (f *FutureResponse) fulfil(m *MessageIn) {
	f.once.Do(func() {
		f.msg = m
		close(f.done)
	})
}

func (f *FutureResponse) fail(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Response blocks until the correlated response (or error reply) arrives,
// the connection closes, or ctx is done.
func (f *FutureResponse) Response(ctx context.Context) (*MessageIn, error) {
	select {
	case <-f.done:
		return f.msg, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
