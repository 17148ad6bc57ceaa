package blip

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Delegate receives completed messages and lifecycle events. Callbacks run
// on the connection's receive goroutine, so they must not block for long.
type Delegate interface {
	// OnRequestReceived is called once per complete incoming request. The
	// delegate may call Respond on the message exactly once, unless the
	// request is NoReply.
	OnRequestReceived(*MessageIn)
	// OnResponseReceived is called once per complete incoming response or
	// error, after any future bound to it has been fulfilled.
	OnResponseReceived(*MessageIn)
	// OnConnectionClosed is called once when the connection shuts down.
	// err is nil on a local Close, otherwise the transport or protocol
	// error that ended the connection.
	OnConnectionClosed(err error)
}

// NopDelegate ignores every event. Embed it to implement only the
// callbacks a delegate cares about.
type NopDelegate struct{}

func (NopDelegate) OnRequestReceived(*MessageIn)  {}
func (NopDelegate) OnResponseReceived(*MessageIn) {}
func (NopDelegate) OnConnectionClosed(error)      {}

// Options tunes a connection's scheduler.
type Options struct {
	// MaxFrameSize caps the payload bytes carried by one frame.
	MaxFrameSize int
	// SendWindow is the most unacked bytes one message may have in
	// flight before the scheduler pauses it.
	SendWindow int
	// Logger for connection and message events; zap.L() when nil.
	Logger *zap.Logger
}

const (
	DefaultMaxFrameSize = 4096
	DefaultSendWindow   = 256 * 1024
)

func (o Options) withDefaults() Options {
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.SendWindow <= 0 {
		o.SendWindow = DefaultSendWindow
	}
	// A window at or below the peer's ack threshold would stall forever:
	// the peer only acks every incomingAckThreshold bytes.
	if o.SendWindow < 2*incomingAckThreshold {
		o.SendWindow = 2 * incomingAckThreshold
	}
	if o.Logger == nil {
		o.Logger = zap.L()
	}
	return o
}

// FrameStream is the transport contract the connection runs over: a
// full-duplex, reliable, ordered stream of delimited frames.
// pkg/transport provides implementations.
type FrameStream interface {
	SendFrame([]byte) error
	RecvFrame() ([]byte, error)
	Close() error
}

// Connection multiplexes BLIP messages over one frame stream. One sender
// and one receiver goroutine own all message state; user goroutines only
// enqueue messages and await futures.
type Connection struct {
	stream   FrameStream
	delegate Delegate
	opts     Options
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	lastNumber       MessageNo
	urgent           []*MessageOut             // round-robin send queues
	normal           []*MessageOut
	outRequests      map[MessageNo]*MessageOut // our requests, until drained
	outResponses     map[MessageNo]*MessageOut // our responses, until drained
	pendingResponses map[MessageNo]*MessageIn  // replies we are owed
	incoming         map[MessageNo]*MessageIn  // peer requests in reassembly
	closing          bool

	wake      chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
	err       error
}

// NewConnection starts a connection over stream and returns it running.
// The delegate must be non-nil.
func NewConnection(stream FrameStream, delegate Delegate, opts Options) *Connection {
	if delegate == nil {
		panic("blip: delegate is required")
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		stream:           stream,
		delegate:         delegate,
		opts:             opts,
		log:              opts.Logger,
		ctx:              ctx,
		cancel:           cancel,
		outRequests:      make(map[MessageNo]*MessageOut),
		outResponses:     make(map[MessageNo]*MessageOut),
		pendingResponses: make(map[MessageNo]*MessageIn),
		incoming:         make(map[MessageNo]*MessageIn),
		wake:             make(chan struct{}, 1),
		closed:           make(chan struct{}),
	}
	go c.sendLoop()
	go c.receiveLoop()
	return c
}

// SendRequest serializes the builder and queues it as a new request. The
// returned MessageOut carries the response future unless the request is
// NoReply.
func (c *Connection) SendRequest(b *MessageBuilder) (*MessageOut, error) {
	if b.Type != TypeRequest {
		panic("blip: SendRequest requires a request builder")
	}
	payload := b.ExtractOutput()
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.lastNumber++
	number := c.lastNumber
	c.mu.Unlock()

	msg := newMessageOut(c, b.Flags(), number, payload)
	if msg.pendingResponse != nil {
		// Bind the future before the first response frame can arrive.
		msg.pendingResponse.createFutureResponse()
	}
	if err := c.send(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// send queues an outgoing message (request, response, or ACK).
func (c *Connection) send(msg *MessageOut) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrConnectionClosed
	}
	switch msg.Type() {
	case TypeRequest:
		c.outRequests[msg.number] = msg
		if msg.pendingResponse != nil {
			c.pendingResponses[msg.number] = msg.pendingResponse
		}
	case TypeResponse, TypeError:
		c.outResponses[msg.number] = msg
	}
	if msg.Urgent() {
		c.urgent = append(c.urgent, msg)
	} else {
		c.normal = append(c.normal, msg)
	}
	c.wakeSender()
	return nil
}

func (c *Connection) wakeSender() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// popSendable removes and returns the first message in q whose in-flight
// bytes are inside the send window.
func popSendable(q *[]*MessageOut, window int) *MessageOut {
	for i, msg := range *q {
		if int(msg.unackedBytes) < window {
			*q = append((*q)[:i], (*q)[i+1:]...)
			return msg
		}
	}
	return nil
}

// nextMessage blocks until a message may send its next frame. Urgent
// messages are preferred; equal urgency rotates fairly because a message
// rejoins the back of its queue after every frame.
func (c *Connection) nextMessage() *MessageOut {
	for {
		c.mu.Lock()
		msg := popSendable(&c.urgent, c.opts.SendWindow)
		if msg == nil {
			msg = popSendable(&c.normal, c.opts.SendWindow)
		}
		c.mu.Unlock()
		if msg != nil {
			return msg
		}
		select {
		case <-c.wake:
		case <-c.ctx.Done():
			return nil
		}
	}
}

func (c *Connection) sendLoop() {
	for {
		msg := c.nextMessage()
		if msg == nil {
			return
		}
		c.mu.Lock()
		frame, flags := msg.nextFrame(c.opts.MaxFrameSize)
		c.mu.Unlock()

		buf := make([]byte, 0, 1+binary.MaxVarintLen64+len(frame))
		buf = appendFrameHeader(buf, flags, msg.number)
		buf = append(buf, frame...)
		if err := c.stream.SendFrame(buf); err != nil {
			c.closeWithError(err)
			return
		}

		c.mu.Lock()
		if flags.moreComing() {
			if msg.Urgent() {
				c.urgent = append(c.urgent, msg)
			} else {
				c.normal = append(c.normal, msg)
			}
		} else {
			// Fully drained; the payload leaves the send queue for good.
			switch msg.Type() {
			case TypeRequest:
				delete(c.outRequests, msg.number)
			case TypeResponse, TypeError:
				delete(c.outResponses, msg.number)
			}
		}
		c.mu.Unlock()
	}
}

func (c *Connection) receiveLoop() {
	for {
		frame, err := c.stream.RecvFrame()
		if err != nil {
			c.closeWithError(err)
			return
		}
		if err := c.handleFrame(frame); err != nil {
			c.log.Error("closing connection", zap.Error(err))
			c.closeWithError(err)
			return
		}
	}
}

func (c *Connection) handleFrame(frame []byte) error {
	flags, number, payload, err := parseFrameHeader(frame)
	if err != nil {
		return err
	}

	switch t := flags.messageType(); {
	case t.isAck():
		return c.handleAck(t, number, payload)

	case t.isResponse():
		c.mu.Lock()
		msg := c.pendingResponses[number]
		c.mu.Unlock()
		if msg == nil {
			return &ProtocolError{Reason: fmt.Sprintf("response to unknown request #%d", number)}
		}
		complete, err := msg.receivedFrame(payload, flags)
		if err != nil {
			return err
		}
		if complete {
			c.mu.Lock()
			delete(c.pendingResponses, number)
			c.mu.Unlock()
		}
		return nil

	case t == TypeRequest:
		c.mu.Lock()
		msg := c.incoming[number]
		if msg == nil {
			msg = newMessageIn(c, flags, number)
			c.incoming[number] = msg
		}
		c.mu.Unlock()
		complete, err := msg.receivedFrame(payload, flags)
		if err != nil {
			return err
		}
		if complete {
			c.mu.Lock()
			delete(c.incoming, number)
			c.mu.Unlock()
		}
		return nil

	default:
		return &ProtocolError{Reason: fmt.Sprintf("unknown message type %d", t)}
	}
}

// handleAck applies a flow-control ack to the matching queued message.
// Acks for already-drained messages are stale and ignored.
func (c *Connection) handleAck(t MessageType, number MessageNo, payload []byte) error {
	byteCount, _, ok := readUVarint32(payload)
	if !ok {
		return &ProtocolError{Reason: "malformed ack body"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var msg *MessageOut
	if t == TypeAckRequest {
		msg = c.outRequests[number]
	} else {
		msg = c.outResponses[number]
	}
	if msg != nil {
		msg.receivedAck(byteCount)
		c.wakeSender()
	}
	return nil
}

// Close shuts the connection down, dropping queued messages and failing
// outstanding futures with ErrConnectionClosed.
func (c *Connection) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.err = err
		pending := c.pendingResponses
		c.pendingResponses = make(map[MessageNo]*MessageIn)
		c.urgent, c.normal = nil, nil
		c.outRequests = make(map[MessageNo]*MessageOut)
		c.outResponses = make(map[MessageNo]*MessageOut)
		c.incoming = make(map[MessageNo]*MessageIn)
		c.mu.Unlock()

		c.cancel()
		_ = c.stream.Close()
		for _, m := range pending {
			if m.future != nil {
				m.future.fail(ErrConnectionClosed)
			}
		}
		if err != nil {
			c.log.Info("connection closed", zap.Error(err))
		} else {
			c.log.Info("connection closed")
		}
		c.delegate.OnConnectionClosed(err)
		close(c.closed)
	})
}

// Done is closed once the connection has fully shut down.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Err reports the error that closed the connection, nil for a local Close
// or while still running.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
