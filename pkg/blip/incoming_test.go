package blip

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// collectingDelegate records completed messages synchronously; good for
// tests that drive receivedFrame directly on one goroutine.
type collectingDelegate struct {
	requests  []*MessageIn
	responses []*MessageIn
	closeErrs []error
}

func (d *collectingDelegate) OnRequestReceived(m *MessageIn)  { d.requests = append(d.requests, m) }
func (d *collectingDelegate) OnResponseReceived(m *MessageIn) { d.responses = append(d.responses, m) }
func (d *collectingDelegate) OnConnectionClosed(err error)    { d.closeErrs = append(d.closeErrs, err) }

// newIdleConnection builds a connection with no transport and no running
// goroutines, so sent messages pile up in its queues for inspection.
func newIdleConnection(d Delegate) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		delegate:         d,
		opts:             Options{}.withDefaults(),
		log:              zap.NewNop(),
		ctx:              ctx,
		cancel:           cancel,
		outRequests:      make(map[MessageNo]*MessageOut),
		outResponses:     make(map[MessageNo]*MessageOut),
		pendingResponses: make(map[MessageNo]*MessageIn),
		incoming:         make(map[MessageNo]*MessageIn),
		wake:             make(chan struct{}, 1),
		closed:           make(chan struct{}),
	}
}

func (c *Connection) queuedMessages() []*MessageOut {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]*MessageOut(nil), c.urgent...)
	return append(out, c.normal...)
}

// buildPayload assembles a raw message payload without a builder.
func buildPayload(props, body []byte) []byte {
	payload := binary.AppendUvarint(nil, uint64(len(props)))
	payload = append(payload, props...)
	return append(payload, body...)
}

func TestMessageInSingleFrame(t *testing.T) {
	d := &collectingDelegate{}
	c := newIdleConnection(d)

	b := NewMessageBuilder()
	b.AddProperty("Profile", "subChanges")
	payload := b.ExtractOutput()

	m := newMessageIn(c, FrameFlags(TypeRequest), 1)
	complete, err := m.receivedFrame(payload, FrameFlags(TypeRequest))
	require.NoError(t, err)
	require.True(t, complete)

	assert.Equal(t, "subChanges", m.Property("Profile"))
	assert.Equal(t, "subChanges", m.Profile())
	assert.Equal(t, "", m.Property("absent"))
	assert.Empty(t, m.Body())
	require.Len(t, d.requests, 1)
	assert.Same(t, m, d.requests[0])
	assert.Empty(t, d.responses)
}

func TestMessageInArbitrarySplits(t *testing.T) {
	b := NewMessageBuilder()
	b.AddProperty("Content-Type", "application/json")
	b.AddProperty("X-Key", "some value")
	_, _ = b.Write([]byte(`{"n":1}`))
	payload := b.ExtractOutput()

	// Every split point, including mid-varint-adjacent and mid-properties.
	for cut := 1; cut < len(payload); cut++ {
		m := newMessageIn(newIdleConnection(&collectingDelegate{}), FrameFlags(TypeRequest), 7)
		complete, err := m.receivedFrame(payload[:cut], FrameFlags(TypeRequest)|FlagMoreComing)
		require.NoError(t, err, "cut=%d", cut)
		require.False(t, complete)

		complete, err = m.receivedFrame(payload[cut:], FrameFlags(TypeRequest))
		require.NoError(t, err, "cut=%d", cut)
		require.True(t, complete)

		assert.Equal(t, "application/json", m.ContentType(), "cut=%d", cut)
		assert.Equal(t, "some value", m.Property("X-Key"), "cut=%d", cut)
		assert.Equal(t, []byte(`{"n":1}`), m.Body(), "cut=%d", cut)
	}
}

func TestMessageInFlagsAdoptedFromFirstFrame(t *testing.T) {
	// A pending response is created as a plain Response; the wire can turn
	// it into an urgent Error.
	m := newMessageIn(newIdleConnection(&collectingDelegate{}), FrameFlags(TypeResponse), 3)

	b := NewMessageBuilder()
	b.MakeError("BLIP", 1, "boom")
	payload := b.ExtractOutput()

	complete, err := m.receivedFrame(payload, FrameFlags(TypeError)|FlagUrgent)
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, TypeError, m.Type())
	assert.True(t, m.Urgent())
	assert.Equal(t, "BLIP", m.ErrorDomain())
	assert.Equal(t, int64(1), m.ErrorCode())
}

func TestMessageInErrorAccessorsOnNonError(t *testing.T) {
	m := newMessageIn(newIdleConnection(&collectingDelegate{}), FrameFlags(TypeRequest), 1)
	complete, err := m.receivedFrame(buildPayload(nil, nil), FrameFlags(TypeRequest))
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, "", m.ErrorDomain())
	assert.Zero(t, m.ErrorCode())
}

func TestMessageInIntProperty(t *testing.T) {
	b := NewMessageBuilder()
	b.AddIntProperty("n", 42)
	b.AddProperty("junk", "12x")
	b.AddProperty("empty-ish", "")

	m := newMessageIn(newIdleConnection(&collectingDelegate{}), FrameFlags(TypeRequest), 1)
	complete, err := m.receivedFrame(b.ExtractOutput(), FrameFlags(TypeRequest))
	require.NoError(t, err)
	require.True(t, complete)

	assert.Equal(t, int64(42), m.IntProperty("n", -1))
	assert.Equal(t, int64(-1), m.IntProperty("junk", -1), "trailing junk falls back")
	assert.Equal(t, int64(-1), m.IntProperty("empty-ish", -1))
	assert.Equal(t, int64(-1), m.IntProperty("missing", -1))
}

func TestMessageInAckCadence(t *testing.T) {
	d := &collectingDelegate{}
	c := newIdleConnection(d)

	body := bytes.Repeat([]byte{0xAA}, 120000)
	payload := buildPayload(nil, body)

	m := newMessageIn(c, FrameFlags(TypeRequest), 9)
	third := len(payload) / 3
	complete, err := m.receivedFrame(payload[:third], FrameFlags(TypeRequest)|FlagMoreComing)
	require.NoError(t, err)
	require.False(t, complete)
	complete, err = m.receivedFrame(payload[third:2*third], FrameFlags(TypeRequest)|FlagMoreComing)
	require.NoError(t, err)
	require.False(t, complete)
	complete, err = m.receivedFrame(payload[2*third:], FrameFlags(TypeRequest))
	require.NoError(t, err)
	require.True(t, complete)

	assert.Equal(t, body, m.Body())

	acks := c.queuedMessages()
	require.Len(t, acks, 2, "120 kB body crosses the 50 kB threshold twice")
	for i, ack := range acks {
		assert.Equal(t, TypeAckRequest, ack.Type())
		assert.True(t, ack.Urgent())
		assert.True(t, ack.NoReply())
		assert.Equal(t, MessageNo(9), ack.Number())
		want := binary.AppendUvarint(nil, uint64(50000*(i+1)))
		assert.Equal(t, want, ack.payload, "ack %d counts received bytes", i)
	}
}

func TestMessageInResponseAcksUseAckResponse(t *testing.T) {
	c := newIdleConnection(&collectingDelegate{})
	payload := buildPayload(nil, bytes.Repeat([]byte{1}, 60000))

	m := newMessageIn(c, FrameFlags(TypeResponse), 4)
	complete, err := m.receivedFrame(payload, FrameFlags(TypeResponse))
	require.NoError(t, err)
	require.True(t, complete)

	acks := c.queuedMessages()
	require.Len(t, acks, 1)
	assert.Equal(t, TypeAckResponse, acks[0].Type())
}

func TestMessageInTruncatedProperties(t *testing.T) {
	// Declares 10 bytes of properties but the message ends after 5.
	frame := append(binary.AppendUvarint(nil, 10), make([]byte, 5)...)
	m := newMessageIn(newIdleConnection(&collectingDelegate{}), FrameFlags(TypeRequest), 1)
	_, err := m.receivedFrame(frame, FrameFlags(TypeRequest))
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestMessageInPropertiesNotTerminated(t *testing.T) {
	props := []byte{'k', 0, 'v'} // missing trailing NUL
	m := newMessageIn(newIdleConnection(&collectingDelegate{}), FrameFlags(TypeRequest), 1)
	_, err := m.receivedFrame(buildPayload(props, nil), FrameFlags(TypeRequest))
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestMessageInRejectsCompressed(t *testing.T) {
	m := newMessageIn(newIdleConnection(&collectingDelegate{}), FrameFlags(TypeRequest), 1)
	_, err := m.receivedFrame(buildPayload(nil, nil), FrameFlags(TypeRequest)|FlagCompressed)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestMessageInMalformedPropertiesSize(t *testing.T) {
	m := newMessageIn(newIdleConnection(&collectingDelegate{}), FrameFlags(TypeRequest), 1)
	_, err := m.receivedFrame([]byte{0x80}, FrameFlags(TypeRequest)|FlagMoreComing)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestMessageInRespond(t *testing.T) {
	d := &collectingDelegate{}
	c := newIdleConnection(d)

	m := newMessageIn(c, FrameFlags(TypeRequest), 5)
	complete, err := m.receivedFrame(buildPayload(nil, []byte("hi")), FrameFlags(TypeRequest)|FlagUrgent)
	require.NoError(t, err)
	require.True(t, complete)

	resp := NewResponseBuilder(m)
	assert.True(t, resp.Urgent, "urgency is inherited")
	_, _ = resp.Write([]byte("hello back"))
	m.Respond(resp)

	queued := c.queuedMessages()
	require.Len(t, queued, 1)
	assert.Equal(t, TypeResponse, queued[0].Type())
	assert.Equal(t, MessageNo(5), queued[0].Number())

	assert.Panics(t, func() { m.Respond(NewMessageBuilder()) }, "second respond must panic")
}

func TestMessageInRespondToNoReplyPanics(t *testing.T) {
	c := newIdleConnection(&collectingDelegate{})
	m := newMessageIn(c, FrameFlags(TypeRequest), 5)
	complete, err := m.receivedFrame(buildPayload(nil, nil), FrameFlags(TypeRequest)|FlagNoReply)
	require.NoError(t, err)
	require.True(t, complete)

	assert.Panics(t, func() { m.Respond(NewMessageBuilder()) })
	assert.Panics(t, func() { _ = NewResponseBuilder(m) })
}

func TestMessageInRespondWithError(t *testing.T) {
	c := newIdleConnection(&collectingDelegate{})
	m := newMessageIn(c, FrameFlags(TypeRequest), 6)
	complete, err := m.receivedFrame(buildPayload(nil, nil), FrameFlags(TypeRequest))
	require.NoError(t, err)
	require.True(t, complete)

	m.RespondWithError("HTTP", 404, "no such doc")
	queued := c.queuedMessages()
	require.Len(t, queued, 1)
	assert.Equal(t, TypeError, queued[0].Type())
}

func TestMessageInFutureFulfilledOnCompletion(t *testing.T) {
	d := &collectingDelegate{}
	c := newIdleConnection(d)
	m := newMessageIn(c, FrameFlags(TypeResponse), 2)
	f := m.createFutureResponse()
	assert.Same(t, f, m.createFutureResponse(), "future is created once")

	complete, err := m.receivedFrame(buildPayload(nil, []byte("ok")), FrameFlags(TypeResponse))
	require.NoError(t, err)
	require.True(t, complete)

	got, err := f.Response(context.Background())
	require.NoError(t, err)
	assert.Same(t, m, got)
	require.Len(t, d.responses, 1)
}
