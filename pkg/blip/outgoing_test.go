package blip

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageOutFrameProgression(t *testing.T) {
	payload := bytes.Repeat([]byte{0xEE}, 10)
	msg := newMessageOut(nil, FrameFlags(TypeRequest)|FlagNoReply, 1, payload)

	frame, flags := msg.nextFrame(4)
	assert.Equal(t, payload[0:4], frame)
	assert.True(t, flags.moreComing())

	frame, flags = msg.nextFrame(4)
	assert.Equal(t, payload[4:8], frame)
	assert.True(t, flags.moreComing())

	frame, flags = msg.nextFrame(4)
	assert.Equal(t, payload[8:10], frame)
	assert.False(t, flags.moreComing(), "final frame must clear MoreComing")
	assert.Zero(t, msg.unsentBytes())

	frame, _ = msg.nextFrame(4)
	assert.Empty(t, frame, "a drained message emits empty frames")
}

func TestMessageOutEmptyPayload(t *testing.T) {
	msg := newMessageOut(nil, FrameFlags(TypeRequest)|FlagNoReply, 1, nil)
	frame, flags := msg.nextFrame(4096)
	assert.Empty(t, frame)
	assert.False(t, flags.moreComing())
}

func TestMessageOutReceivedAck(t *testing.T) {
	msg := newMessageOut(nil, FrameFlags(TypeRequest)|FlagNoReply, 1, make([]byte, 1000))
	_, _ = msg.nextFrame(500)
	require.Equal(t, uint32(500), msg.bytesSent)
	require.Equal(t, uint32(500), msg.unackedBytes)

	msg.receivedAck(400)
	assert.Equal(t, uint32(100), msg.unackedBytes)

	// Stale ack beyond bytesSent: ignored.
	msg.receivedAck(10000)
	assert.Equal(t, uint32(100), msg.unackedBytes)

	// Repeating the same ack is idempotent.
	msg.receivedAck(400)
	assert.Equal(t, uint32(100), msg.unackedBytes)

	// An older ack never raises the unacked count.
	msg.receivedAck(100)
	assert.Equal(t, uint32(100), msg.unackedBytes)
}

func TestMessageOutFutureOnlyForRepliedRequests(t *testing.T) {
	req := newMessageOut(nil, FrameFlags(TypeRequest), 1, nil)
	assert.NotNil(t, req.FutureResponse())

	noReply := newMessageOut(nil, FrameFlags(TypeRequest)|FlagNoReply, 2, nil)
	assert.Nil(t, noReply.FutureResponse())

	resp := newMessageOut(nil, FrameFlags(TypeResponse), 1, nil)
	assert.Nil(t, resp.FutureResponse())
}

func TestMessageOutRejectsCompressed(t *testing.T) {
	assert.Panics(t, func() {
		newMessageOut(nil, FrameFlags(TypeRequest)|FlagCompressed, 1, nil)
	})
}
