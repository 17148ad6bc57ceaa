package blip

// MessageOut is an outgoing message owned by the connection's send queue.
// The scheduler drains it one frame per turn and uses the unacked byte
// count for per-message back-pressure. Not safe for concurrent use; the
// owning connection serializes access.
type MessageOut struct {
	Message
	conn            *Connection
	payload         []byte
	bytesSent       uint32
	unackedBytes    uint32
	pendingResponse *MessageIn
}

func newMessageOut(conn *Connection, flags FrameFlags, number MessageNo, payload []byte) *MessageOut {
	if uint64(len(payload)) >= 1<<32 {
		panic("blip: message payload exceeds 4 GiB")
	}
	if flags.compressed() {
		panic("blip: compressed messages are not implemented")
	}
	m := &MessageOut{
		Message: Message{flags: flags, number: number},
		conn:    conn,
		payload: payload,
	}
	if m.Type() == TypeRequest && !flags.noReply() {
		// Flags are tentative; the first response frame may turn the
		// type into an Error and set Urgent.
		m.pendingResponse = newMessageIn(conn, FrameFlags(TypeResponse), number)
	}
	return m
}

// nextFrame returns the next payload slice, at most maxSize bytes, along
// with the frame flags to send it under. MoreComing is set while unsent
// bytes remain; an empty slice means the message is fully drained.
func (m *MessageOut) nextFrame(maxSize int) ([]byte, FrameFlags) {
	n := len(m.payload) - int(m.bytesSent)
	if n > maxSize {
		n = maxSize
	}
	frame := m.payload[m.bytesSent : int(m.bytesSent)+n]
	m.bytesSent += uint32(n)
	m.unackedBytes += uint32(n)
	flags := m.flags
	if int(m.bytesSent) < len(m.payload) {
		flags |= FlagMoreComing
	}
	return frame, flags
}

// unsentBytes reports how much of the payload is still to be framed.
func (m *MessageOut) unsentBytes() int { return len(m.payload) - int(m.bytesSent) }

// receivedAck lowers the unacked byte count from a peer ACK. Stale or
// out-of-range acks are ignored; repeated acks are idempotent.
func (m *MessageOut) receivedAck(byteCount uint32) {
	if byteCount > m.bytesSent {
		return
	}
	if outstanding := m.bytesSent - byteCount; outstanding < m.unackedBytes {
		m.unackedBytes = outstanding
	}
}

// FutureResponse returns the future that resolves to this request's
// response. It returns nil for responses, ACKs, and NoReply requests.
func (m *MessageOut) FutureResponse() *FutureResponse {
	if m.pendingResponse == nil {
		return nil
	}
	return m.pendingResponse.createFutureResponse()
}
