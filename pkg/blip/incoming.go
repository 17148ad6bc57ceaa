package blip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"blip/pkg/blip/codec"
)

// incomingAckThreshold is how many payload bytes to accumulate before
// acknowledging them back to the sender.
const incomingAckThreshold = 50000

// MessageIn is an incoming message under reassembly, and after completion
// the immutable request or response handed to the delegate.
type MessageIn struct {
	Message
	conn *Connection

	in               *writer // nil before the first frame and after completion
	propertiesSize   uint32
	properties       []byte
	propertiesParsed bool
	body             []byte
	bytesReceived    uint32
	unackedBytes     uint32
	future           *FutureResponse
	responded        bool
}

// newMessageIn creates a message with tentative flags; the real flags are
// adopted from the first frame.
func newMessageIn(conn *Connection, flags FrameFlags, number MessageNo) *MessageIn {
	if number == 0 {
		panic("blip: message number must be positive")
	}
	return &MessageIn{
		Message: Message{flags: flags, number: number},
		conn:    conn,
	}
}

// createFutureResponse returns the single future bound to this message,
// creating it on first call.
func (m *MessageIn) createFutureResponse() *FutureResponse {
	if m.future == nil {
		m.future = newFutureResponse()
	}
	return m.future
}

// receivedFrame feeds one frame's payload into the message. It returns
// true when the message is complete. A non-nil error is a protocol error;
// the connection must close.
func (m *MessageIn) receivedFrame(frame []byte, frameFlags FrameFlags) (bool, error) {
	if m.in == nil {
		// First frame: adopt the real flags and read the properties size.
		m.flags = frameFlags
		m.logger().Debug("receiving message",
			zap.String("type", m.Type().String()),
			zap.Uint64("msg", uint64(m.number)),
			zap.String("flags", fmt.Sprintf("%02x", uint8(m.flags))))
		if m.flags.compressed() {
			return false, &ProtocolError{Reason: "compressed frames are not supported"}
		}
		m.in = &writer{}
		size, n, ok := readUVarint32(frame)
		if !ok {
			return false, &ProtocolError{Reason: "malformed properties size"}
		}
		m.propertiesSize = size
		frame = frame[n:]
	}

	if !m.propertiesParsed && uint32(m.in.length()+len(frame)) >= m.propertiesSize {
		// The properties block is now fully available.
		remaining := int(m.propertiesSize) - m.in.length()
		m.in.write(frame[:remaining])
		frame = frame[remaining:]
		m.bytesReceived += uint32(remaining)
		m.unackedBytes += uint32(remaining)
		m.properties = m.in.extractOutput()
		if len(m.properties) > 0 && m.properties[len(m.properties)-1] != 0 {
			return false, &ProtocolError{Reason: "properties not NUL-terminated"}
		}
		m.propertiesParsed = true
		m.in.reset()
	}

	// Accumulate the rest, acknowledging at every threshold crossing so
	// the sender's window opens as steadily as the transport delivers.
	for len(frame) > 0 {
		n := len(frame)
		if space := int(incomingAckThreshold - m.unackedBytes); n > space {
			n = space
		}
		m.in.write(frame[:n])
		m.bytesReceived += uint32(n)
		m.unackedBytes += uint32(n)
		frame = frame[n:]
		if m.unackedBytes >= incomingAckThreshold {
			m.sendAck()
			m.unackedBytes = 0
		}
	}

	if frameFlags.moreComing() {
		return false, nil
	}
	if !m.propertiesParsed {
		return false, &ProtocolError{Reason: "message ends before end of properties"}
	}
	m.body = m.in.extractOutput()
	m.in = nil
	m.messageComplete()
	return true, nil
}

// sendAck tells the peer how many payload bytes have arrived so far.
// ACKs are advisory back-pressure only, so they jump the queue
// (Urgent) and never expect a reply.
func (m *MessageIn) sendAck() {
	if m.conn == nil {
		return
	}
	var buf [binary.MaxVarintLen64]byte
	payload := buf[:binary.PutUvarint(buf[:], uint64(m.bytesReceived))]
	flags := FrameFlags(m.Type().ack()) | FlagUrgent | FlagNoReply
	m.conn.send(newMessageOut(m.conn, flags, m.number, append([]byte(nil), payload...)))
}

func (m *MessageIn) messageComplete() {
	m.logger().Debug("finished receiving message",
		zap.String("type", m.Type().String()),
		zap.Uint64("msg", uint64(m.number)),
		zap.String("flags", fmt.Sprintf("%02x", uint8(m.flags))))
	if m.future != nil {
		m.future.fulfil(m)
	}
	if m.conn == nil {
		return
	}
	if m.Type() == TypeRequest {
		m.conn.delegate.OnRequestReceived(m)
	} else {
		m.conn.delegate.OnResponseReceived(m)
	}
}

func (m *MessageIn) logger() *zap.Logger {
	if m.conn == nil {
		return zap.NewNop()
	}
	return m.conn.log
}

// Body returns the message body. Valid only after completion.
func (m *MessageIn) Body() []byte { return m.body }

// Property returns the value of a property, or "" if absent. The scan is
// linear over the NUL-delimited block; fine for the handful of properties
// real messages carry.
func (m *MessageIn) Property(name string) string {
	props := m.properties
	for len(props) > 0 {
		key, rest, ok := cutNul(props)
		if !ok {
			break
		}
		val, rest, ok := cutNul(rest)
		if !ok {
			break // missing value; tolerated on lookup
		}
		if detokenize(key) == name {
			return detokenize(val)
		}
		props = rest
	}
	return ""
}

func cutNul(b []byte) (before, after []byte, found bool) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return nil, nil, false
	}
	return b[:i], b[i+1:], true
}

// IntProperty parses a property as base-10; the default is returned when
// the property is absent, empty, or has trailing junk.
func (m *MessageIn) IntProperty(name string, defaultValue int64) int64 {
	v, err := strconv.ParseInt(m.Property(name), 10, 64)
	if err != nil {
		return defaultValue
	}
	return v
}

// Profile returns the Profile property, the conventional request verb.
func (m *MessageIn) Profile() string { return m.Property(PropertyProfile) }

// ContentType returns the Content-Type property, or "" if unset.
func (m *MessageIn) ContentType() string { return m.Property(PropertyContentType) }

// ErrorDomain returns the error domain of an Error message, else "".
func (m *MessageIn) ErrorDomain() string {
	if m.Type() != TypeError {
		return ""
	}
	return m.Property(PropertyErrorDomain)
}

// ErrorCode returns the error code of an Error message, else 0.
func (m *MessageIn) ErrorCode() int64 {
	if m.Type() != TypeError {
		return 0
	}
	return m.IntProperty(PropertyErrorCode, 0)
}

// DecodeBody unmarshals the body into v using the codec registered for
// the message's Content-Type.
func (m *MessageIn) DecodeBody(reg *codec.Registry, v any) error {
	ct := m.ContentType()
	if ct == "" {
		return fmt.Errorf("blip: message has no Content-Type")
	}
	c := reg.Get(ct)
	if c == nil {
		return fmt.Errorf("blip: no codec registered for %q", ct)
	}
	return c.Unmarshal(m.body, v)
}

// Respond sends the built message back as this request's reply, under the
// same message number. Responding to a NoReply request or responding
// twice is a programmer error.
func (m *MessageIn) Respond(b *MessageBuilder) {
	if m.NoReply() {
		panic("blip: request does not expect a reply")
	}
	if m.isResponse() {
		panic("blip: cannot respond to a response")
	}
	if m.responded {
		panic("blip: message already responded to")
	}
	m.responded = true
	if b.Type == TypeRequest {
		b.Type = TypeResponse
	}
	m.conn.send(newMessageOut(m.conn, b.Flags(), m.number, b.ExtractOutput()))
}

// RespondWithError replies with an Error message.
func (m *MessageIn) RespondWithError(domain string, code int64, message string) {
	b := NewResponseBuilder(m)
	b.MakeError(domain, code, message)
	m.Respond(b)
}
