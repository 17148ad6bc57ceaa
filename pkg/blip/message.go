// Package blip implements the BLIP messaging protocol: a binary,
// bidirectional, multiplexed request/response protocol with flow control,
// framed over any reliable byte transport (typically a WebSocket).
package blip

// MessageNo identifies a message within one direction of a connection.
// Numbers are assigned by the sender, start at 1, and correlate a response
// (and its ACKs) with the request that produced it.
type MessageNo uint64

// MessageType occupies the low bits of a frame's flags byte.
type MessageType uint8

const (
	TypeRequest     MessageType = 0 // initiates an exchange
	TypeResponse    MessageType = 1 // reply to a request
	TypeError       MessageType = 2 // failure reply
	TypeAckRequest  MessageType = 4 // flow-control ack of a request
	TypeAckResponse MessageType = 5 // flow-control ack of a response
)

var typeNames = [8]string{"REQ", "RES", "ERR", "?3?", "ACKREQ", "ACKRES", "?6?", "?7?"}

func (t MessageType) String() string { return typeNames[t&7] }

// ack returns the ack type matching this message type's direction.
func (t MessageType) ack() MessageType {
	if t.isResponse() {
		return TypeAckResponse
	}
	return TypeAckRequest
}

func (t MessageType) isResponse() bool { return t == TypeResponse || t == TypeError }
func (t MessageType) isAck() bool      { return t == TypeAckRequest || t == TypeAckResponse }

// FrameFlags is the flags byte carried by every frame.
//
//	bits 0..2  message type
//	bit  3     compressed (reserved; not implemented)
//	bit  4     urgent: scheduler prefers this message's frames
//	bit  5     no-reply: sender expects no response (requests only)
//	bit  6     more-coming: further frames of this message follow
type FrameFlags uint8

const (
	TypeMask       FrameFlags = 0x07
	FlagCompressed FrameFlags = 0x08 // body compressed (reserved)
	FlagUrgent     FrameFlags = 0x10 // prefer this message when scheduling
	FlagNoReply    FrameFlags = 0x20 // no response expected
	FlagMoreComing FrameFlags = 0x40 // more frames follow
)

func (f FrameFlags) messageType() MessageType { return MessageType(f & TypeMask) }
func (f FrameFlags) compressed() bool         { return f&FlagCompressed != 0 }
func (f FrameFlags) urgent() bool             { return f&FlagUrgent != 0 }
func (f FrameFlags) noReply() bool            { return f&FlagNoReply != 0 }
func (f FrameFlags) moreComing() bool         { return f&FlagMoreComing != 0 }

// Property names/values that are encoded as a single byte on the wire
// (the byte is the 1-based table index). CHANGING THIS TABLE BREAKS WIRE
// COMPATIBILITY.
var wellKnownStrings = [...]string{
	"Profile",
	"Error-Code",
	"Error-Domain",

	"Content-Type",
	"application/json",
	"application/octet-stream",
	"text/plain; charset=UTF-8",
	"text/xml",

	"Accept",
	"Cache-Control",
	"must-revalidate",
	"If-Match",
	"If-None-Match",
	"Location",
}

// Well-known property names, exported for callers building messages.
const (
	PropertyProfile      = "Profile"
	PropertyErrorCode    = "Error-Code"
	PropertyErrorDomain  = "Error-Domain"
	PropertyErrorMessage = "Error-Message"
	PropertyContentType  = "Content-Type"
)

// tokenize abbreviates a well-known string as its 1-byte table token.
// Unknown strings are returned unchanged.
func tokenize(s string) string {
	for i, known := range wellKnownStrings {
		if s == known {
			return string([]byte{byte(i + 1)})
		}
	}
	return s
}

// detokenize expands a 1-byte table token back to its string. Any other
// byte sequence is already the literal string.
func detokenize(b []byte) string {
	if len(b) == 1 && b[0] >= 1 && b[0] <= byte(len(wellKnownStrings)) {
		return wellKnownStrings[b[0]-1]
	}
	return string(b)
}

// Message is the state shared by incoming and outgoing messages.
type Message struct {
	flags  FrameFlags
	number MessageNo
}

func (m *Message) Number() MessageNo { return m.number }
func (m *Message) Type() MessageType { return m.flags.messageType() }
func (m *Message) Urgent() bool      { return m.flags.urgent() }
func (m *Message) NoReply() bool     { return m.flags.noReply() }

func (m *Message) isResponse() bool { return m.Type().isResponse() }
