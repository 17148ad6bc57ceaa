package blip

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"blip/pkg/blip/codec"
)

// The properties-size varint is reserved as a single byte up front; one
// byte covers every properties block shorter than 128 bytes, which is the
// overwhelmingly common case.
const propertiesSizeReserved = 1

// MessageBuilder serializes the properties and body of one outgoing
// message into its wire payload. Zero value is not usable; call
// NewMessageBuilder or NewResponseBuilder.
//
// The flag fields may be set freely until the message is sent. Properties
// must all be added before the first Write; the first body write finalizes
// the properties block.
type MessageBuilder struct {
	Type       MessageType
	Urgent     bool
	Compressed bool
	NoReply    bool

	out               writer
	propertiesSizePos int // -1 once the properties block is finalized
	spent             bool
}

// NewMessageBuilder returns a builder for a non-urgent request that
// expects a reply.
func NewMessageBuilder() *MessageBuilder {
	b := &MessageBuilder{Type: TypeRequest}
	b.propertiesSizePos = b.out.reserveSpace(propertiesSizeReserved)
	return b
}

// NewResponseBuilder returns a builder for a response to an incoming
// request. The request must expect a reply. Urgency is inherited so the
// reply gets the same scheduling priority as the request.
func NewResponseBuilder(inReplyTo *MessageIn) *MessageBuilder {
	if inReplyTo.isResponse() {
		panic("blip: cannot respond to a response")
	}
	if inReplyTo.NoReply() {
		panic("blip: request does not expect a reply")
	}
	b := NewMessageBuilder()
	b.Type = TypeResponse
	b.Urgent = inReplyTo.Urgent()
	return b
}

// Flags returns the frame flags the finished message will carry.
func (b *MessageBuilder) Flags() FrameFlags {
	flags := FrameFlags(b.Type) & TypeMask
	if b.Urgent {
		flags |= FlagUrgent
	}
	if b.Compressed {
		flags |= FlagCompressed
	}
	if b.NoReply {
		flags |= FlagNoReply
	}
	return flags
}

// AddProperty appends one key/value pair to the properties block.
// Keys and values must not contain NUL bytes, and a non-empty string's
// first byte must be printable (>= 32) so it cannot be mistaken for a
// well-known-string token. Violations are programmer errors and panic.
func (b *MessageBuilder) AddProperty(name, value string) *MessageBuilder {
	if b.propertiesSizePos < 0 {
		panic("blip: properties already finalized")
	}
	checkProperty(name)
	checkProperty(value)
	b.out.write([]byte(tokenize(name)))
	b.out.write([]byte{0})
	b.out.write([]byte(tokenize(value)))
	b.out.write([]byte{0})
	return b
}

// AddIntProperty appends a property with a decimal-rendered value.
func (b *MessageBuilder) AddIntProperty(name string, value int64) *MessageBuilder {
	return b.AddProperty(name, strconv.FormatInt(value, 10))
}

func checkProperty(s string) {
	if strings.IndexByte(s, 0) >= 0 {
		panic("blip: property strings cannot contain NUL")
	}
	if len(s) > 0 && s[0] < 32 {
		panic("blip: property strings cannot start with a control character")
	}
}

// MakeError turns the message into an Error reply carrying the given
// domain, code, and optional human-readable message.
func (b *MessageBuilder) MakeError(domain string, code int64, message string) {
	if domain == "" {
		panic("blip: error domain is required")
	}
	b.Type = TypeError
	b.AddProperty(PropertyErrorDomain, domain)
	b.AddIntProperty(PropertyErrorCode, code)
	if message != "" {
		b.AddProperty(PropertyErrorMessage, message)
	}
}

// finishProperties prefixes the properties block with its length.
func (b *MessageBuilder) finishProperties() {
	if b.propertiesSizePos < 0 {
		return
	}
	size := b.out.length() - propertiesSizeReserved
	var buf [binary.MaxVarintLen64]byte
	encoded := buf[:binary.PutUvarint(buf[:], uint64(size))]
	if len(encoded) == propertiesSizeReserved {
		// Common case: the real size byte replaces the placeholder.
		b.out.rewrite(b.propertiesSizePos, encoded)
	} else {
		// The size needs 2+ bytes; rebuild with the varint up front.
		tail := b.out.extractOutput()[propertiesSizeReserved:]
		b.out.reset()
		b.out.write(encoded)
		b.out.write(tail)
	}
	b.propertiesSizePos = -1
}

// Write appends body bytes. The first call finalizes the properties
// block, after which AddProperty panics. Implements io.Writer; the error
// is always nil.
func (b *MessageBuilder) Write(body []byte) (int, error) {
	if b.spent {
		panic("blip: builder already extracted")
	}
	b.finishProperties()
	b.out.write(body)
	return len(body), nil
}

// EncodeBody marshals v with the codec registered for contentType, sets
// the Content-Type property, and writes the result as the message body.
// It must be called before any other body write.
func (b *MessageBuilder) EncodeBody(reg *codec.Registry, contentType string, v any) error {
	c := reg.Get(contentType)
	if c == nil {
		return fmt.Errorf("blip: no codec registered for %q", contentType)
	}
	data, err := c.Marshal(v)
	if err != nil {
		return fmt.Errorf("blip: encode body: %w", err)
	}
	b.AddProperty(PropertyContentType, contentType)
	_, _ = b.Write(data)
	return nil
}

// ExtractOutput finalizes the properties block and yields the complete
// payload. The builder is spent afterwards; Reset makes it reusable.
func (b *MessageBuilder) ExtractOutput() []byte {
	if b.spent {
		panic("blip: builder already extracted")
	}
	b.finishProperties()
	b.spent = true
	return b.out.extractOutput()
}

// Reset discards any partially built payload and reserves a fresh
// properties-size byte. Flag fields are left as set.
func (b *MessageBuilder) Reset() {
	b.out.reset()
	b.propertiesSizePos = b.out.reserveSpace(propertiesSizeReserved)
	b.spent = false
}
