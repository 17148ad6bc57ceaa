package blip

import (
	"encoding/binary"
	"math"
)

// Frame layout inside one transport message:
//
//	0      flags byte (type + Compressed/Urgent/NoReply/MoreComing)
//	1..    message number, unsigned varint
//	...    payload bytes (a contiguous slice of the message's payload stream)
//
// The transport delimits frames; BLIP never length-prefixes them itself.

// readUVarint32 decodes an unsigned varint from the front of b. It returns
// the value, the number of bytes consumed, and false if the encoding is
// malformed, truncated, or wider than 32 bits.
func readUVarint32(b []byte) (uint32, int, bool) {
	v, n := binary.Uvarint(b)
	if n <= 0 || v > math.MaxUint32 {
		return 0, 0, false
	}
	return uint32(v), n, true
}

// appendFrameHeader appends the flags byte and message-number varint to dst.
func appendFrameHeader(dst []byte, flags FrameFlags, number MessageNo) []byte {
	dst = append(dst, byte(flags))
	return binary.AppendUvarint(dst, uint64(number))
}

// parseFrameHeader splits a received frame into its flags, message number,
// and payload.
func parseFrameHeader(frame []byte) (FrameFlags, MessageNo, []byte, error) {
	if len(frame) == 0 {
		return 0, 0, nil, &ProtocolError{Reason: "empty frame"}
	}
	flags := FrameFlags(frame[0])
	number, n := binary.Uvarint(frame[1:])
	if n <= 0 {
		return 0, 0, nil, &ProtocolError{Reason: "malformed message number"}
	}
	if number == 0 {
		return 0, 0, nil, &ProtocolError{Reason: "message number must be positive"}
	}
	return flags, MessageNo(number), frame[1+n:], nil
}
