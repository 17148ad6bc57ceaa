package blip

import "errors"

// ErrConnectionClosed is the failure delivered to pending futures and
// rejected sends after the connection shuts down.
var ErrConnectionClosed = errors.New("blip: connection closed")

// ProtocolError reports a malformed frame or message from the peer. It is
// never sent back as an Error message; the connection closes instead.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "blip: protocol error: " + e.Reason }
