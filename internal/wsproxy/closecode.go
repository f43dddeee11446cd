package wsproxy

import "github.com/mockwire/wsintercept/internal/wsproxy/wire"

// ValidCloseCode reports whether c is a WebSocket close code that is
// legal to forward verbatim per RFC 6455 §7.4. The canonical rule lives
// in wire.ValidCloseCode since the wire layer needs it to classify a
// close frame on read; this re-export keeps call sites in this package
// unqualified.
func ValidCloseCode(c uint16) bool { return wire.ValidCloseCode(c) }

// Close codes referenced by name elsewhere in the package.
const (
	CloseNormal        = wire.CloseNormal
	CloseGoingAway     = wire.CloseGoingAway
	CloseProtocolError = wire.CloseProtocolError
	CloseInternalError = wire.CloseInternalError
)
