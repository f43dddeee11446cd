// Package wire implements the frame-level primitives the interception
// core needs on top of github.com/gorilla/websocket. Outbound frames
// (data, ping/pong, close — including a close carrying a status code a
// conforming peer would refuse to send) go through gorilla's Conn via
// WriteMessage/WriteControl. Inbound frames are read by a minimal
// reader in this file instead of gorilla's own ReadMessage/NextReader,
// because gorilla's read path validates close codes itself
// (isValidReceivedCloseCode) and auto-replies with a compliant 1002 on
// a violation, discarding the value the peer actually sent. An
// interception proxy's job is to observe the wire as it is, protocol
// violations included, so that decision has to stay out of the read
// path.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Opcode identifies the frame type per RFC 6455 §5.2. The values match
// gorilla/websocket's own message-type constants for the five opcodes
// this package ever constructs, so converting between the two is a
// plain int(opcode) cast.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (o Opcode) IsControl() bool { return o&0x8 != 0 }

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(%d)", byte(o))
	}
}

// Frame is a single, already-defragmented (FIN=1) WebSocket frame. The
// core never emits or consumes fragmented messages — mocked upstreams
// and the front-end deliver whole frames, so fragmentation reassembly is
// not implemented: ReadFrame rejects any frame with FIN=0.
type Frame struct {
	Opcode  Opcode
	Payload []byte
}

// MaxFrameSize bounds a single frame payload to guard against a peer
// sending an unbounded length prefix.
const MaxFrameSize = 64 << 20 // 64MiB

var ErrFrameTooLarge = errors.New("wire: frame payload exceeds MaxFrameSize")

// ReadFrame parses one frame from r. masked indicates whether the frame
// on the wire is expected to carry a masking key (true when reading
// frames sent by a WebSocket client, false when reading frames sent by a
// server).
func ReadFrame(r io.Reader, masked bool) (Frame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}

	fin := hdr[0]&0x80 != 0
	opcode := Opcode(hdr[0] & 0x0F)
	isMasked := hdr[1]&0x80 != 0
	payloadLen := uint64(hdr[1] & 0x7F)

	if isMasked != masked {
		return Frame{}, fmt.Errorf("wire: frame mask bit %v, expected %v", isMasked, masked)
	}

	switch payloadLen {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, err
		}
		payloadLen = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, err
		}
		payloadLen = binary.BigEndian.Uint64(ext[:])
	}
	if payloadLen > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}

	var maskKey [4]byte
	if isMasked {
		if _, err := io.ReadFull(r, maskKey[:]); err != nil {
			return Frame{}, err
		}
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	if isMasked {
		applyMask(payload, maskKey)
	}

	if !fin {
		return Frame{}, fmt.Errorf("wire: fragmented frames are not supported (opcode %s)", opcode)
	}

	return Frame{Opcode: opcode, Payload: payload}, nil
}

func applyMask(data []byte, key [4]byte) {
	for i := range data {
		data[i] ^= key[i%4]
	}
}

// EncodeCloseBody builds a close-frame payload: a 2-byte big-endian
// status code followed by the UTF-8 reason. Passing code 0 yields a
// bare close frame with no payload ("bare close()" in spec terms).
func EncodeCloseBody(code uint16, reason string) []byte {
	if code == 0 {
		return nil
	}
	body := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(body, code)
	copy(body[2:], reason)
	return body
}

// DecodeCloseBody parses a close-frame payload. ok is false for a bare
// close frame (zero-length payload) or a malformed one (single byte).
func DecodeCloseBody(payload []byte) (code uint16, reason string, ok bool) {
	if len(payload) < 2 {
		return 0, "", false
	}
	return binary.BigEndian.Uint16(payload[:2]), string(payload[2:]), true
}

// ValidCloseCode reports whether c is a WebSocket close code that is
// legal to forward verbatim per RFC 6455 §7.4: [1000,1014] minus the
// three reserved-in-practice codes {1004,1005,1006}, plus the
// private-use range [3000,4999]. Codes below 1000 were never allocated
// at all; those are not just "invalid" in this sense, they are caught
// earlier by isUnallocatedCloseCode and never reach this check as a
// decoded close event (see InvalidCloseCodeError).
func ValidCloseCode(c uint16) bool {
	if c >= 1000 && c <= 1014 {
		return c != 1004 && c != 1005 && c != 1006
	}
	return c >= 3000 && c <= 4999
}

// isUnallocatedCloseCode reports whether c falls in the 0-999 range the
// RFC never assigned any meaning to. A peer that sends one of these is
// not sending "a close frame with an unusual code", it is sending bytes
// no WebSocket implementation agreed to interpret — the same class of
// violation a conforming library raises as a protocol error during
// frame decode rather than handing the application a Close event.
func isUnallocatedCloseCode(c uint16) bool { return c < 1000 }

// Close codes referenced by name elsewhere in the package.
const (
	CloseNormal        uint16 = 1000
	CloseGoingAway     uint16 = 1001
	CloseProtocolError uint16 = 1002
	CloseInternalError uint16 = 1011
)

// InvalidCloseCodeError reports that a peer's close frame carried a
// status code in the unallocated 0-999 range. The numeric value is
// preserved on the error instead of being discarded, so a caller like
// the Frame Pipe can resynthesize it on the far side via SendRaw rather
// than collapsing straight to a bare close.
type InvalidCloseCodeError struct {
	Code uint16
}

func (e *InvalidCloseCodeError) Error() string {
	return fmt.Sprintf("wire: invalid close code %d", e.Code)
}
