package wire

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Role distinguishes which side of the handshake an Endpoint played,
// since RFC 6455 masking is direction-dependent: clients mask outbound
// frames, servers never do.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// State models the event-emitter lifecycle as an explicit state machine
// instead of implicit event names.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateRejected
	StateErrored
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateRejected:
		return "rejected"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind discriminates the variants an Endpoint can report from Next.
type EventKind int

const (
	EventData EventKind = iota
	EventPing
	EventPong
	EventClose
	EventError
)

// Event is one frame-level occurrence surfaced by Endpoint.Next.
type Event struct {
	Kind        EventKind
	Binary      bool
	Payload     []byte
	CloseCode   uint16
	CloseReason string
	// HasCloseCode is false for a bare close frame (no status payload).
	HasCloseCode bool
	Err          error
}

// wireBufferSize sizes gorilla's internal write buffer. It's the same
// default gorilla's own Upgrader uses, which this package has no reason
// to deviate from since it only ever writes one small control or data
// frame at a time.
const wireBufferSize = 4096

// controlWriteTimeout bounds a control-frame write when the caller's
// context carries no deadline, so a stalled peer can't wedge a writer
// goroutine forever on a ping/pong/close.
const controlWriteTimeout = 10 * time.Second

// Endpoint wraps a raw net.Conn post-handshake, providing the frame-level
// primitives the Frame Pipe needs: ordinary message read/write, control
// frame forwarding, and SendRaw — a low-level "send raw control frame"
// primitive that avoids reaching into a library's private sender state.
//
// Reads go through this package's own frame reader (frame.go) directly
// against conn; writes go through a gorilla/websocket Conn wrapping the
// same conn, used exclusively for WriteMessage/WriteControl/
// SetWriteDeadline. gw never has its Read-side methods called, so it
// never touches bytes belonging to the read path.
type Endpoint struct {
	conn net.Conn
	role Role
	br   *bufio.Reader
	gw   *websocket.Conn

	writeMu sync.Mutex
	state   atomic.Int32

	closeOnce sync.Once
}

// NewEndpoint wraps conn, consuming any bytes already buffered in head
// (the HTTP front-end's over-read, carried forward as a "head buffer")
// as the first bytes of the frame stream.
func NewEndpoint(conn net.Conn, role Role, head []byte) *Endpoint {
	e := &Endpoint{conn: conn, role: role}
	e.state.Store(int32(StateConnecting))
	br := bufio.NewReader(conn)
	if len(head) > 0 {
		// Prepend the head buffer by wrapping conn's reader with a
		// multi-reader-backed bufio.Reader so ReadFrame sees head
		// bytes first, then the live socket.
		br = bufio.NewReader(&prefixedReader{prefix: head, r: conn})
	}
	e.br = br
	e.gw = websocket.NewConn(conn, role == RoleServer, wireBufferSize, wireBufferSize)
	return e
}

type prefixedReader struct {
	prefix []byte
	r      net.Conn
}

func (p *prefixedReader) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.r.Read(b)
}

// MarkOpen transitions connecting -> open. Frame Pipes are installed only
// after this transition
func (e *Endpoint) MarkOpen() { e.state.Store(int32(StateOpen)) }

// MarkRejected transitions connecting -> rejected (e.g. upstream replied
// with a non-101 HTTP response).
func (e *Endpoint) MarkRejected() { e.state.Store(int32(StateRejected)) }

func (e *Endpoint) State() State { return State(e.state.Load()) }

func (e *Endpoint) IsOpen() bool { return e.State() == StateOpen }

// Next blocks for the next frame-level event. Control frames other than
// close are folded into EventPing/EventPong so callers don't need to
// special-case RSV framing; close is surfaced distinctly so the caller
// can apply the close-code forwarding rule. A close frame carrying a
// code in the unallocated 0-999 range is surfaced as EventError instead
// of EventClose — see InvalidCloseCodeError.
func (e *Endpoint) Next(ctx context.Context) Event {
	type result struct {
		f   Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := ReadFrame(e.br, e.role == RoleServer)
		ch <- result{f, err}
	}()

	select {
	case <-ctx.Done():
		return Event{Kind: EventError, Err: ctx.Err()}
	case res := <-ch:
		if res.err != nil {
			e.state.Store(int32(StateErrored))
			return Event{Kind: EventError, Err: res.err}
		}
		return e.toEvent(res.f)
	}
}

func (e *Endpoint) toEvent(f Frame) Event {
	switch f.Opcode {
	case OpText:
		return Event{Kind: EventData, Binary: false, Payload: f.Payload}
	case OpBinary:
		return Event{Kind: EventData, Binary: true, Payload: f.Payload}
	case OpPing:
		return Event{Kind: EventPing, Payload: f.Payload}
	case OpPong:
		return Event{Kind: EventPong, Payload: f.Payload}
	case OpClose:
		return e.toCloseEvent(f.Payload)
	default:
		return Event{Kind: EventError, Err: fmt.Errorf("wire: unexpected opcode %s", f.Opcode)}
	}
}

func (e *Endpoint) toCloseEvent(payload []byte) Event {
	if len(payload) == 0 {
		e.state.Store(int32(StateClosed))
		return Event{Kind: EventClose}
	}
	if len(payload) == 1 {
		e.state.Store(int32(StateErrored))
		return Event{Kind: EventError, Err: fmt.Errorf("wire: truncated close status (1 byte)")}
	}
	code, reason, _ := DecodeCloseBody(payload)
	if isUnallocatedCloseCode(code) {
		e.state.Store(int32(StateErrored))
		return Event{Kind: EventError, Err: &InvalidCloseCodeError{Code: code}}
	}
	e.state.Store(int32(StateClosed))
	return Event{Kind: EventClose, CloseCode: code, CloseReason: reason, HasCloseCode: true}
}

// WriteMessage sends a text or binary data frame.
func (e *Endpoint) WriteMessage(ctx context.Context, binary bool, payload []byte) error {
	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}
	return e.writeData(ctx, messageType, payload)
}

// WritePing/WritePong forward a control frame's payload verbatim.
func (e *Endpoint) WritePing(ctx context.Context, payload []byte) error {
	return e.writeControl(ctx, websocket.PingMessage, payload)
}

func (e *Endpoint) WritePong(ctx context.Context, payload []byte) error {
	return e.writeControl(ctx, websocket.PongMessage, payload)
}

// SendRaw is the low-level primitive: it writes a frame with whatever
// opcode and payload the caller supplies, bypassing any higher-level
// validation. The Frame Pipe uses it to synthesize a close frame
// carrying a status code a conforming client wouldn't let you build
// through WriteMessage — gorilla's own WriteControl places no
// restriction on the status code it's handed, only on payload length.
func (e *Endpoint) SendRaw(opcode Opcode, payload []byte) error {
	if opcode.IsControl() {
		return e.writeControl(context.Background(), int(opcode), payload)
	}
	return e.writeData(context.Background(), int(opcode), payload)
}

func (e *Endpoint) writeData(ctx context.Context, messageType int, payload []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = e.gw.SetWriteDeadline(dl)
		defer e.gw.SetWriteDeadline(time.Time{})
	}
	return e.gw.WriteMessage(messageType, payload)
}

func (e *Endpoint) writeControl(ctx context.Context, messageType int, payload []byte) error {
	deadline := time.Now().Add(controlWriteTimeout)
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.gw.WriteControl(messageType, payload, deadline)
}

// Close sends a close frame (code 0 means bare close, no status payload)
// and then hard-closes the socket. It does not wait for the peer's close
// frame in return — the core's sessions are torn down eagerly.
func (e *Endpoint) Close(code uint16, reason string) error {
	err := e.writeControl(context.Background(), websocket.CloseMessage, EncodeCloseBody(code, reason))
	e.closeOnce.Do(func() {
		e.state.Store(int32(StateClosed))
		_ = e.conn.Close()
	})
	return err
}

// Destroy hard-closes the underlying socket without sending any frame —
// used for protocol violations and transport faults.
func (e *Endpoint) Destroy() error {
	e.closeOnce.Do(func() {
		e.state.Store(int32(StateClosed))
		_ = e.conn.Close()
	})
	return nil
}

// DestroyWithReset forces an RST on close by setting SO_LINGER(0) on the
// underlying TCP connection before closing it, when the conn exposes
// that control (net.TCPConn does via stdlib; no raw syscall needed).
func (e *Endpoint) DestroyWithReset() error {
	if tc, ok := e.conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	return e.Destroy()
}

// Conn exposes the underlying connection for callers that need to wrap
// it (e.g. to check local/remote addresses or re-enable deadlines).
func (e *Endpoint) Conn() net.Conn { return e.conn }
