package wsproxy

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mockwire/wsintercept/internal/wsproxy/wire"
)

// Pipe relays WebSocket frames between two established endpoints,
// installed symmetrically in both directions
type Pipe struct {
	metrics PipeMetrics
}

// PipeMetrics is the minimal hook the Frame Pipe reports through;
// internal/metrics.Metrics satisfies it in production, nil is fine in
// tests (see NewPipe).
type PipeMetrics interface {
	FrameForwarded(direction string)
	FrameDropped(direction string)
	CloseForwarded(valid bool)
}

type noopMetrics struct{}

func (noopMetrics) FrameForwarded(string) {}
func (noopMetrics) FrameDropped(string)   {}
func (noopMetrics) CloseForwarded(bool)   {}

// NewPipe constructs a Pipe. A nil metrics sink is replaced with a no-op.
func NewPipe(metrics PipeMetrics) *Pipe {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Pipe{metrics: metrics}
}

// Run installs the pipe in both directions and blocks until both
// directions have terminated. direction labels are used only for
// logging/metrics ("a->b" conventionally for downstream->upstream).
func (p *Pipe) Run(ctx context.Context, a, b *wire.Endpoint, labelAB, labelBA string) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); p.forward(ctx, a, b, labelAB) }()
	go func() { defer wg.Done(); p.forward(ctx, b, a, labelBA) }()
	wg.Wait()
}

// forward reads events from src and relays them to dst until src's
// stream ends or a terminal error/close occurs. This is one direction of
// the symmetric installation set up for both sides of a session.
func (p *Pipe) forward(ctx context.Context, src, dst *wire.Endpoint, direction string) {
	for {
		ev := src.Next(ctx)
		switch ev.Kind {
		case wire.EventData:
			p.forwardData(ctx, src, dst, ev, direction)
		case wire.EventPing:
			p.forwardControl(ctx, dst, wire.OpPing, ev.Payload, src, direction)
		case wire.EventPong:
			p.forwardControl(ctx, dst, wire.OpPong, ev.Payload, src, direction)
		case wire.EventClose:
			p.forwardClose(src, dst, ev)
			return
		case wire.EventError:
			p.handleTransportError(src, dst, ev.Err, direction)
			return
		}
	}
}

// forwardData relays a single data frame, preserving the binary/text
// discriminator, but only if dst is OPEN — otherwise it is silently
// dropped
func (p *Pipe) forwardData(ctx context.Context, src, dst *wire.Endpoint, ev wire.Event, direction string) {
	if !dst.IsOpen() {
		p.metrics.FrameDropped(direction)
		return
	}
	if err := dst.WriteMessage(ctx, ev.Binary, ev.Payload); err != nil {
		slog.Debug("wsproxy: forward failed, closing inbound side", "direction", direction, "error", err)
		_ = src.Destroy()
		return
	}
	p.metrics.FrameForwarded(direction)
}

// forwardControl relays a ping/pong using the matching operation when
// dst is OPEN On write failure the inbound side
// (src) is closed and the error logged; the outbound side's own error
// handler observes the consequence independently.
func (p *Pipe) forwardControl(ctx context.Context, dst *wire.Endpoint, op wire.Opcode, payload []byte, src *wire.Endpoint, direction string) {
	if !dst.IsOpen() {
		return
	}
	var err error
	switch op {
	case wire.OpPing:
		err = dst.WritePing(ctx, payload)
	case wire.OpPong:
		err = dst.WritePong(ctx, payload)
	}
	if err != nil {
		slog.Debug("wsproxy: control frame forward failed", "direction", direction, "error", err)
		_ = src.Destroy()
	}
}

// forwardClose implements the close-code forwarding rule for codes the
// wire layer was able to decode as a genuine close event: a valid code
// is forwarded verbatim (falling back to a bare close if that write
// itself fails); a reserved or out-of-range code that is still >= 1000
// (1004/1005/1006, or anything past 4999) is rewritten to a bare close.
// Codes below 1000 never reach this function — they arrive as
// EventError and go through handleTransportError instead.
func (p *Pipe) forwardClose(src, dst *wire.Endpoint, ev wire.Event) {
	_ = src.Destroy()

	if ev.HasCloseCode && ValidCloseCode(ev.CloseCode) {
		if err := dst.Close(ev.CloseCode, ev.CloseReason); err != nil {
			_ = dst.Close(0, "")
		}
		p.metrics.CloseForwarded(true)
		return
	}
	_ = dst.Close(0, "")
	p.metrics.CloseForwarded(false)
}

// handleTransportError implements "peer protocol violation with an
// invalid close code" and generic transport-error handling: src is
// always closed. A close frame carrying a status code in the
// unallocated 0-999 range surfaces from the wire layer as an
// *wire.InvalidCloseCodeError rather than a decoded EventClose (see
// wire.Endpoint.toCloseEvent) precisely so this branch can recover the
// code; when it does, dst receives a synthesized close frame carrying
// that exact code via the SendRaw primitive, then dst's socket is hard
// destroyed. Any other transport error destroys dst with no frame at
// all.
func (p *Pipe) handleTransportError(src, dst *wire.Endpoint, err error, direction string) {
	_ = src.Destroy()
	slog.Debug("wsproxy: transport error on inbound side", "direction", direction, "error", err)

	if code, ok := extractInvalidCloseCode(err); ok {
		_ = dst.SendRaw(wire.OpClose, wire.EncodeCloseBody(code, ""))
	}
	_ = dst.Destroy()
}

// extractInvalidCloseCode recovers the numeric status code from a
// *wire.InvalidCloseCodeError, if err is or wraps one.
func extractInvalidCloseCode(err error) (uint16, bool) {
	var invalid *wire.InvalidCloseCodeError
	if errors.As(err, &invalid) {
		return invalid.Code, true
	}
	return 0, false
}
