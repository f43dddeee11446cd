package wsproxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/mockwire/wsintercept/internal/wsproxy/wire"
)

// Handler is the behavioral strategy a Rule binds to, one of the
// HandlerVariantTag variants.
type Handler interface {
	Tag() HandlerVariantTag
	// Handle mediates one upgrade request. ctx is cancelled when the
	// owning rule or server shuts down.
	Handle(ctx context.Context, session *Session) error
}

// Session bundles everything a Handler needs for one dispatch: the
// ingress boundary plus the completion-recording hook a Rule installs.
type Session struct {
	Request RequestInfo
	Conn    net.Conn
	Head    []byte
	HTTPReq *http.Request

	Acceptor  *Acceptor
	Connector *Connector
	Pipe      *Pipe
	Metrics   SessionMetrics

	Subprotocol string
}

// SessionMetrics is the optional metrics sink a Session reports through.
type SessionMetrics interface {
	PipeMetrics
	SessionOpened(variant HandlerVariantTag)
	SessionFaulted(variant HandlerVariantTag, reason string)
}

type noopSessionMetrics struct{ noopMetrics }

func (noopSessionMetrics) SessionOpened(HandlerVariantTag)         {}
func (noopSessionMetrics) SessionFaulted(HandlerVariantTag, string) {}

// PassthroughHandler dials upstream, completes the downstream
// handshake, and pipes both directions.
type PassthroughHandler struct {
	Options PassthroughOptions
}

func (h *PassthroughHandler) Tag() HandlerVariantTag { return TagPassthrough }

func (h *PassthroughHandler) Handle(ctx context.Context, s *Session) error {
	req := s.Request
	if req.LastHopEncrypted == nil {
		if _, ok := s.Conn.(*tls.Conn); ok {
			encrypted := true
			req.LastHopEncrypted = &encrypted
		}
	}
	targetURL, hostHeader, err := ResolveTarget(req, h.Options)
	if err != nil {
		_ = destroySocket(s.Conn)
		return err
	}
	if h.Options.Forwarding != nil {
		req.RawHeaders = WithHostHeader(req.RawHeaders, hostHeader)
	}

	dial, err := s.Connector.Dial(ctx, targetURL, h.Options, req)
	if err != nil {
		if unexpected, ok := err.(*UnexpectedResponseError); ok {
			mirrorResponse(s.Conn, unexpected)
			return nil
		}
		slog.Debug("wsproxy: upstream dial failed", "target", targetURL, "error", err)
		_ = destroySocket(s.Conn)
		return err
	}

	accepted, err := s.Acceptor.Accept(s.HTTPReq, s.Conn, s.Head, s.Subprotocol)
	if err != nil {
		_ = dial.Endpoint.Close(wire.CloseInternalError, "downstream handshake failed")
		return err
	}

	if s.Metrics != nil {
		s.Metrics.SessionOpened(TagPassthrough)
	}

	pipeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-pipeCtx.Done()
	}()

	s.Pipe.Run(pipeCtx, accepted.Endpoint, dial.Endpoint, "downstream->upstream", "upstream->downstream")
	return nil
}

// EchoHandler completes the handshake, then reflects every frame back
// to the sender. This runs a single read/write
// loop rather than installing a Pipe(endpoint, endpoint) — two Pipe
// directions would both call Next on the same Endpoint concurrently,
// racing the underlying bufio.Reader.
type EchoHandler struct{}

func (h *EchoHandler) Tag() HandlerVariantTag { return TagEcho }

func (h *EchoHandler) Handle(ctx context.Context, s *Session) error {
	accepted, err := s.Acceptor.Accept(s.HTTPReq, s.Conn, s.Head, s.Subprotocol)
	if err != nil {
		return err
	}
	if s.Metrics != nil {
		s.Metrics.SessionOpened(TagEcho)
	}
	for {
		ev := accepted.Endpoint.Next(ctx)
		switch ev.Kind {
		case wire.EventData:
			if err := accepted.Endpoint.WriteMessage(ctx, ev.Binary, ev.Payload); err != nil {
				_ = accepted.Endpoint.Destroy()
				return nil
			}
		case wire.EventPing:
			_ = accepted.Endpoint.WritePong(ctx, ev.Payload)
		case wire.EventClose:
			_ = accepted.Endpoint.Close(0, "")
			return nil
		case wire.EventError:
			_ = accepted.Endpoint.Destroy()
			return nil
		}
	}
}

// ListenHandler accepts frames and silently discards them, never
// responding.
type ListenHandler struct{}

func (h *ListenHandler) Tag() HandlerVariantTag { return TagListen }

func (h *ListenHandler) Handle(ctx context.Context, s *Session) error {
	accepted, err := s.Acceptor.Accept(s.HTTPReq, s.Conn, s.Head, s.Subprotocol)
	if err != nil {
		return err
	}
	if s.Metrics != nil {
		s.Metrics.SessionOpened(TagListen)
	}
	for {
		ev := accepted.Endpoint.Next(ctx)
		switch ev.Kind {
		case wire.EventClose:
			_ = accepted.Endpoint.Destroy()
			return nil
		case wire.EventError:
			_ = accepted.Endpoint.Destroy()
			return nil
		default:
			// Data and control frames alike are discarded. This is not
			// backpressure-aware; that is accepted behavior, not a defect.
		}
	}
}

// RejectHandler writes a raw HTTP response and closes, with no
// WebSocket handshake attempted at all.
type RejectHandler struct {
	Options RejectOptions
}

func (h *RejectHandler) Tag() HandlerVariantTag { return TagReject }

func (h *RejectHandler) Handle(_ context.Context, s *Session) error {
	writeRawResponse(s.Conn, h.Options.StatusCode, h.Options.StatusMessage, h.Options.Headers, []byte(h.Options.Body))
	return destroySocket(s.Conn)
}

// CloseConnectionHandler and friends are the transport-level faults
// shared with the HTTP core's own fault injection.
type CloseConnectionHandler struct{}

func (h *CloseConnectionHandler) Tag() HandlerVariantTag { return TagCloseConn }

func (h *CloseConnectionHandler) Handle(_ context.Context, s *Session) error {
	return destroySocket(s.Conn)
}

type ResetConnectionHandler struct{}

func (h *ResetConnectionHandler) Tag() HandlerVariantTag { return TagResetConn }

func (h *ResetConnectionHandler) Handle(_ context.Context, s *Session) error {
	if tc, ok := s.Conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	return destroySocket(s.Conn)
}

// TimeoutHandler retains the socket open indefinitely without writing
// any response. It returns only when ctx is done (server shutdown), at
// which point the socket is destroyed.
type TimeoutHandler struct{}

func (h *TimeoutHandler) Tag() HandlerVariantTag { return TagTimeout }

func (h *TimeoutHandler) Handle(ctx context.Context, s *Session) error {
	<-ctx.Done()
	return destroySocket(s.Conn)
}

func destroySocket(conn net.Conn) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// writeRawResponse writes a raw HTTP/1.1 response: status line, headers
// in order, blank line, body, trailing CRLF.
func writeRawResponse(w io.Writer, code int, message string, headers []HeaderField, body []byte) {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", code, message)
	for _, h := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	b.WriteString("\r\n")
	_, _ = io.WriteString(w, b.String())
	if len(body) > 0 {
		_, _ = w.Write(body)
	}
	_, _ = io.WriteString(w, "\r\n")
}

// mirrorResponse replays an upstream's non-101 HTTP response verbatim to
// the downstream socket, using the same raw format (and trailing CRLF)
// as the reject handler.
func mirrorResponse(w io.Writer, resp *UnexpectedResponseError) {
	_, _ = io.WriteString(w, resp.StatusLine+"\r\n")
	for _, h := range resp.Headers {
		fmt.Fprintf(w, "%s: %s\r\n", h.Name, h.Value)
	}
	_, _ = io.WriteString(w, "\r\n")
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
	_, _ = io.WriteString(w, "\r\n")
	_ = destroySocket(castCloser(w))
}

func castCloser(w io.Writer) net.Conn {
	if c, ok := w.(net.Conn); ok {
		return c
	}
	return nil
}
