// Package frontend is the thin HTTP ingress the wsproxy core expects
// upstream of it: it recognizes an Upgrade: websocket request, hijacks
// the raw socket, and hands the (request, socket, head) triple to the
// rule engine. Everything past that point — handshake completion, frame
// relay, handler dispatch — belongs to internal/wsproxy.
package frontend

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/mockwire/wsintercept/internal/security"
	"github.com/mockwire/wsintercept/internal/wsproxy"
)

// Server adapts incoming HTTP requests into wsproxy Sessions dispatched
// against a RuleSet.
type Server struct {
	Rules       *wsproxy.RuleSet
	Acceptor    *wsproxy.Acceptor
	Connector   *wsproxy.Connector
	Pipe        *wsproxy.Pipe
	Metrics     wsproxy.SessionMetrics
	RateLimiter *security.RateLimiter

	// ShutdownCtx is cancelled when the server begins draining; handlers
	// that block indefinitely (TimeoutHandler) use it to return.
	ShutdownCtx context.Context
}

// ServeHTTP implements http.Handler. Non-upgrade requests receive 404,
// since this front-end exists solely to route WebSocket traffic into
// the interception core.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isUpgradeRequest(r) {
		http.NotFound(w, r)
		return
	}

	if s.RateLimiter != nil {
		ip := security.ExtractClientIP(r.RemoteAddr)
		if !s.RateLimiter.Allow(ip) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	info := requestInfoFromHTTP(r)

	rule := s.Rules.Dispatch(info)
	if rule == nil {
		http.Error(w, "no rule matched", http.StatusNotFound)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	conn, rw, err := hijacker.Hijack()
	if err != nil {
		slog.Error("hijack failed", "error", err)
		return
	}

	var head []byte
	if n := rw.Reader.Buffered(); n > 0 {
		head, _ = rw.Reader.Peek(n)
	}

	session := &wsproxy.Session{
		Request:   info,
		Conn:      conn,
		Head:      head,
		HTTPReq:   r,
		Acceptor:  s.Acceptor,
		Connector: s.Connector,
		Pipe:      s.Pipe,
		Metrics:   s.Metrics,
	}

	ctx := s.ShutdownCtx
	if ctx == nil {
		ctx = context.Background()
	}

	go s.dispatch(ctx, rule, session)
}

func (s *Server) dispatch(ctx context.Context, rule *wsproxy.Rule, session *wsproxy.Session) {
	variant := rule.Handler.Tag()
	if s.Metrics != nil {
		s.Metrics.SessionOpened(variant)
	}

	if err := rule.Handle(ctx, session); err != nil {
		if s.Metrics != nil {
			s.Metrics.SessionFaulted(variant, err.Error())
		}
		slog.Debug("session ended with error", "rule", rule.ID, "handler", variant, "error", err)
	}
}

func isUpgradeRequest(r *http.Request) bool {
	return containsToken(r.Header.Get("Connection"), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func containsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

func requestInfoFromHTTP(r *http.Request) wsproxy.RequestInfo {
	headers := make([]wsproxy.HeaderField, 0, len(r.Header)+1)
	headers = append(headers, wsproxy.HeaderField{Name: "Host", Value: r.Host})
	for name, values := range r.Header {
		for _, v := range values {
			headers = append(headers, wsproxy.HeaderField{Name: name, Value: v})
		}
	}

	remoteIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remoteIP = host
	}

	url := r.URL.String()
	if !strings.HasPrefix(url, "http") {
		scheme := "ws"
		if r.TLS != nil {
			scheme = "wss"
		}
		url = scheme + "://" + r.Host + r.URL.RequestURI()
	}

	return wsproxy.RequestInfo{
		Method:          r.Method,
		URL:             url,
		RawHeaders:      headers,
		HTTPVersion:     r.Proto,
		RemoteIPAddress: remoteIP,
	}
}
