package wsproxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mockwire/wsintercept/internal/wsproxy/resolver"
	"github.com/mockwire/wsintercept/internal/wsproxy/trust"
	"github.com/mockwire/wsintercept/internal/wsproxy/wire"
)

// Headers matching hopByHopPrefixes or hopByHopExact are stripped from
// the outbound request — the
// handshake code synthesizes correct values itself.
var hopByHopPrefixes = []string{"sec-websocket-"}
var hopByHopExact = map[string]struct{}{
	"connection": {},
	"upgrade":    {},
}

func isHopByHop(name string) bool {
	lower := strings.ToLower(name)
	if _, ok := hopByHopExact[lower]; ok {
		return true
	}
	for _, p := range hopByHopPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// UnexpectedResponseError carries the upstream's raw HTTP response when
// the dial fails because the server answered with something other than
// 101 Switching Protocols.
type UnexpectedResponseError struct {
	StatusLine string
	Headers    []HeaderField
	Body       []byte
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("wsproxy: upstream replied %s instead of 101", e.StatusLine)
}

// Connector dials upstream WebSocket endpoints, owning the per-handler
// memoized trust bundle and DNS resolver registry shared across dials
// from the same handler instance.
type Connector struct {
	trustOnce sync.Once
	trustErr  error
	bundle    *trust.Bundle

	resolvers *resolver.Registry
}

// NewConnector creates a Connector scoped to one handler instance. The
// trust bundle and resolver are memoized on this instance, not shared
// globally, matching "at most once per handler instance".
func NewConnector() *Connector {
	return &Connector{resolvers: resolver.NewRegistry()}
}

// DialResult is the successful outcome of Dial.
type DialResult struct {
	Endpoint *wire.Endpoint
	// TargetURL is the final ws(s):// URL actually dialed, after
	// forwarding/transparent-proxy/localhost rewrites.
	TargetURL string
}

// Dial parses the target, computes strictTLS, assembles trust roots,
// resolves the proxy, resolves DNS, prepares headers, disables HTTP/2
// and keep-alive, and opens the connection.
func (c *Connector) Dial(ctx context.Context, targetURL string, opts PassthroughOptions, req RequestInfo) (*DialResult, error) {
	ctx, span := tracer.Start(ctx, "connector.dial", trace.WithAttributes(attribute.String("target.url", targetURL)))
	defer span.End()

	u, err := url.Parse(targetURL)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("wsproxy: invalid upstream URL %q: %w", targetURL, err)
	}

	host, port := splitHostPort(u)
	strictTLS := u.Scheme == "wss" && !opts.IgnoreHostHTTPSErrors.Matches(host)

	var tlsConfig *tls.Config
	if u.Scheme == "wss" {
		c.ensureBundle(opts)
		if c.trustErr != nil {
			return nil, c.trustErr
		}
		pool, trustErr := c.bundle.Pool()
		if trustErr != nil {
			return nil, trustErr
		}
		tlsConfig = &tls.Config{
			RootCAs:            pool,
			ServerName:         host,
			InsecureSkipVerify: !strictTLS,
		}
		if cert, ok := opts.ClientCertificateHostMap[host]; ok {
			pair, certErr := tls.X509KeyPair(cert.PFX, cert.PFX)
			if certErr == nil {
				tlsConfig.Certificates = []tls.Certificate{pair}
			}
		}
	}

	proxySetting, err := opts.ProxyConfig.Resolve(net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("wsproxy: resolving proxy config: %w", err)
	}

	dialHost := host
	if opts.LookupOptions != nil {
		res := c.resolvers.Get(lookupKey(*opts.LookupOptions), resolver.Options{
			MaxTTL:   opts.LookupOptions.MaxTTL,
			ErrorTTL: opts.LookupOptions.ErrorTTL,
			Servers:  opts.LookupOptions.Servers,
		})
		addrs, lookupErr := res.Lookup(ctx, host)
		if lookupErr != nil {
			return nil, fmt.Errorf("wsproxy: resolving %q: %w", host, lookupErr)
		}
		if len(addrs) > 0 {
			dialHost = addrs[0]
		}
	}

	headers := buildOutboundHeaders(req.RawHeaders)

	rawConn, err := dialRaw(ctx, net.JoinHostPort(dialHost, port), proxySetting, u.Scheme == "wss", tlsConfig, host)
	if err != nil {
		return nil, err
	}

	endpoint, unexpected, err := clientHandshake(ctx, rawConn, u, headers)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	if unexpected != nil {
		_ = rawConn.Close()
		return nil, unexpected
	}

	endpoint.MarkOpen()
	return &DialResult{Endpoint: endpoint, TargetURL: u.String()}, nil
}

// ensureBundle memoizes the trust bundle for this Connector instance on
// first use.
func (c *Connector) ensureBundle(opts PassthroughOptions) {
	c.trustOnce.Do(func() {
		sources := make([]trust.Source, 0, len(opts.TrustAdditionalCAs))
		for _, ca := range opts.TrustAdditionalCAs {
			sources = append(sources, trust.Source{Cert: ca.Cert, CertPath: ca.CertPath})
		}
		c.bundle = trust.NewBundle(sources)
		_, c.trustErr = c.bundle.Pool()
	})
}

func lookupKey(o LookupOptions) string {
	return fmt.Sprintf("%s|%s|%s", o.MaxTTL, o.ErrorTTL, strings.Join(o.Servers, ","))
}

func splitHostPort(u *url.URL) (host, port string) {
	host = u.Hostname()
	port = u.Port()
	if port == "" {
		if u.Scheme == "wss" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return host, port
}

func buildOutboundHeaders(raw []HeaderField) []HeaderField {
	out := make([]HeaderField, 0, len(raw))
	for _, h := range raw {
		if isHopByHop(h.Name) {
			continue
		}
		out = append(out, h)
	}
	return out
}

// dialRaw opens the underlying TCP (optionally TLS, optionally via an
// HTTP CONNECT proxy) connection a WebSocket handshake will run over.
func dialRaw(ctx context.Context, addr string, proxy *ProxySetting, useTLS bool, tlsConfig *tls.Config, sniHost string) (net.Conn, error) {
	var d net.Dialer

	var conn net.Conn
	var err error
	if proxy != nil && proxy.ProxyURL != "" {
		conn, err = dialViaConnectProxy(ctx, &d, proxy.ProxyURL, addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("wsproxy: dial %q: %w", addr, err)
	}

	if useTLS {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("wsproxy: tls handshake with %q: %w", sniHost, err)
		}
		return tlsConn, nil
	}
	return conn, nil
}

// dialViaConnectProxy establishes addr as a tunnel through an upstream
// HTTP proxy using CONNECT step 4.
func dialViaConnectProxy(ctx context.Context, d *net.Dialer, proxyURL, addr string) (net.Conn, error) {
	pu, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("wsproxy: invalid proxy URL %q: %w", proxyURL, err)
	}
	conn, err := d.DialContext(ctx, "tcp", pu.Host)
	if err != nil {
		return nil, fmt.Errorf("wsproxy: dial proxy %q: %w", pu.Host, err)
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if pu.User != nil {
		connectReq.Header.Set("Proxy-Authorization", basicAuth(pu.User))
	}
	if err := connectReq.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("wsproxy: writing CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("wsproxy: reading CONNECT response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("wsproxy: proxy CONNECT failed: %s", resp.Status)
	}
	return conn, nil
}

func basicAuth(u *url.Userinfo) string {
	pass, _ := u.Password()
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(u.Username()+":"+pass))
}

// clientHandshake performs the client side of the RFC 6455 handshake
// over an already-dialed connection, producing a wire.Endpoint on
// success or an *UnexpectedResponseError when the server answers with
// anything other than 101.
func clientHandshake(ctx context.Context, conn net.Conn, target *url.URL, headers []HeaderField) (*wire.Endpoint, *UnexpectedResponseError, error) {
	key, err := wire.GenerateClientKey()
	if err != nil {
		return nil, nil, err
	}

	var reqBuf bytes.Buffer
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	if target.RawQuery != "" {
		path += "?" + target.RawQuery
	}
	fmt.Fprintf(&reqBuf, "GET %s HTTP/1.1\r\n", path)
	if headerFieldValue(headers, "Host") == "" {
		fmt.Fprintf(&reqBuf, "Host: %s\r\n", target.Host)
	}
	reqBuf.WriteString("Upgrade: websocket\r\n")
	reqBuf.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&reqBuf, "Sec-WebSocket-Key: %s\r\n", key)
	reqBuf.WriteString("Sec-WebSocket-Version: 13\r\n")
	for _, h := range headers {
		fmt.Fprintf(&reqBuf, "%s: %s\r\n", h.Name, h.Value)
	}
	reqBuf.WriteString("\r\n")

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
		defer conn.SetDeadline(time.Time{})
	}

	if _, err := conn.Write(reqBuf.Bytes()); err != nil {
		return nil, nil, fmt.Errorf("wsproxy: writing handshake request: %w", err)
	}

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		return nil, nil, fmt.Errorf("wsproxy: reading handshake response: %w", err)
	}
	statusLine = strings.TrimRight(statusLine, "\r\n")

	respHeaders, err := readMIMEHeaders(br)
	if err != nil {
		return nil, nil, fmt.Errorf("wsproxy: reading handshake headers: %w", err)
	}

	if !strings.Contains(statusLine, "101") {
		body, _ := io.ReadAll(br)
		return nil, &UnexpectedResponseError{StatusLine: statusLine, Headers: respHeaders, Body: body}, nil
	}

	expectedAccept := wire.ComputeAccept(key)
	if headerFieldValue(respHeaders, "Sec-WebSocket-Accept") != expectedAccept {
		return nil, nil, fmt.Errorf("wsproxy: Sec-WebSocket-Accept mismatch")
	}

	// Any bytes buffered in br past the header terminator belong to the
	// frame stream and must be replayed, mirroring the head-buffer
	// handling the Upgrade Acceptor performs for downstream.
	var head []byte
	if n := br.Buffered(); n > 0 {
		head, _ = br.Peek(n)
		head = append([]byte(nil), head...)
	}

	return wire.NewEndpoint(conn, wire.RoleClient, head), nil, nil
}

func readMIMEHeaders(br *bufio.Reader) ([]HeaderField, error) {
	var out []HeaderField
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return out, nil
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		out = append(out, HeaderField{Name: strings.TrimSpace(line[:idx]), Value: strings.TrimSpace(line[idx+1:])})
	}
}

func headerFieldValue(fields []HeaderField, name string) string {
	for _, f := range fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

