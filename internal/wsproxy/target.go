package wsproxy

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ResolveTarget computes the final upstream URL and the (possibly
// rewritten) Host/:authority header value, applying — in order — the
// transparent-proxy derivation, the forwarding rewrite, and the
// loopback substitution.
func ResolveTarget(req RequestInfo, opts PassthroughOptions) (targetURL string, hostHeader string, err error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", "", fmt.Errorf("wsproxy: invalid request URL %q: %w", req.URL, err)
	}

	originalHost := req.Header("Host")

	if u.Hostname() == "" {
		// Transparent proxy: the request URL carries no hostname: derive
		// it from the Host header, and derive ws:/wss: from the last TLS
		// hop as recorded in req.LastHopEncrypted (nil counts as
		// unencrypted here; PassthroughHandler fills it from the socket's
		// TLS state when the front-end left it unset).
		host := originalHost
		if host == "" {
			return "", "", fmt.Errorf("wsproxy: transparent proxy request has no Host header")
		}
		hostname, port, splitErr := net.SplitHostPort(host)
		if splitErr != nil {
			hostname, port = host, ""
		}
		scheme := "ws"
		encrypted := false
		if req.LastHopEncrypted != nil {
			encrypted = *req.LastHopEncrypted
		}
		if encrypted {
			scheme = "wss"
		}
		u.Scheme = scheme
		u.Host = hostname
		if port != "" {
			u.Host = net.JoinHostPort(hostname, port)
		}
	}

	if opts.Forwarding != nil {
		if err := applyForwarding(u, *opts.Forwarding); err != nil {
			return "", "", err
		}
	}

	hostHeader = computeHostHeader(u, originalHost, opts.Forwarding)

	// Localhost rewrite: if we're about to dial a loopback address but
	// the client connected from somewhere else, redirect to the client's
	// own remote address instead — Host is left untouched.
	if isLoopbackHost(u.Hostname()) && req.RemoteIPAddress != "" && !isLoopbackHost(req.RemoteIPAddress) {
		u.Host = net.JoinHostPort(req.RemoteIPAddress, u.Port())
		if u.Port() == "" {
			u.Host = req.RemoteIPAddress
		}
	}

	return u.String(), hostHeader, nil
}

func applyForwarding(u *url.URL, fwd ForwardingOptions) error {
	if !strings.Contains(fwd.TargetHost, "/") {
		host, port, splitErr := net.SplitHostPort(fwd.TargetHost)
		if splitErr != nil {
			host, port = fwd.TargetHost, ""
		}
		u.Host = host
		if port != "" {
			u.Host = net.JoinHostPort(host, port)
		}
		return nil
	}

	target, err := url.Parse(fwd.TargetHost)
	if err != nil {
		return fmt.Errorf("wsproxy: invalid forwarding targetHost %q: %w", fwd.TargetHost, err)
	}
	switch target.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	}
	u.Host = target.Host
	// Path is preserved from the original request
	return nil
}

// computeHostHeader applies updateHostHeader tri-state:
// true/absent rewrites Host to the new authority, false leaves the
// original untouched, and a string sets it verbatim.
func computeHostHeader(u *url.URL, originalHost string, fwd *ForwardingOptions) string {
	if fwd == nil {
		return originalHost
	}
	ov := fwd.UpdateHostHeader
	switch {
	case ov.Set:
		return ov.Value
	case ov.Explicit:
		return originalHost
	default:
		return u.Host
	}
}

// WithHostHeader returns a copy of headers with Host set to value,
// inserting a new field when none is present
// "inserting one if absent".
func WithHostHeader(headers []HeaderField, value string) []HeaderField {
	out := make([]HeaderField, 0, len(headers)+1)
	replaced := false
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Host") {
			out = append(out, HeaderField{Name: "Host", Value: value})
			replaced = true
			continue
		}
		out = append(out, h)
	}
	if !replaced {
		out = append(out, HeaderField{Name: "Host", Value: value})
	}
	return out
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
