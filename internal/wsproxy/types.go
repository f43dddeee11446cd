package wsproxy

import "time"

// HandlerVariantTag names one of the behavioral strategies a rule's
// handler can implement.
type HandlerVariantTag string

const (
	TagPassthrough    HandlerVariantTag = "ws-passthrough"
	TagEcho           HandlerVariantTag = "ws-echo"
	TagListen         HandlerVariantTag = "ws-listen"
	TagReject         HandlerVariantTag = "ws-reject"
	TagCloseConn      HandlerVariantTag = "close-connection"
	TagResetConn      HandlerVariantTag = "reset-connection"
	TagTimeout        HandlerVariantTag = "timeout"
)

// HostOverride is the `updateHostHeader` field of ForwardingOptions. It
// is a tri-state encoding of "rewrite" (true/absent), "leave as-is"
// (false), or "set to this literal value" (string). The zero value
// behaves as "rewrite" (computeHostHeader applies it). When decoding,
// any falsy non-absent value (false, "" or 0) is treated as "do not
// touch". Since Go has no third boolean state, callers that want
// "absent" use HostOverride{} (Set=false), and callers that want an
// explicit `false` use NoHostOverride().
type HostOverride struct {
	// Set is true when the literal string form was used.
	Set   bool
	Value string
	// Explicit distinguishes an explicit `false` from "absent" (both
	// have Set=false): Explicit=true + Set=false means "leave Host
	// untouched"; Explicit=false + Set=false means "absent, rewrite".
	Explicit bool
	Rewrite  bool
}

// DefaultHostOverride is the absent/true case: rewrite Host/:authority.
func DefaultHostOverride() HostOverride { return HostOverride{Rewrite: true} }

// NoHostOverride is the explicit-false case: leave Host untouched.
func NoHostOverride() HostOverride { return HostOverride{Explicit: true} }

// LiteralHostOverride sets Host to exactly v.
func LiteralHostOverride(v string) HostOverride { return HostOverride{Set: true, Value: v} }

// ForwardingOptions rewrites the upstream target.
type ForwardingOptions struct {
	TargetHost       string       `json:"targetHost" validate:"required"`
	UpdateHostHeader HostOverride `json:"-"`
}

// CACert is one entry of PassthroughOptions.TrustAdditionalCAs.
type CACert struct {
	Cert     string `json:"cert,omitempty"`
	CertPath string `json:"certPath,omitempty"`
}

// ClientCertificate configures mutual TLS for a single upstream host.
type ClientCertificate struct {
	PFX        []byte
	Passphrase string
}

// ProxySetting is a single upstream HTTP proxy to CONNECT through.
type ProxySetting struct {
	ProxyURL string
	// HostBypass lists hostnames that should dial directly instead.
	HostBypass []string
}

// ProxyConfig resolves to zero or more ProxySetting candidates; the
// first that yields a non-empty setting for the target host wins.
type ProxyConfig struct {
	Single   *ProxySetting
	List     []ProxyConfig
	Callback func(targetHost string) (*ProxySetting, error)
}

// Resolve evaluates the configuration for a given target host.
func (p *ProxyConfig) Resolve(targetHost string) (*ProxySetting, error) {
	if p == nil {
		return nil, nil
	}
	if p.Callback != nil {
		return p.Callback(targetHost)
	}
	if len(p.List) > 0 {
		for _, candidate := range p.List {
			c := candidate
			s, err := c.Resolve(targetHost)
			if err != nil {
				return nil, err
			}
			if s != nil {
				return s, nil
			}
		}
		return nil, nil
	}
	if p.Single == nil {
		return nil, nil
	}
	for _, bypass := range p.Single.HostBypass {
		if bypass == targetHost {
			return nil, nil
		}
	}
	return p.Single, nil
}

// LookupOptions switches DNS resolution to a caching resolver.
type LookupOptions struct {
	MaxTTL   time.Duration
	ErrorTTL time.Duration
	Servers  []string
}

// IgnoreHostsPolicy models `ignoreHostHttpsErrors`: either "ignore for
// all hosts" or an explicit set of hostnames.
type IgnoreHostsPolicy struct {
	All   bool
	Hosts map[string]struct{}
}

func (p IgnoreHostsPolicy) Matches(host string) bool {
	if p.All {
		return true
	}
	_, ok := p.Hosts[host]
	return ok
}

// PassthroughOptions configures the Upstream Connector for the
// pass-through handler variant.
type PassthroughOptions struct {
	IgnoreHostHTTPSErrors    IgnoreHostsPolicy
	TrustAdditionalCAs       []CACert
	ClientCertificateHostMap map[string]ClientCertificate
	ProxyConfig              *ProxyConfig
	LookupOptions            *LookupOptions
	Forwarding               *ForwardingOptions
}

// RejectOptions configures the reject handler variant.
type RejectOptions struct {
	StatusCode    int               `validate:"required,min=100,max=599"`
	StatusMessage string            `validate:"required"`
	Headers       []HeaderField
	Body          string
}

// HeaderField preserves raw header order and case.
type HeaderField struct {
	Name  string
	Value string
}

// RequestInfo is the ingress boundary value the HTTP front-end hands
// the core alongside the raw socket and head buffer.
type RequestInfo struct {
	Method          string
	URL             string
	RawHeaders      []HeaderField
	HTTPVersion     string
	RemoteIPAddress string
	// LastHopEncrypted is a tri-state hint set by CONNECT-tunnel
	// termination: nil means "unknown, fall back to the socket's own
	// TLS state".
	LastHopEncrypted *bool
}

func (r RequestInfo) Header(name string) string {
	for _, h := range r.RawHeaders {
		if equalFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
