package wsproxy

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ParamResolver dereferences admin-provided references embedded in a
// serialized rule — e.g. a named proxy configuration stored elsewhere —
// back into a concrete value.
type ParamResolver interface {
	ResolveProxy(ref string) (*ProxySetting, error)
}

// wireHandler is the tagged envelope persisted/transmitted for one
// handler variant.
type wireHandler struct {
	Tag  HandlerVariantTag `json:"tag"`
	Data json.RawMessage   `json:"data,omitempty"`
}

type passthroughWire struct {
	IgnoreHostHTTPSErrors json.RawMessage `json:"ignoreHostHttpsErrors,omitempty"`
	// IgnoreHostCertificateErrors is the legacy field name, renamed to
	// IgnoreHostHTTPSErrors on read.
	IgnoreHostCertificateErrors json.RawMessage    `json:"ignoreHostCertificateErrors,omitempty"`
	TrustAdditionalCAs          []CACert           `json:"trustAdditionalCAs,omitempty"`
	ProxyConfigRef              string             `json:"proxyConfigRef,omitempty"`
	LookupOptions               *wireLookupOptions `json:"lookupOptions,omitempty"`
	Forwarding                  *ForwardingWire    `json:"forwarding,omitempty"`
}

type wireLookupOptions struct {
	MaxTTLSeconds   int64    `json:"maxTtlSeconds,omitempty"`
	ErrorTTLSeconds int64    `json:"errorTtlSeconds,omitempty"`
	Servers         []string `json:"servers,omitempty"`
}

// ForwardingWire is the wire representation of ForwardingOptions;
// UpdateHostHeader is untyped JSON because it is the true/false/string
// tri-state 
type ForwardingWire struct {
	TargetHost       string `json:"targetHost"`
	UpdateHostHeader any    `json:"updateHostHeader,omitempty"`
}

type rejectWire struct {
	StatusCode    int           `json:"statusCode"`
	StatusMessage string        `json:"statusMessage"`
	Headers       []HeaderField `json:"headers,omitempty"`
	Body          string        `json:"body,omitempty"`
}

// MarshalHandler serializes a Handler into its tagged wire form.
func MarshalHandler(h Handler) ([]byte, error) {
	switch v := h.(type) {
	case *PassthroughHandler:
		data, err := marshalPassthrough(v.Options)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireHandler{Tag: TagPassthrough, Data: data})
	case *EchoHandler:
		return json.Marshal(wireHandler{Tag: TagEcho})
	case *ListenHandler:
		return json.Marshal(wireHandler{Tag: TagListen})
	case *RejectHandler:
		data, err := json.Marshal(rejectWire{
			StatusCode:    v.Options.StatusCode,
			StatusMessage: v.Options.StatusMessage,
			Headers:       v.Options.Headers,
			Body:          v.Options.Body,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireHandler{Tag: TagReject, Data: data})
	case *CloseConnectionHandler:
		return json.Marshal(wireHandler{Tag: TagCloseConn})
	case *ResetConnectionHandler:
		return json.Marshal(wireHandler{Tag: TagResetConn})
	case *TimeoutHandler:
		return json.Marshal(wireHandler{Tag: TagTimeout})
	default:
		return nil, fmt.Errorf("wsproxy: unknown handler type %T", h)
	}
}

func marshalPassthrough(opts PassthroughOptions) (json.RawMessage, error) {
	w := passthroughWire{TrustAdditionalCAs: opts.TrustAdditionalCAs}
	if opts.IgnoreHostHTTPSErrors.All {
		w.IgnoreHostHTTPSErrors, _ = json.Marshal(true)
	} else if len(opts.IgnoreHostHTTPSErrors.Hosts) > 0 {
		hosts := make([]string, 0, len(opts.IgnoreHostHTTPSErrors.Hosts))
		for h := range opts.IgnoreHostHTTPSErrors.Hosts {
			hosts = append(hosts, h)
		}
		w.IgnoreHostHTTPSErrors, _ = json.Marshal(hosts)
	}
	if opts.LookupOptions != nil {
		w.LookupOptions = &wireLookupOptions{
			MaxTTLSeconds:   int64(opts.LookupOptions.MaxTTL.Seconds()),
			ErrorTTLSeconds: int64(opts.LookupOptions.ErrorTTL.Seconds()),
			Servers:         opts.LookupOptions.Servers,
		}
	}
	if opts.Forwarding != nil {
		w.Forwarding = &ForwardingWire{TargetHost: opts.Forwarding.TargetHost, UpdateHostHeader: hostOverrideToJSON(opts.Forwarding.UpdateHostHeader)}
	}
	return json.Marshal(w)
}

func hostOverrideToJSON(h HostOverride) any {
	switch {
	case h.Set:
		return h.Value
	case h.Explicit:
		return false
	default:
		return true
	}
}

// UnmarshalHandler reconstructs a Handler from its tagged wire form,
// reviving trustAdditionalCAs (defaulting to empty), proxyConfig (via
// resolver), and the legacy ignoreHostCertificateErrors field name.
func UnmarshalHandler(raw []byte, resolver ParamResolver) (Handler, error) {
	var envelope wireHandler
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("wsproxy: decoding handler envelope: %w", err)
	}

	switch envelope.Tag {
	case TagPassthrough:
		return unmarshalPassthrough(envelope.Data, resolver)
	case TagEcho:
		return &EchoHandler{}, nil
	case TagListen:
		return &ListenHandler{}, nil
	case TagReject:
		var w rejectWire
		if len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, &w); err != nil {
				return nil, fmt.Errorf("wsproxy: decoding reject handler: %w", err)
			}
		}
		return &RejectHandler{Options: RejectOptions{
			StatusCode:    w.StatusCode,
			StatusMessage: w.StatusMessage,
			Headers:       w.Headers,
			Body:          w.Body,
		}}, nil
	case TagCloseConn:
		return &CloseConnectionHandler{}, nil
	case TagResetConn:
		return &ResetConnectionHandler{}, nil
	case TagTimeout:
		return &TimeoutHandler{}, nil
	default:
		return nil, fmt.Errorf("wsproxy: unknown handler tag %q", envelope.Tag)
	}
}

func unmarshalPassthrough(data json.RawMessage, resolver ParamResolver) (Handler, error) {
	var w passthroughWire
	if len(data) > 0 {
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("wsproxy: decoding passthrough handler: %w", err)
		}
	}

	opts := PassthroughOptions{TrustAdditionalCAs: w.TrustAdditionalCAs}
	if opts.TrustAdditionalCAs == nil {
		opts.TrustAdditionalCAs = []CACert{}
	}
	for _, ca := range opts.TrustAdditionalCAs {
		if ca.CertPath != "" {
			if _, err := os.Stat(ca.CertPath); err != nil {
				return nil, fmt.Errorf("wsproxy: trustAdditionalCAs entry %q: %w", ca.CertPath, err)
			}
		}
	}

	// ignoreHostHttpsErrors, falling back to the legacy
	// ignoreHostCertificateErrors field name.
	rawIgnore := w.IgnoreHostHTTPSErrors
	if len(rawIgnore) == 0 {
		rawIgnore = w.IgnoreHostCertificateErrors
	}
	if len(rawIgnore) > 0 {
		policy, err := decodeIgnorePolicy(rawIgnore)
		if err != nil {
			return nil, err
		}
		opts.IgnoreHostHTTPSErrors = policy
	}

	if w.ProxyConfigRef != "" {
		if resolver == nil {
			return nil, fmt.Errorf("wsproxy: proxyConfigRef %q given with no resolver", w.ProxyConfigRef)
		}
		setting, err := resolver.ResolveProxy(w.ProxyConfigRef)
		if err != nil {
			return nil, fmt.Errorf("wsproxy: resolving proxyConfigRef %q: %w", w.ProxyConfigRef, err)
		}
		opts.ProxyConfig = &ProxyConfig{Single: setting}
	}

	if w.LookupOptions != nil {
		opts.LookupOptions = &LookupOptions{
			MaxTTL:   secondsToDuration(w.LookupOptions.MaxTTLSeconds),
			ErrorTTL: secondsToDuration(w.LookupOptions.ErrorTTLSeconds),
			Servers:  w.LookupOptions.Servers,
		}
	}

	if w.Forwarding != nil {
		opts.Forwarding = &ForwardingOptions{
			TargetHost:       w.Forwarding.TargetHost,
			UpdateHostHeader: hostOverrideFromJSON(w.Forwarding.UpdateHostHeader),
		}
	}

	return &PassthroughHandler{Options: opts}, nil
}

func decodeIgnorePolicy(raw json.RawMessage) (IgnoreHostsPolicy, error) {
	var asBool bool
	if err := json.Unmarshal(raw, &asBool); err == nil {
		return IgnoreHostsPolicy{All: asBool}, nil
	}
	var hosts []string
	if err := json.Unmarshal(raw, &hosts); err != nil {
		return IgnoreHostsPolicy{}, fmt.Errorf("wsproxy: decoding ignoreHostHttpsErrors: %w", err)
	}
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		set[h] = struct{}{}
	}
	return IgnoreHostsPolicy{Hosts: set}, nil
}

func hostOverrideFromJSON(v any) HostOverride {
	switch t := v.(type) {
	case nil:
		return DefaultHostOverride()
	case bool:
		if t {
			return DefaultHostOverride()
		}
		return NoHostOverride()
	case string:
		if t == "" {
			return NoHostOverride()
		}
		return LiteralHostOverride(t)
	case float64:
		if t == 0 {
			return NoHostOverride()
		}
		return DefaultHostOverride()
	default:
		return DefaultHostOverride()
	}
}

func secondsToDuration(s int64) time.Duration { return time.Duration(s) * time.Second }
