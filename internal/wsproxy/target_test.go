package wsproxy

import (
	"net/url"
	"testing"
)

func TestResolveTarget_ForwardingRewrite(t *testing.T) {
	req := RequestInfo{
		Method:     "GET",
		URL:        "ws://original-host/socket",
		RawHeaders: []HeaderField{{Name: "Host", Value: "original-host"}},
	}
	opts := PassthroughOptions{
		Forwarding: &ForwardingOptions{TargetHost: "upstream.internal:9000"},
	}

	targetURL, hostHeader, err := ResolveTarget(req, opts)
	if err != nil {
		t.Fatalf("ResolveTarget: %v", err)
	}
	if want := "ws://upstream.internal:9000/socket"; targetURL != want {
		t.Errorf("targetURL = %q, want %q", targetURL, want)
	}
	if want := "upstream.internal:9000"; hostHeader != want {
		t.Errorf("hostHeader = %q, want rewritten authority %q", hostHeader, want)
	}
}

func TestResolveTarget_LocalhostRemoteRewrite(t *testing.T) {
	req := RequestInfo{
		Method:          "GET",
		URL:             "ws://localhost/x",
		RawHeaders:      []HeaderField{{Name: "Host", Value: "localhost"}},
		RemoteIPAddress: "10.0.0.5",
	}

	targetURL, hostHeader, err := ResolveTarget(req, PassthroughOptions{})
	if err != nil {
		t.Fatalf("ResolveTarget: %v", err)
	}
	u, err := url.Parse(targetURL)
	if err != nil {
		t.Fatalf("parsing resolved target %q: %v", targetURL, err)
	}
	if got := u.Hostname(); got != "10.0.0.5" {
		t.Errorf("target hostname = %q, want 10.0.0.5", got)
	}
	if hostHeader != "localhost" {
		t.Errorf("hostHeader = %q, want unchanged localhost", hostHeader)
	}
}

func TestResolveTarget_NonLoopbackTargetIsUntouched(t *testing.T) {
	req := RequestInfo{
		URL:             "ws://upstream.example/x",
		RawHeaders:      []HeaderField{{Name: "Host", Value: "upstream.example"}},
		RemoteIPAddress: "10.0.0.5",
	}

	targetURL, hostHeader, err := ResolveTarget(req, PassthroughOptions{})
	if err != nil {
		t.Fatalf("ResolveTarget: %v", err)
	}
	if want := "ws://upstream.example/x"; targetURL != want {
		t.Errorf("targetURL = %q, want %q (non-loopback target left alone)", targetURL, want)
	}
	if hostHeader != "upstream.example" {
		t.Errorf("hostHeader = %q, want unchanged upstream.example", hostHeader)
	}
}
