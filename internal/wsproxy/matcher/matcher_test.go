package matcher

import (
	"testing"

	"github.com/mockwire/wsintercept/internal/wsproxy"
)

func TestMethod_Match(t *testing.T) {
	m := Method{Value: "GET"}
	cases := []struct {
		method string
		want   bool
	}{
		{"GET", true},
		{"get", true},
		{"POST", false},
	}
	for _, c := range cases {
		req := wsproxy.RequestInfo{Method: c.method}
		if got := m.Match(req); got != c.want {
			t.Errorf("Match(method=%q) = %v, want %v", c.method, got, c.want)
		}
	}
}

func TestPathPrefix_Match(t *testing.T) {
	m := PathPrefix{Prefix: "/socket"}
	cases := []struct {
		url  string
		want bool
	}{
		{"ws://host/socket/x", true},
		{"ws://host/other", false},
		{"://bad-url", false},
	}
	for _, c := range cases {
		req := wsproxy.RequestInfo{URL: c.url}
		if got := m.Match(req); got != c.want {
			t.Errorf("Match(url=%q) = %v, want %v", c.url, got, c.want)
		}
	}
}

func TestHeader_Match(t *testing.T) {
	m := Header{Name: "X-Tenant", Value: "acme"}
	req := wsproxy.RequestInfo{RawHeaders: []wsproxy.HeaderField{{Name: "X-Tenant", Value: "acme"}}}
	if !m.Match(req) {
		t.Error("expected header match")
	}
	req.RawHeaders[0].Value = "other"
	if m.Match(req) {
		t.Error("expected header mismatch")
	}
}

func TestCELExpression_Match(t *testing.T) {
	m, err := NewCELExpression(`method == "GET" && remoteIP == "1.2.3.4"`)
	if err != nil {
		t.Fatalf("NewCELExpression: %v", err)
	}
	if !m.Match(wsproxy.RequestInfo{Method: "GET", RemoteIPAddress: "1.2.3.4"}) {
		t.Error("expected CEL expression to match")
	}
	if m.Match(wsproxy.RequestInfo{Method: "POST", RemoteIPAddress: "1.2.3.4"}) {
		t.Error("expected CEL expression to reject a method mismatch")
	}
}

func TestCELExpression_CompileError(t *testing.T) {
	if _, err := NewCELExpression("method =="); err == nil {
		t.Fatal("expected a compile error for a malformed expression")
	}
}

func TestAll_Conjunction(t *testing.T) {
	matchers := []Matcher{Method{Value: "GET"}, PathPrefix{Prefix: "/socket"}}

	if !All(matchers, wsproxy.RequestInfo{Method: "GET", URL: "ws://host/socket/x"}) {
		t.Error("expected the conjunction to match when every matcher accepts")
	}
	if All(matchers, wsproxy.RequestInfo{Method: "POST", URL: "ws://host/socket/x"}) {
		t.Error("expected the conjunction to fail on a single mismatching matcher")
	}
}
