package ruleloader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mockwire/wsintercept/internal/wsproxy"
)

func writeTempRules(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing temp rule file: %v", err)
	}
	return path
}

func TestLoad_EchoRuleByMethodAndPath(t *testing.T) {
	path := writeTempRules(t, `
rules:
  - id: echo-rule
    record: true
    match:
      - method: GET
      - path_prefix: /ws/echo
    handler:
      tag: ws-echo
`)

	set, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	rules := set.All()
	if len(rules) != 1 {
		t.Fatalf("len(rules) = %d, want 1", len(rules))
	}

	r := rules[0]
	if r.ID != "echo-rule" {
		t.Errorf("ID = %q, want %q", r.ID, "echo-rule")
	}
	if r.Handler.Tag() != wsproxy.TagEcho {
		t.Errorf("handler tag = %q, want %q", r.Handler.Tag(), wsproxy.TagEcho)
	}
	if !r.Record {
		t.Error("Record = false, want true")
	}

	match := wsproxy.RequestInfo{Method: "GET", URL: "ws://example.com/ws/echo/session-1"}
	if !r.Matches(match) {
		t.Error("expected rule to match GET /ws/echo/session-1")
	}
	noMatch := wsproxy.RequestInfo{Method: "POST", URL: "ws://example.com/ws/echo"}
	if r.Matches(noMatch) {
		t.Error("expected rule not to match POST")
	}
}

func TestLoad_HeaderMatchAndCompletion(t *testing.T) {
	path := writeTempRules(t, `
rules:
  - id: header-rule
    completion:
      at_least: 2
    match:
      - header:
          name: X-Env
          value: staging
    handler:
      tag: ws-listen
`)

	set, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	r := set.All()[0]
	if r.Completion == nil {
		t.Fatal("expected a completion predicate")
	}
	at, ok := r.Completion.(wsproxy.AtLeast)
	if !ok || at.N != 2 {
		t.Errorf("completion = %+v, want AtLeast{N: 2}", r.Completion)
	}

	matching := wsproxy.RequestInfo{
		Method:     "GET",
		URL:        "ws://example.com/anything",
		RawHeaders: []wsproxy.HeaderField{{Name: "X-Env", Value: "staging"}},
	}
	if !r.Matches(matching) {
		t.Error("expected header match")
	}
}

func TestLoad_UnknownMatchKindErrors(t *testing.T) {
	path := writeTempRules(t, `
rules:
  - id: bad-rule
    match:
      - {}
    handler:
      tag: ws-echo
`)

	if _, err := Load(path, nil); err == nil {
		t.Fatal("expected an error for a rule with no recognized match predicate")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected an error for a missing rule file")
	}
}

func TestLoad_CELMatch(t *testing.T) {
	path := writeTempRules(t, `
rules:
  - id: cel-rule
    match:
      - cel: "method == 'GET'"
    handler:
      tag: ws-reject
`)

	set, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(set.All()) != 1 {
		t.Fatalf("len(rules) = %d, want 1", len(set.All()))
	}
}
