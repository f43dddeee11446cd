// Package matcher implements the minimal request-matching interface the
// rule engine consumes, standing in for the out-of-scope full matcher
// subsystem: a conjunctive list of independently testable predicates.
package matcher

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/mockwire/wsintercept/internal/wsproxy"
)

// Matcher tests a single predicate against an inbound upgrade request.
type Matcher interface {
	Match(req wsproxy.RequestInfo) bool
	String() string
}

// All returns true if every matcher accepts, satisfying the rule
// engine's conjunctive matches(request) contract.
func All(matchers []Matcher, req wsproxy.RequestInfo) bool {
	for _, m := range matchers {
		if !m.Match(req) {
			return false
		}
	}
	return true
}

// Method matches the HTTP method of the upgrade request, compared
// case-insensitively.
type Method struct {
	Value string
}

func (m Method) Match(req wsproxy.RequestInfo) bool {
	return strings.EqualFold(req.Method, m.Value)
}

func (m Method) String() string { return fmt.Sprintf("method=%s", m.Value) }

// PathPrefix matches the request URL's path against a fixed prefix.
type PathPrefix struct {
	Prefix string
}

func (m PathPrefix) Match(req wsproxy.RequestInfo) bool {
	u, err := url.Parse(req.URL)
	if err != nil {
		return false
	}
	return strings.HasPrefix(u.Path, m.Prefix)
}

func (m PathPrefix) String() string { return fmt.Sprintf("path has prefix %q", m.Prefix) }

// Header matches a request header against an exact value.
type Header struct {
	Name  string
	Value string
}

func (m Header) Match(req wsproxy.RequestInfo) bool {
	return req.Header(m.Name) == m.Value
}

func (m Header) String() string { return fmt.Sprintf("header %s=%q", m.Name, m.Value) }

// CELExpression matches requests against an arbitrary boolean CEL
// expression over the string variables `method`, `url`, and `remoteIP`.
// Compiled once at construction; evaluation is per-request.
type CELExpression struct {
	source string
	prg    cel.Program
}

// NewCELExpression compiles expr once. A compile failure is returned
// immediately rather than deferred to first match, since rule
// construction happens on the admin path where errors are surfaced to
// the caller.
func NewCELExpression(expr string) (*CELExpression, error) {
	env, err := cel.NewEnv(
		cel.Variable("method", cel.StringType),
		cel.Variable("url", cel.StringType),
		cel.Variable("remoteIP", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("matcher: building CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("matcher: compiling CEL expression %q: %w", expr, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("matcher: building CEL program: %w", err)
	}
	return &CELExpression{source: expr, prg: prg}, nil
}

func (m *CELExpression) Match(req wsproxy.RequestInfo) bool {
	out, _, err := m.prg.Eval(map[string]any{
		"method":   req.Method,
		"url":      req.URL,
		"remoteIP": req.RemoteIPAddress,
	})
	if err != nil {
		return false
	}
	match, ok := out.Value().(bool)
	return ok && match
}

func (m *CELExpression) String() string { return fmt.Sprintf("cel(%s)", m.source) }
