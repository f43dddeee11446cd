// Package ruleloader reads a YAML rule file into a populated
// wsproxy.RuleSet at startup, giving the service something to dispatch
// against without requiring a running admin client first.
package ruleloader

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mockwire/wsintercept/internal/wsproxy"
	"github.com/mockwire/wsintercept/internal/wsproxy/matcher"
)

// ruleFile is the on-disk YAML shape.
type ruleFile struct {
	Rules []ruleDef `yaml:"rules"`
}

type ruleDef struct {
	ID         string       `yaml:"id"`
	Record     bool         `yaml:"record"`
	Completion *completion  `yaml:"completion"`
	Match      []matchDef   `yaml:"match"`
	Handler    yaml.Node    `yaml:"handler"`
}

type completion struct {
	AtLeast *uint64 `yaml:"at_least"`
}

type matchDef struct {
	Method     string     `yaml:"method"`
	PathPrefix string     `yaml:"path_prefix"`
	Header     *headerDef `yaml:"header"`
	CEL        string     `yaml:"cel"`
}

type headerDef struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// Load parses path into a RuleSet. resolver services any
// passthrough handler's proxyConfigRef dereference; pass nil if no rule
// uses one.
func Load(path string, resolver wsproxy.ParamResolver) (*wsproxy.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ruleloader: reading %s: %w", path, err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("ruleloader: parsing %s: %w", path, err)
	}

	set := wsproxy.NewRuleSet()
	for i, def := range file.Rules {
		rule, err := buildRule(def, resolver)
		if err != nil {
			return nil, fmt.Errorf("ruleloader: rule[%d] (id=%q): %w", i, def.ID, err)
		}
		set.Add(rule)
	}
	return set, nil
}

func buildRule(def ruleDef, resolver wsproxy.ParamResolver) (*wsproxy.Rule, error) {
	matchers, err := buildMatchers(def.Match)
	if err != nil {
		return nil, err
	}

	handler, err := buildHandler(def.Handler, resolver)
	if err != nil {
		return nil, err
	}

	var pred wsproxy.CompletionPredicate
	if def.Completion != nil && def.Completion.AtLeast != nil {
		pred = wsproxy.AtLeast{N: *def.Completion.AtLeast}
	}

	return wsproxy.NewRule(def.ID, matchers, handler, pred, def.Record), nil
}

func buildMatchers(defs []matchDef) ([]wsproxy.Matcher, error) {
	matchers := make([]wsproxy.Matcher, 0, len(defs))
	for i, d := range defs {
		switch {
		case d.Method != "":
			matchers = append(matchers, matcher.Method{Value: d.Method})
		case d.PathPrefix != "":
			matchers = append(matchers, matcher.PathPrefix{Prefix: d.PathPrefix})
		case d.Header != nil:
			matchers = append(matchers, matcher.Header{Name: d.Header.Name, Value: d.Header.Value})
		case d.CEL != "":
			m, err := matcher.NewCELExpression(d.CEL)
			if err != nil {
				return nil, fmt.Errorf("match[%d]: compiling cel expression: %w", i, err)
			}
			matchers = append(matchers, m)
		default:
			return nil, fmt.Errorf("match[%d]: no recognized predicate (method/path_prefix/header/cel)", i)
		}
	}
	return matchers, nil
}

// buildHandler re-encodes the YAML handler node as JSON so it can be
// decoded with the same tagged-envelope logic the admin API uses for
// wire-transmitted handlers.
func buildHandler(node yaml.Node, resolver wsproxy.ParamResolver) (wsproxy.Handler, error) {
	var generic any
	if err := node.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decoding handler node: %w", err)
	}
	raw, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("re-encoding handler as JSON: %w", err)
	}
	return wsproxy.UnmarshalHandler(raw, resolver)
}
