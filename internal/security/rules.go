package security

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/della-wonders/wonder/internal/envelope"
)

// maxExpressionLength bounds user-supplied CEL rule expressions.
const maxExpressionLength = 1024

// ruleEvalTimeout caps a single rule evaluation so a pathological
// expression cannot stall the forwarder loop.
const ruleEvalTimeout = 5 * time.Second

// Rule is a named CEL deny rule. When Condition evaluates to true for a
// request, the gate denies it.
//
// Available variables: method, url, host (strings), size (request body
// bytes), header (map of header name to value).
type Rule struct {
	Name      string `yaml:"name"`
	Condition string `yaml:"condition"`
}

type compiledRule struct {
	name string
	prg  cel.Program
}

// newRuleEnv creates the CEL environment exposing request attributes.
func newRuleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("method", cel.StringType),
		cel.Variable("url", cel.StringType),
		cel.Variable("host", cel.StringType),
		cel.Variable("size", cel.IntType),
		cel.Variable("header", cel.MapType(cel.StringType, cel.StringType)),
	)
}

// compileRules parses and type-checks all rule expressions. Any invalid
// rule fails gate construction; a misconfigured policy must not silently
// allow traffic.
func compileRules(rules []Rule) ([]compiledRule, error) {
	if len(rules) == 0 {
		return nil, nil
	}

	env, err := newRuleEnv()
	if err != nil {
		return nil, fmt.Errorf("security: create rule environment: %w", err)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("security: rule with empty name")
		}
		if r.Condition == "" {
			return nil, fmt.Errorf("security: rule %s has empty condition", r.Name)
		}
		if len(r.Condition) > maxExpressionLength {
			return nil, fmt.Errorf("security: rule %s condition too long: %d characters (max %d)",
				r.Name, len(r.Condition), maxExpressionLength)
		}

		ast, issues := env.Compile(r.Condition)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("security: rule %s: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast, cel.EvalOptions(cel.OptOptimize))
		if err != nil {
			return nil, fmt.Errorf("security: rule %s: %w", r.Name, err)
		}
		compiled = append(compiled, compiledRule{name: r.Name, prg: prg})
	}
	return compiled, nil
}

// evalRules runs the compiled deny rules against a request. Returns the
// name of the first rule that evaluates to true. Evaluation errors and
// non-boolean results are treated as no match: a broken rule must not
// block traffic the static checks already approved.
func (g *Gate) evalRules(d *envelope.RequestDescriptor, host string) (string, bool) {
	if len(g.rules) == 0 {
		return "", false
	}

	activation := map[string]any{
		"method": d.Method,
		"url":    d.URL,
		"host":   host,
		"size":   int64(len(d.Body)),
		"header": d.Headers,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ruleEvalTimeout)
	defer cancel()

	for _, r := range g.rules {
		result, _, err := r.prg.ContextEval(ctx, activation)
		if err != nil {
			continue
		}
		if matched, ok := result.Value().(bool); ok && matched {
			return r.name, true
		}
	}
	return "", false
}
