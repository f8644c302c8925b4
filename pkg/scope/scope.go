// Package scope decides, before any network activity, whether a candidate is
// out of scope for the pipeline. Rules are CEL expressions over the candidate's
// url, host, path, extension and source; a candidate is excluded when any rule
// evaluates to true.
//
//	host.endsWith(".gov")
//	source == "feed" && extension == ".gz"
package scope

import (
	"fmt"
	"net/url"

	"github.com/google/cel-go/cel"

	"github.com/kitwatch/kitwatch/pkg/candidate"
)

type rule struct {
	expr string
	prg  cel.Program
}

// Filter holds compiled exclusion rules. The zero value and nil exclude nothing.
type Filter struct {
	rules []rule
}

// NewFilter compiles every expression. An expression that does not type-check
// to bool is an error.
func NewFilter(exprs []string) (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("url", cel.StringType),
		cel.Variable("host", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("extension", cel.StringType),
		cel.Variable("source", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	f := &Filter{}
	for i, expr := range exprs {
		ast, iss := env.Compile(expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("scope rule %d: %w", i, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("scope rule %d: must evaluate to bool, got %s", i, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("scope rule %d: %w", i, err)
		}
		f.rules = append(f.rules, rule{expr: expr, prg: prg})
	}
	return f, nil
}

// Len returns the number of rules.
func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.rules)
}

// Excluded returns the first rule that matches c, or "" when c is in scope.
func (f *Filter) Excluded(c candidate.Candidate) (string, error) {
	if f.Len() == 0 {
		return "", nil
	}
	input := activation(c)
	for _, r := range f.rules {
		out, _, err := r.prg.Eval(input)
		if err != nil {
			return "", fmt.Errorf("scope rule %q: %w", r.expr, err)
		}
		if v, ok := out.Value().(bool); ok && v {
			return r.expr, nil
		}
	}
	return "", nil
}

func activation(c candidate.Candidate) map[string]any {
	p := ""
	if u, err := url.Parse(c.URL()); err == nil {
		p = u.Path
	}
	return map[string]any{
		"url":       c.URL(),
		"host":      c.Host(),
		"path":      p,
		"extension": c.Extension(),
		"source":    string(c.Source()),
	}
}
