// Package validate statically checks submitted code against a policy
// before anything runs.
//
// Validation parses and resolves the code without evaluating it, applies
// every rule of the rule table to the syntax tree, and reports all
// findings ordered by position. It never panics and never returns an
// error: a parse failure is itself a violation.
package validate

import (
	"cmp"
	"errors"
	"slices"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/Simon-McIntosh/nucleai-sandbox/bind"
	"github.com/Simon-McIntosh/nucleai-sandbox/interp"
	"github.com/Simon-McIntosh/nucleai-sandbox/outcome"
	"github.com/Simon-McIntosh/nucleai-sandbox/policy"
)

// Violation is a single finding.
type Violation = outcome.Violation

// Rule identifiers.
const (
	RuleSyntax           = "syntax"
	RuleModuleNotAllowed = "module-not-allowed"
	RuleSandboxEscape    = "sandbox-escape"
	RuleDynamicEval      = "dynamic-eval"
	RuleReflection       = "reflection"
	RuleProcessSpawn     = "process-spawn"
	RuleNetwork          = "network"
	RuleFilesystemWrite  = "filesystem-write"
	RuleUndefinedName    = "undefined-name"
)

// Report is the result of validating one submission.
type Report struct {
	// Valid is true when there are no violations.
	Valid bool `json:"valid"`

	// Violations are ordered by line, column and rule.
	Violations []Violation `json:"violations,omitempty"`
}

// Retryable reports whether every violation may be fixed by a revision.
func (r Report) Retryable() bool {
	for _, v := range r.Violations {
		if !v.Retryable {
			return false
		}
	}
	return true
}

// Outcome returns the ValidationRejected outcome for an invalid report.
func (r Report) Outcome() outcome.Outcome {
	return outcome.Rejected(r.Violations)
}

// Rules returns the identifiers of every rule, in table order.
func Rules() []string {
	return []string{
		RuleSyntax, RuleModuleNotAllowed, RuleSandboxEscape, RuleDynamicEval,
		RuleReflection, RuleProcessSpawn, RuleNetwork, RuleFilesystemWrite,
		RuleUndefinedName,
	}
}

type options struct {
	bindings    *bind.Set
	checkNames  bool
	extraGlobal []string
}

// Option configures a validation.
type Option func(*options)

// WithBindings enables the undefined-name rule: names that are neither
// local, bound in b, nor provided by the interpreter are reported.
func WithBindings(b *bind.Set) Option {
	return func(o *options) {
		o.bindings = b
		o.checkNames = true
	}
}

// WithGlobals adds names that the undefined-name rule treats as defined.
func WithGlobals(names ...string) Option {
	return func(o *options) {
		o.extraGlobal = append(o.extraGlobal, names...)
		o.checkNames = true
	}
}

// Validate checks source against p. A nil policy means policy.Default().
func Validate(source string, p *policy.Policy, opts ...Option) Report {
	if p == nil {
		p = policy.Default()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	f, err := interp.Parse(source)
	if err != nil {
		return finish([]Violation{syntaxViolation(err)})
	}

	c := newChecker(p, f)
	c.run(f)
	c.resolve(f, o)
	return finish(c.violations)
}

func finish(vs []Violation) Report {
	slices.SortStableFunc(vs, func(a, b Violation) int {
		return cmp.Or(cmp.Compare(a.Line, b.Line), cmp.Compare(a.Column, b.Column), cmp.Compare(a.Rule, b.Rule))
	})
	return Report{Valid: len(vs) == 0, Violations: vs}
}

func syntaxViolation(err error) Violation {
	v := Violation{Rule: RuleSyntax, Line: 1, Column: 1, Message: err.Error(), Retryable: true}
	var se syntax.Error
	if errors.As(err, &se) {
		v.Line, v.Column, v.Message = int(se.Pos.Line), int(se.Pos.Col), se.Msg
	}
	return v
}

// resolve runs the name resolver for structural errors, and for undefined
// names when the predeclared environment is known.
func (c *checker) resolve(f *syntax.File, o *options) {
	isPredeclared := func(string) bool { return true }
	if o.checkNames {
		env, err := interp.Predeclared(o.bindings)
		if err != nil {
			env = starlark.StringDict{}
		}
		extra := make(map[string]bool, len(o.extraGlobal))
		for _, n := range o.extraGlobal {
			extra[n] = true
		}
		isPredeclared = func(name string) bool { return env.Has(name) || extra[name] }
	}

	err := resolve.File(f, isPredeclared, starlark.Universe.Has)
	var list resolve.ErrorList
	if !errors.As(err, &list) {
		return
	}
	for _, e := range list {
		line, col := int(e.Pos.Line), int(e.Pos.Col)
		if c.flagged[position{line, col}] {
			continue
		}
		rule, msg := RuleSyntax, e.Msg
		if rest, ok := strings.CutPrefix(e.Msg, "undefined: "); ok {
			name, suggestion, _ := strings.Cut(rest, " ")
			rule, msg = RuleUndefinedName, strings.TrimSpace("name "+name+" is not defined "+suggestion)
		}
		c.violations = append(c.violations, Violation{
			Rule: rule, Line: line, Column: col, Message: msg, Retryable: true,
		})
	}
}
