package interp

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/Simon-McIntosh/nucleai-sandbox/outcome"
)

// userError is raised by fail().
type userError struct{ msg string }

func (e *userError) Error() string { return e.msg }

// classRule maps an interpreter error message onto a failure kind.
type classRule struct {
	kind  string
	match func(msg string) bool
}

func contains(subs ...string) func(string) bool {
	return func(msg string) bool {
		for _, s := range subs {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}
}

var (
	valueErrorRe = regexp.MustCompile(`invalid (float )?literal|invalid syntax|empty string|out of range for|domain error`)
	typeErrorRe  = regexp.MustCompile(`unknown (binary|unary) op|unsupported|not iterable|not callable|invalid call of non-function|unhashable|, want |missing argument|unexpected keyword|accepts no arguments|takes (exactly|at most|at least)|got \w+ for parameter|not a valid|cannot (compare|convert)|not supported`)
)

// classRules are evaluated in order; the first match wins.
var classRules = []classRule{
	{outcome.FailDivisionByZero, contains("division by zero", "modulo by zero")},
	{outcome.FailModuleNotAllowed, contains("is not allowed")},
	{outcome.FailRecursion, contains("called recursively")},
	{outcome.FailFrozenValue, contains("frozen")},
	{outcome.FailIndexOutOfRange, func(msg string) bool {
		return strings.Contains(msg, "index") && strings.Contains(msg, "out of range")
	}},
	{outcome.FailKeyError, contains("not in dict", "not in hash", "not in set")},
	{outcome.FailAttributeError, contains("has no .", "no such field or method")},
	{outcome.FailUndefinedName, contains("undefined:", "referenced before assignment")},
	{outcome.FailValueError, valueErrorRe.MatchString},
	{outcome.FailTypeError, typeErrorRe.MatchString},
}

// classify returns the failure kind for an interpreter error message.
func classify(msg string) string {
	for _, r := range classRules {
		if r.match(msg) {
			return r.kind
		}
	}
	return outcome.FailRuntime
}

// failureFromEval converts an evaluation error into a RuntimeFailure.
func failureFromEval(err error) outcome.Outcome {
	var ue *userError
	if errors.As(err, &ue) {
		return outcome.Failed(outcome.FailUserError, ue.msg, evalTrace(err)...)
	}
	var ee *starlark.EvalError
	if errors.As(err, &ee) {
		msg := ee.Msg
		if rest, ok := strings.CutPrefix(msg, "fail: "); ok {
			return outcome.Failed(outcome.FailUserError, rest, traceOf(ee)...)
		}
		return outcome.Failed(classify(msg), msg, traceOf(ee)...)
	}
	return outcome.Failed(classify(err.Error()), err.Error())
}

func evalTrace(err error) []outcome.Frame {
	var ee *starlark.EvalError
	if errors.As(err, &ee) {
		return traceOf(ee)
	}
	return nil
}

// traceOf keeps only the frames inside the submission, outermost first.
func traceOf(ee *starlark.EvalError) []outcome.Frame {
	var frames []outcome.Frame
	for _, fr := range ee.CallStack {
		if fr.Pos.Filename() != Filename {
			continue
		}
		name := fr.Name
		if name == EntryName {
			name = entryDisplay
		}
		frames = append(frames, outcome.Frame{
			Function: name,
			Line:     int(fr.Pos.Line),
			Column:   int(fr.Pos.Col),
		})
	}
	return frames
}

// failureFromCompile converts a parse or resolve error into a
// RuntimeFailure located at the first reported position.
func failureFromCompile(err error) outcome.Outcome {
	var list resolve.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		first := list[0]
		return outcome.Failed(classify(first.Msg), first.Msg, frameAt(first.Pos))
	}
	var se syntax.Error
	if errors.As(err, &se) {
		return outcome.Failed(outcome.FailRuntime, fmt.Sprintf("syntax error: %s", se.Msg), frameAt(se.Pos))
	}
	return outcome.Failed(outcome.FailRuntime, err.Error())
}

func frameAt(pos syntax.Position) outcome.Frame {
	return outcome.Frame{Function: entryDisplay, Line: int(pos.Line), Column: int(pos.Col)}
}
