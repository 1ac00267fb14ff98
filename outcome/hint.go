package outcome

// Runtime failure kinds.
const (
	FailDivisionByZero   = "division-by-zero"
	FailIndexOutOfRange  = "index-out-of-range"
	FailKeyError         = "key-error"
	FailTypeError        = "type-error"
	FailValueError       = "value-error"
	FailAttributeError   = "attribute-error"
	FailUndefinedName    = "undefined-name"
	FailRecursion        = "recursion"
	FailFrozenValue      = "frozen-value"
	FailModuleNotAllowed = "module-not-allowed"
	FailUserError        = "user-error"
	FailNoReturnValue    = "no-return-value"
	FailSerialization    = "serialization"
	FailWorkerCrash      = "worker-crash"
	FailSandbox          = "sandbox-failure"
	FailInternal         = "internal"
	FailRuntime          = "runtime-error"
)

// failureHints maps failure kinds and resources to a short suggestion for
// the author of the next revision.
var failureHints = map[string]string{
	FailDivisionByZero:   "guard the denominator or filter out zero values before dividing",
	FailIndexOutOfRange:  "check len() before indexing; lists are 0-based and may be empty",
	FailKeyError:         "use dict.get(key, default) or check `key in d` first",
	FailTypeError:        "convert operands explicitly with int(), float() or str()",
	FailValueError:       "validate the input before converting it",
	FailAttributeError:   "use dir(x) to list the fields and methods available on the value",
	FailUndefinedName:    "define the name before use or import it from an allowed module",
	FailRecursion:        "recursion is not supported; rewrite it as a loop",
	FailFrozenValue:      "bound data is read-only; copy it with list() or dict() before modifying",
	FailModuleNotAllowed: "only import modules from the allowed list",
	FailUserError:        "the code called fail(); inspect the message and fix the failing condition",
	FailNoReturnValue:    "end the code with `return <value>` to produce a result",
	FailSerialization:    "return only None, bools, ints, floats, strings, lists and string-keyed dicts",
	FailWorkerCrash:      "the worker process died; simplify the computation and retry",
	FailSandbox:          "the sandbox could not run the code; retry later",
	FailInternal:         "an internal error occurred; retry",
	FailRuntime:          "read the error message and fix the failing statement",

	string(ResourceTimeout): "the code ran too long; reduce the work or avoid unbounded loops",
	string(ResourceMemory):  "the code used too much memory; process data in smaller pieces",
}

// ruleHints maps validation rules to their suggestion.
var ruleHints = map[string]string{
	"syntax":             "fix the syntax error at the reported line",
	"module-not-allowed": "only import modules from the allowed list",
	"sandbox-escape":     "do not access dunder attributes, interpreter internals or paths outside the scratch area",
	"dynamic-eval":       "write the logic directly instead of evaluating strings as code",
	"reflection":         "access attributes by literal name instead of computed names",
	"process-spawn":      "subprocesses are not available; compute the result in code",
	"network":            "network access is not available; use the bound data handles",
	"filesystem-write":   "write files only through the scratch module",
	"undefined-name":     "define the name before use or use one of the bound data handles",
}

// HintFor returns the recovery hint for a failure kind or resource, or
// "" if none is known.
func HintFor(key string) string {
	return failureHints[key]
}

// RuleHint returns the recovery hint for a validation rule, or "" if none
// is known.
func RuleHint(rule string) string {
	return ruleHints[rule]
}
