// Package sandbox validates and executes agent-generated code under a
// policy, and drives the refinement loop in which an agent revises failing
// code until it succeeds or the attempt budget runs out.
//
// Submitted code is Starlark. Before it runs, a static validator rejects
// constructs outside the policy. Validated code then runs in a fresh,
// single-use worker process confined by Linux namespaces, Landlock,
// seccomp and rlimits, with named data handles bound read-only. Host-side
// watchdogs enforce the timeout and memory limit independently of the code.
//
// Every attempt produces an outcome.Outcome, never a Go error: host errors
// are reserved for configuration and platform problems.
//
// Key features:
//   - Static validation with retryable and non-retryable violations
//   - Isolated, pre-warmed worker processes with a verified scratch reset
//   - Sessions with an attempt budget and a typed state machine
//   - Structured results with recovery hints for the next revision
//   - Prometheus metrics, OpenTelemetry spans and an optional journal
//
// Basic usage:
//
//	func main() {
//	    if sandbox.MaybeRunWorker() {
//	        return
//	    }
//	    eng, err := sandbox.NewEngine(sandbox.DefaultConfig())
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer eng.Cleanup(context.Background())
//
//	    o := eng.ExecuteOnce(ctx, "return sum([1, 2, 3])", nil, nil)
//	    fmt.Println(o.Status(), o.Output())
//	}
package sandbox
