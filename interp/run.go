package interp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.starlark.net/starlark"

	"github.com/Simon-McIntosh/nucleai-sandbox/bind"
	"github.com/Simon-McIntosh/nucleai-sandbox/outcome"
	"github.com/Simon-McIntosh/nucleai-sandbox/policy"
	"github.com/Simon-McIntosh/nucleai-sandbox/value"
)

// DefaultMaxOutput bounds the captured print output of one attempt.
const DefaultMaxOutput = 64 << 10

// Request is one attempt handed to the interpreter. It is JSON encoded
// when sent to an isolated worker.
type Request struct {
	Source       string         `json:"source"`
	Bindings     *bind.Set      `json:"bindings,omitempty"`
	Policy       *policy.Policy `json:"policy,omitempty"`
	ScratchDir   string         `json:"scratch_dir,omitempty"`
	ScratchQuota int64          `json:"scratch_quota,omitempty"`
	MaxOutput    int            `json:"max_output,omitempty"`
}

// Run compiles and evaluates req.Source under the limits of req.Policy.
// It never returns an error: every failure, including an interpreter
// panic, becomes an outcome. The duration and captured output are set on
// the returned outcome; the attempt number is left to the caller.
func Run(ctx context.Context, req Request) outcome.Outcome {
	start := time.Now()
	out := newCapture(req.MaxOutput)
	o := run(ctx, req, out)
	s, truncated := out.result()
	return o.WithDuration(time.Since(start)).WithStdout(s, truncated)
}

func run(ctx context.Context, req Request, out *capture) outcome.Outcome {
	p := req.Policy
	if p == nil {
		p = policy.Default()
	}
	if err := context.Cause(ctx); err != nil {
		return outcome.Cancelled(err.Error())
	}

	f, err := Parse(req.Source)
	if err != nil {
		return failureFromCompile(err)
	}
	predeclared, err := Predeclared(req.Bindings)
	if err != nil {
		return outcome.Failed(outcome.FailSandbox, err.Error())
	}
	prog, err := starlark.FileProgram(f, predeclared.Has)
	if err != nil {
		return failureFromCompile(err)
	}

	ld := &loader{policy: p, scratch: newScratch(req.ScratchDir, req.ScratchQuota)}
	thread := &starlark.Thread{Name: "submission", Load: ld.load, Print: out.print}

	done := make(chan outcome.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome.Failed(outcome.FailInternal, fmt.Sprintf("interpreter panic: %v", r))
			}
		}()
		done <- evaluate(thread, prog, predeclared)
	}()

	return watch(ctx, thread, done, limits{timeout: p.Timeout(), memory: p.MemoryLimit()})
}

func evaluate(thread *starlark.Thread, prog *starlark.Program, predeclared starlark.StringDict) outcome.Outcome {
	globals, err := prog.Init(thread, predeclared)
	if err != nil {
		return failureFromEval(err)
	}
	entry, ok := globals[EntryName].(*starlark.Function)
	if !ok {
		return outcome.Failed(outcome.FailInternal, "entry function missing")
	}
	v, err := starlark.Call(thread, entry, nil, nil)
	if err != nil {
		return failureFromEval(err)
	}
	if v == starlark.None {
		return outcome.Failed(outcome.FailNoReturnValue, "the code finished without returning a value")
	}
	res, err := value.FromStarlark(v)
	if err != nil {
		return outcome.Failed(outcome.FailSerialization, err.Error())
	}
	return outcome.Success(res)
}

// capture collects print output up to a byte limit.
type capture struct {
	mu        sync.Mutex
	buf       strings.Builder
	limit     int
	truncated bool
}

func newCapture(limit int) *capture {
	if limit <= 0 {
		limit = DefaultMaxOutput
	}
	return &capture{limit: limit}
}

func (c *capture) print(_ *starlark.Thread, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return
	}
	line := msg + "\n"
	if remaining := c.limit - c.buf.Len(); len(line) > remaining {
		c.buf.WriteString(line[:remaining])
		c.truncated = true
		return
	}
	c.buf.WriteString(line)
}

func (c *capture) result() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String(), c.truncated
}
