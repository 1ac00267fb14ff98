package interp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Simon-McIntosh/nucleai-sandbox/bind"
	"github.com/Simon-McIntosh/nucleai-sandbox/outcome"
	"github.com/Simon-McIntosh/nucleai-sandbox/policy"
)

func mustPolicy(t *testing.T, opts ...policy.Option) *policy.Policy {
	t.Helper()
	p, err := policy.New(opts...)
	require.NoError(t, err)
	return p
}

func testBindings(t *testing.T) *bind.Set {
	t.Helper()
	s, err := bind.Bind(map[string]bind.Ref{
		"shot": {
			URI:  "mem://shots/1",
			Kind: "timeseries",
			Meta: map[string]any{"units": "eV"},
			Data: []any{1, 2, 3, 4},
		},
	})
	require.NoError(t, err)
	return s
}

func TestRun_Success(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want any
	}{
		{"arithmetic", "x = [1, 2, 3]\nreturn sum(x) / len(x)", 2.0},
		{"import", "import math\nreturn math.sqrt(16)", 4.0},
		{"from import", "from stats import mean, median\nreturn [mean([1, 2]), median([3, 1, 2])]", []any{1.5, 2.0}},
		{"load", "load(\"json\", \"json\")\nreturn json.decode('{\"a\": 1}')", map[string]any{"a": int64(1)}},
		{"dict", "return {\"n\": 3, \"ok\": True}", map[string]any{"n": int64(3), "ok": true}},
		{"while", "i = 0\nwhile i < 5:\n    i += 1\nreturn i", int64(5)},
		{"nested def", "def sq(v):\n    return v * v\nreturn [sq(v) for v in range(3)]", []any{int64(0), int64(1), int64(4)}},
		{"round", "return round(2.567, 2)", 2.57},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Run(context.Background(), Request{Source: tt.src})
			require.Equal(t, outcome.KindSuccess, o.Kind(), "outcome: %+v", o.Result())
			assert.Equal(t, tt.want, o.Output())
			assert.Greater(t, o.Duration(), time.Duration(0))
		})
	}
}

func TestRun_Bindings(t *testing.T) {
	src := "return {\"units\": shot.meta[\"units\"], \"n\": len(shot.data), \"uri\": shot.uri}"
	o := Run(context.Background(), Request{Source: src, Bindings: testBindings(t)})
	require.Equal(t, outcome.KindSuccess, o.Kind(), "outcome: %+v", o.Result())
	assert.Equal(t, map[string]any{"units": "eV", "n": int64(4), "uri": "mem://shots/1"}, o.Output())
}

func TestRun_Failures(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		kind     string
		line     int
		contains string
	}{
		{"division", "x = 0\nreturn 1 // x", outcome.FailDivisionByZero, 2, "by zero"},
		{"index", "x = []\nreturn x[0]", outcome.FailIndexOutOfRange, 2, "out of range"},
		{"key", "d = {}\nreturn d[\"k\"]", outcome.FailKeyError, 2, "not in dict"},
		{"type", "return 1 + \"a\"", outcome.FailTypeError, 1, ""},
		{"attribute", "x = {}\nreturn x.nope", outcome.FailAttributeError, 2, "has no .nope"},
		{"value", "return int(\"abc\")", outcome.FailValueError, 1, "invalid"},
		{"frozen", "shot.data.append(5)\nreturn 1", outcome.FailFrozenValue, 1, "frozen"},
		{"recursion", "def f(n):\n    return f(n)\nreturn f(1)", outcome.FailRecursion, 0, "recursively"},
		{"fail", "fail(\"bad input\", 3)", outcome.FailUserError, 1, "bad input 3"},
		{"no return", "x = 1", outcome.FailNoReturnValue, 0, ""},
		{"none", "return None", outcome.FailNoReturnValue, 0, ""},
		{"unserializable", "return set([1])", outcome.FailSerialization, 0, "set"},
		{"tag-shaped dict", "return {\"$nonfinite\": \"NaN\"}", outcome.FailSerialization, 0, "reserved"},
		{"undefined", "return missing", outcome.FailUndefinedName, 1, "missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Run(context.Background(), Request{Source: tt.src, Bindings: testBindings(t)})
			require.Equal(t, outcome.KindRuntimeFailure, o.Kind())
			f, ok := o.Failure()
			require.True(t, ok)
			assert.Equal(t, tt.kind, f.Kind, "message: %s", f.Message)
			assert.NotEmpty(t, f.Hint)
			if tt.contains != "" {
				assert.Contains(t, f.Message, tt.contains)
			}
			if tt.line > 0 {
				require.NotEmpty(t, f.Trace)
				last := f.Trace[len(f.Trace)-1]
				assert.Equal(t, tt.line, last.Line)
				assert.Equal(t, "<submission>", f.Trace[0].Function)
			}
		})
	}
}

func TestRun_TraceHidesBuiltins(t *testing.T) {
	src := "def inner(d):\n    return d[\"x\"]\nreturn inner({})"
	o := Run(context.Background(), Request{Source: src})
	f, ok := o.Failure()
	require.True(t, ok)
	require.Len(t, f.Trace, 2)
	assert.Equal(t, "<submission>", f.Trace[0].Function)
	assert.Equal(t, 3, f.Trace[0].Line)
	assert.Equal(t, "inner", f.Trace[1].Function)
	assert.Equal(t, 2, f.Trace[1].Line)
}

func TestRun_ModuleNotAllowed(t *testing.T) {
	p := mustPolicy(t, policy.WithAllowedModules("math"))
	o := Run(context.Background(), Request{Source: "import json\nreturn 1", Policy: p})
	f, ok := o.Failure()
	require.True(t, ok)
	assert.Equal(t, outcome.FailModuleNotAllowed, f.Kind)
}

func TestRun_Timeout(t *testing.T) {
	p := mustPolicy(t, policy.WithTimeout(100*time.Millisecond))
	start := time.Now()
	o := Run(context.Background(), Request{Source: "while True:\n    pass", Policy: p})
	assert.Equal(t, outcome.KindResourceExceeded, o.Kind())
	assert.Equal(t, outcome.ResourceTimeout, o.Resource())
	assert.Nil(t, o.Output())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_Memory(t *testing.T) {
	p := mustPolicy(t, policy.WithMemoryLimit(32<<20), policy.WithTimeout(30*time.Second))
	src := "x = []\nwhile True:\n    x.append(\"a\" * 100000)"
	o := Run(context.Background(), Request{Source: src, Policy: p})
	assert.Equal(t, outcome.KindResourceExceeded, o.Kind())
	assert.Equal(t, outcome.ResourceMemory, o.Resource())
}

func TestRun_Cancelled(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		o := Run(ctx, Request{Source: "return 1"})
		assert.Equal(t, outcome.KindCancelled, o.Kind())
		assert.Equal(t, context.Canceled.Error(), o.Reason())
	})
	t.Run("while running", func(t *testing.T) {
		ctx, cancel := context.WithCancelCause(context.Background())
		time.AfterFunc(50*time.Millisecond, func() { cancel(errors.New("caller gave up")) })
		o := Run(ctx, Request{Source: "while True:\n    pass"})
		assert.Equal(t, outcome.KindCancelled, o.Kind())
		assert.Equal(t, "caller gave up", o.Reason())
	})
}

func TestRun_Stdout(t *testing.T) {
	o := Run(context.Background(), Request{Source: "print(\"hello\")\nprint(1, 2)\nreturn 0"})
	out, truncated := o.Stdout()
	assert.Equal(t, "hello\n1 2\n", out)
	assert.False(t, truncated)

	o = Run(context.Background(), Request{
		Source:    "for i in range(100):\n    print(\"line\", i)\nreturn 0",
		MaxOutput: 16,
	})
	out, truncated = o.Stdout()
	assert.Len(t, out, 16)
	assert.True(t, truncated)
}

func TestRun_Scratch(t *testing.T) {
	dir := t.TempDir()
	src := "import scratch\nscratch.write(\"out/a.txt\", \"hi\")\nreturn [scratch.read(\"out/a.txt\"), scratch.exists(\"b\"), scratch.list()]"
	o := Run(context.Background(), Request{Source: src, ScratchDir: dir})
	require.Equal(t, outcome.KindSuccess, o.Kind(), "outcome: %+v", o.Result())
	assert.Equal(t, []any{"hi", false, []any{"out/a.txt"}}, o.Output())

	o = Run(context.Background(), Request{Source: "import scratch\nscratch.write(\"../x\", \"y\")\nreturn 1", ScratchDir: dir})
	f, ok := o.Failure()
	require.True(t, ok)
	assert.Contains(t, f.Message, "escapes root")

	o = Run(context.Background(), Request{Source: "import scratch\nreturn scratch.list()"})
	f, ok = o.Failure()
	require.True(t, ok)
	assert.Contains(t, f.Message, "unavailable")
}

func TestRun_ScratchQuota(t *testing.T) {
	src := "import scratch\nscratch.write(\"a\", \"x\" * 10)\nscratch.write(\"b\", \"x\" * 10)\nreturn 1"
	o := Run(context.Background(), Request{Source: src, ScratchDir: t.TempDir(), ScratchQuota: 15})
	f, ok := o.Failure()
	require.True(t, ok)
	assert.Contains(t, f.Message, "quota")
}

func TestRun_SyntaxError(t *testing.T) {
	o := Run(context.Background(), Request{Source: "return (1 +"})
	f, ok := o.Failure()
	require.True(t, ok)
	assert.Equal(t, outcome.FailRuntime, f.Kind)
	assert.Contains(t, f.Message, "syntax error")
}

func TestReservedNames(t *testing.T) {
	names := ReservedNames()
	for _, want := range []string{EntryName, "load", "fail", "sum", "math", "scratch"} {
		assert.Contains(t, names, want)
	}
	_, err := bind.Bind(map[string]bind.Ref{"stats": {URI: "x://"}}, bind.WithReserved(names...))
	assert.ErrorIs(t, err, bind.ErrInvalidBinding)
}
