package policy

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	p := Default()
	assert.Equal(t, 30*time.Second, p.Timeout())
	assert.Equal(t, int64(512<<20), p.MemoryLimit())
	assert.Equal(t, 3, p.MaxAttempts())
	assert.Equal(t, []string{"json", "math", "scratch", "stats", "time"}, p.AllowedModules())
	for _, op := range Operations() {
		assert.True(t, p.Forbids(op), "default should forbid %s", op)
	}
	assert.False(t, p.ModuleAllowed("os"))
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want string
	}{
		{"zero timeout", []Option{WithTimeout(0)}, "Timeout"},
		{"negative memory", []Option{WithMemoryLimit(-1)}, "MemoryLimit"},
		{"zero attempts", []Option{WithMaxAttempts(0)}, "MaxAttempts"},
		{"empty module", []Option{WithAllowedModules("math", "")}, "AllowedModules[1]"},
		{"module with space", []Option{WithAllowedModules("a b")}, "AllowedModules[0]"},
		{"unknown op", []Option{WithForbiddenOperations("teleport")}, "ForbiddenOperations[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNew_CollectsAllErrors(t *testing.T) {
	_, err := New(WithTimeout(-time.Second), WithMaxAttempts(-1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Timeout")
	assert.Contains(t, err.Error(), "MaxAttempts")
}

func TestAccessorsReturnCopies(t *testing.T) {
	p := Default()
	mods := p.AllowedModules()
	mods[0] = "os"
	assert.False(t, p.ModuleAllowed("os"))

	ops := p.ForbiddenOperations()
	ops[0] = "x"
	assert.True(t, p.Forbids(OpDynamicEval))
}

func TestOptionsDoNotAlias(t *testing.T) {
	mods := []string{"math"}
	opt := WithAllowedModules(mods...)
	mods[0] = "os"
	p, err := New(opt)
	require.NoError(t, err)
	assert.True(t, p.ModuleAllowed("math"))
	assert.False(t, p.ModuleAllowed("os"))
}

func TestDerive(t *testing.T) {
	base := Default()
	p, err := base.Derive(WithMaxAttempts(5), WithForbiddenOperations(OpNetwork))
	require.NoError(t, err)
	assert.Equal(t, 5, p.MaxAttempts())
	assert.True(t, p.Forbids(OpNetwork))
	assert.False(t, p.Forbids(OpReflection))

	assert.Equal(t, 3, base.MaxAttempts())
	assert.True(t, base.Forbids(OpReflection))
}

func TestSpecRoundTrip(t *testing.T) {
	p, err := New(WithTimeout(2*time.Second), WithMemoryLimit(64<<20), WithMaxAttempts(2),
		WithAllowedModules("math"), WithForbiddenOperations(OpNetwork, OpProcessSpawn))
	require.NoError(t, err)

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"memory_limit":"64 MiB"`)

	var back Policy
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, p.String(), back.String())
}

func TestSpecBuild(t *testing.T) {
	p, err := Spec{Timeout: "1500ms", MemoryLimit: "128MiB", ForbiddenOperations: []string{}}.Build()
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, p.Timeout())
	assert.Equal(t, int64(128<<20), p.MemoryLimit())
	assert.Empty(t, p.ForbiddenOperations())
	assert.Equal(t, DefaultModules, p.AllowedModules())

	p, err = Spec{}.Build()
	require.NoError(t, err)
	assert.Len(t, p.ForbiddenOperations(), len(Operations()))

	_, err = Spec{Timeout: "soon", MemoryLimit: "lots", ForbiddenOperations: []string{"warp"}}.Build()
	require.Error(t, err)
	for _, want := range []string{"timeout", "memory_limit", "warp"} {
		assert.True(t, strings.Contains(err.Error(), want), "missing %q in %v", want, err)
	}
}

func TestParseOperation(t *testing.T) {
	op, err := ParseOperation(" network ")
	require.NoError(t, err)
	assert.Equal(t, OpNetwork, op)

	_, err = ParseOperation("sudo")
	assert.ErrorIs(t, err, ErrInvalid)
}
