package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Simon-McIntosh/nucleai-sandbox/outcome"
	"github.com/Simon-McIntosh/nucleai-sandbox/policy"
)

func TestInline_Success(t *testing.T) {
	r := NewInline(WithScratchRoot(t.TempDir()))
	o := r.Run(context.Background(), Request{Source: "return 6 * 7"})
	require.Equal(t, outcome.KindSuccess, o.Kind(), "%+v", o.Result())
	assert.Equal(t, int64(42), o.Output())
	assert.Equal(t, "inline", r.Name())
}

func TestInline_ScratchIsPerAttempt(t *testing.T) {
	root := t.TempDir()
	r := NewInline(WithScratchRoot(root))
	src := "import scratch\nscratch.write(\"a.txt\", \"x\")\nreturn scratch.list()"

	for range 2 {
		o := r.Run(context.Background(), Request{Source: src})
		require.Equal(t, outcome.KindSuccess, o.Kind(), "%+v", o.Result())
		assert.Equal(t, []any{"a.txt"}, o.Output())
	}

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch directories must be removed after each attempt")
}

func TestInline_CallerScratchIsKept(t *testing.T) {
	dir := t.TempDir()
	r := NewInline()
	o := r.Run(context.Background(), Request{
		Source:     "import scratch\nscratch.write(\"k.txt\", \"v\")\nreturn 1",
		ScratchDir: dir,
	})
	require.Equal(t, outcome.KindSuccess, o.Kind(), "%+v", o.Result())
	assert.FileExists(t, filepath.Join(dir, "k.txt"))
}

func TestInline_Timeout(t *testing.T) {
	p, err := policy.New(policy.WithTimeout(100 * time.Millisecond))
	require.NoError(t, err)
	r := NewInline(WithScratchRoot(t.TempDir()))
	o := r.Run(context.Background(), Request{Source: "while True:\n    pass\nreturn 1", Policy: p})
	assert.Equal(t, outcome.KindResourceExceeded, o.Kind())
	assert.Equal(t, outcome.ResourceTimeout, o.Resource())
}

func TestInline_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := NewInline().Run(ctx, Request{Source: "return 1"})
	assert.Equal(t, outcome.KindCancelled, o.Kind())
}

func TestInline_Closed(t *testing.T) {
	r := NewInline()
	require.NoError(t, r.Close(context.Background()))
	o := r.Run(context.Background(), Request{Source: "return 1"})
	f, ok := o.Failure()
	require.True(t, ok)
	assert.Equal(t, outcome.FailSandbox, f.Kind)
	assert.Contains(t, f.Message, "closed")
}

func TestScratchDir(t *testing.T) {
	root := t.TempDir()
	dir, err := NewScratchDir(root)
	require.NoError(t, err)
	assert.Equal(t, root, filepath.Dir(dir))
	assert.Contains(t, filepath.Base(dir), ScratchPrefix)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "b"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "b", "f"), []byte("x"), 0o600))
	require.NoError(t, RemoveScratchDir(dir))
	assert.NoDirExists(t, dir)

	require.NoError(t, RemoveScratchDir(dir), "removing twice is fine")
	require.NoError(t, RemoveScratchDir(""))

	_, err = NewScratchDir("bad\x00root")
	assert.Error(t, err)
}
