package interp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/syntax"
)

func TestDesugar(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"import math", `load("math", "math")`},
		{"import math as m", `load("math", m="math")`},
		{"import math  # trig", `load("math", "math")`},
		{"from stats import mean", `load("stats", "mean")`},
		{"from stats import mean as avg, median", `load("stats", avg="mean", "median")`},
		{"from stats import (mean)", "from stats import (mean)"},
		{"  import math", "  import math"},
		{"x = 1", "x = 1"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Desugar(tt.in))
		})
	}
}

func TestDesugar_KeepsLineNumbers(t *testing.T) {
	src := "x = 1\nimport math\r\nreturn math.pi"
	out := Desugar(src)
	assert.Equal(t, "x = 1\nload(\"math\", \"math\")\nreturn math.pi", out)
}

func TestParse_WrapsBody(t *testing.T) {
	f, err := Parse("import math\nx = 1\nreturn x")
	require.NoError(t, err)
	require.Len(t, f.Stmts, 2)

	l, ok := f.Stmts[0].(*syntax.LoadStmt)
	require.True(t, ok)
	assert.Equal(t, "math", ModuleName(l))

	def, ok := f.Stmts[1].(*syntax.DefStmt)
	require.True(t, ok)
	assert.Equal(t, EntryName, def.Name.Name)
	assert.Len(t, def.Body, 2)
	assert.Len(t, Loads(f), 1)
}

func TestParse_EmptyBody(t *testing.T) {
	f, err := Parse("# nothing here\n")
	require.NoError(t, err)
	def := f.Stmts[0].(*syntax.DefStmt)
	require.Len(t, def.Body, 1)
	_, isPass := def.Body[0].(*syntax.BranchStmt)
	assert.True(t, isPass)
}

func TestParse_SyntaxError(t *testing.T) {
	_, err := Parse("x = (1,\n")
	var se syntax.Error
	require.ErrorAs(t, err, &se)
	assert.Positive(t, se.Pos.Line)
}

func TestStats(t *testing.T) {
	xs := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	assert.InDelta(t, 5.0, mean(xs), 1e-12)
	assert.InDelta(t, 4.5, median(xs), 1e-12)
	assert.InDelta(t, 32.0/7, variance(xs), 1e-12)
	assert.InDelta(t, math.Sqrt(32.0/7), stdev(xs), 1e-12)
	assert.Equal(t, []float64{2, 4, 4, 4, 5, 5, 7, 9}, xs, "median must not reorder its input")
}

func TestDescribe(t *testing.T) {
	members, ok := Describe("stats")
	require.True(t, ok)
	assert.Equal(t, []string{"mean", "median", "percentile", "stdev", "variance"}, members)

	members, ok = Describe(ScratchModule)
	require.True(t, ok)
	assert.Equal(t, []string{"exists", "list", "read", "write"}, members)

	_, ok = Describe("os")
	assert.False(t, ok)
	assert.Equal(t, []string{"json", "math", "scratch", "stats", "time"}, ModuleNames())
}
