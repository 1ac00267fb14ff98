package interp

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/Simon-McIntosh/nucleai-sandbox/internal/pathutil"
	"github.com/Simon-McIntosh/nucleai-sandbox/policy"
)

// ScratchModule is the identifier of the per-attempt scratch area module.
const ScratchModule = "scratch"

// defaultScratchQuota bounds the bytes an attempt may write to scratch.
const defaultScratchQuota = 64 << 20

// ErrModuleNotAllowed is returned when code loads a module outside the
// policy allowlist.
var ErrModuleNotAllowed = errors.New("module is not allowed")

var builtinModules = map[string]*starlarkstruct.Module{
	"math":  starlarkmath.Module,
	"json":  json.Module,
	"time":  starlarktime.Module,
	"stats": statsModule,
}

// ModuleNames returns the identifiers of every module the interpreter can
// provide, whether or not a policy allows them.
func ModuleNames() []string {
	names := []string{ScratchModule}
	for name := range builtinModules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns the sorted member names of a module.
func Describe(name string) ([]string, bool) {
	if name == ScratchModule {
		return newScratch("", 0).module().Members.Keys(), true
	}
	m, ok := builtinModules[name]
	if !ok {
		return nil, false
	}
	keys := m.Members.Keys()
	slices.Sort(keys)
	return keys, true
}

// loader resolves load statements against the policy allowlist.
type loader struct {
	policy  *policy.Policy
	scratch *scratchArea
}

func (l *loader) load(_ *starlark.Thread, name string) (starlark.StringDict, error) {
	if !l.policy.ModuleAllowed(name) {
		return nil, fmt.Errorf("%q: %w", name, ErrModuleNotAllowed)
	}
	var m *starlarkstruct.Module
	if name == ScratchModule {
		m = l.scratch.module()
	} else if bm, ok := builtinModules[name]; ok {
		m = bm
	} else {
		return nil, fmt.Errorf("no such module %q", name)
	}
	out := make(starlark.StringDict, len(m.Members)+1)
	for k, v := range m.Members {
		out[k] = v
	}
	out[name] = m
	return out, nil
}

// ---------------------------------------------------------------------------
// stats
// ---------------------------------------------------------------------------

var statsModule = &starlarkstruct.Module{
	Name: "stats",
	Members: starlark.StringDict{
		"mean":       starlark.NewBuiltin("mean", statsUnary("mean", 1, mean)),
		"median":     starlark.NewBuiltin("median", statsUnary("median", 1, median)),
		"variance":   starlark.NewBuiltin("variance", statsUnary("variance", 2, variance)),
		"stdev":      starlark.NewBuiltin("stdev", statsUnary("stdev", 2, stdev)),
		"percentile": starlark.NewBuiltin("percentile", percentile),
	},
}

// floats converts an iterable of numbers into a float slice.
func floats(fn string, v starlark.Value) ([]float64, error) {
	iter, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want iterable", fn, v.Type())
	}
	it := iter.Iterate()
	defer it.Done()
	var out []float64
	var x starlark.Value
	for it.Next(&x) {
		f, ok := starlark.AsFloat(x)
		if !ok {
			return nil, fmt.Errorf("%s: got %s element, want number", fn, x.Type())
		}
		out = append(out, f)
	}
	return out, nil
}

func statsUnary(fn string, minLen int, f func([]float64) float64) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var data starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
			return nil, err
		}
		xs, err := floats(fn, data)
		if err != nil {
			return nil, err
		}
		if len(xs) < minLen {
			return nil, fmt.Errorf("%s requires at least %d data points, got %d", fn, minLen, len(xs))
		}
		return starlark.Float(f(xs)), nil
	}
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func median(xs []float64) float64 {
	s := slices.Clone(xs)
	slices.Sort(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// variance returns the sample variance.
func variance(xs []float64) float64 {
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return ss / float64(len(xs)-1)
}

func stdev(xs []float64) float64 { return math.Sqrt(variance(xs)) }

func percentile(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data, q starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "data", &data, "q", &q); err != nil {
		return nil, err
	}
	p, ok := starlark.AsFloat(q)
	if !ok || p < 0 || p > 100 {
		return nil, fmt.Errorf("percentile: q must be a number in [0, 100], got %s", q)
	}
	xs, err := floats("percentile", data)
	if err != nil {
		return nil, err
	}
	if len(xs) == 0 {
		return nil, errors.New("percentile requires at least 1 data point, got 0")
	}
	slices.Sort(xs)
	rank := p / 100 * float64(len(xs)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)
	return starlark.Float(xs[lo] + (xs[hi]-xs[lo])*frac), nil
}

// ---------------------------------------------------------------------------
// scratch
// ---------------------------------------------------------------------------

// scratchArea is the per-attempt writable directory exposed to code.
type scratchArea struct {
	root  string
	quota int64
	used  int64
}

func newScratch(root string, quota int64) *scratchArea {
	if quota <= 0 {
		quota = defaultScratchQuota
	}
	return &scratchArea{root: root, quota: quota}
}

func (s *scratchArea) module() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: ScratchModule,
		Members: starlark.StringDict{
			"write":  starlark.NewBuiltin("write", s.write),
			"read":   starlark.NewBuiltin("read", s.read),
			"exists": starlark.NewBuiltin("exists", s.exists),
			"list":   starlark.NewBuiltin("list", s.list),
		},
	}
}

func (s *scratchArea) resolve(fn, rel string) (string, error) {
	if s.root == "" {
		return "", fmt.Errorf("%s: scratch area unavailable", fn)
	}
	p, err := pathutil.Confine(s.root, rel)
	if err != nil {
		return "", fmt.Errorf("%s: %w", fn, err)
	}
	return p, nil
}

func (s *scratchArea) write(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var rel, content string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &rel, "content", &content); err != nil {
		return nil, err
	}
	p, err := s.resolve(b.Name(), rel)
	if err != nil {
		return nil, err
	}
	if s.used+int64(len(content)) > s.quota {
		return nil, fmt.Errorf("write: scratch quota of %d bytes exceeded", s.quota)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	s.used += int64(len(content))
	return starlark.None, nil
}

func (s *scratchArea) read(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var rel string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &rel); err != nil {
		return nil, err
	}
	p, err := s.resolve(b.Name(), rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read: %s: %w", rel, errors.Unwrap(err))
	}
	return starlark.String(data), nil
}

func (s *scratchArea) exists(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var rel string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &rel); err != nil {
		return nil, err
	}
	p, err := s.resolve(b.Name(), rel)
	if err != nil {
		return nil, err
	}
	_, err = os.Stat(p)
	return starlark.Bool(err == nil), nil
}

func (s *scratchArea) list(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	if s.root == "" {
		return nil, errors.New("list: scratch area unavailable")
	}
	var names []string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, relErr := filepath.Rel(s.root, path)
			if relErr != nil {
				return relErr
			}
			names = append(names, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	sort.Strings(names)
	elems := make([]starlark.Value, len(names))
	for i, n := range names {
		elems[i] = starlark.String(n)
	}
	return starlark.NewList(elems), nil
}
