package interp

import (
	"fmt"
	"math"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/Simon-McIntosh/nucleai-sandbox/bind"
)

// extras are predeclared alongside the universe. Entries already provided
// by the universe are skipped, except fail, which is replaced so that user
// errors can be told apart from interpreter errors.
var extras = starlark.StringDict{
	"fail":  starlark.NewBuiltin("fail", fail),
	"sum":   starlark.NewBuiltin("sum", sum),
	"abs":   starlark.NewBuiltin("abs", abs),
	"round": starlark.NewBuiltin("round", round),
}

// ReservedNames returns the names a binding may not use: interpreter
// extras, the entry function, load and every module identifier.
func ReservedNames() []string {
	names := []string{EntryName, "load"}
	for name := range extras {
		names = append(names, name)
	}
	return append(names, ModuleNames()...)
}

// Predeclared returns the global environment of a submission: the extras
// plus one frozen struct per binding.
func Predeclared(b *bind.Set) (starlark.StringDict, error) {
	handles, err := b.Predeclared()
	if err != nil {
		return nil, err
	}
	env := make(starlark.StringDict, len(extras)+len(handles))
	for name, v := range extras {
		if name != "fail" && starlark.Universe.Has(name) {
			continue
		}
		env[name] = v
	}
	for name, v := range handles {
		env[name] = v
	}
	return env, nil
}

func fail(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	sep := " "
	if err := starlark.UnpackArgs(b.Name(), nil, kwargs, "sep?", &sep); err != nil {
		return nil, err
	}
	parts := make([]string, len(args))
	for i, a := range args {
		if s, ok := starlark.AsString(a); ok {
			parts[i] = s
		} else {
			parts[i] = a.String()
		}
	}
	return nil, &userError{msg: strings.Join(parts, sep)}
}

func sum(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var start starlark.Value = starlark.MakeInt(0)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
		return nil, err
	}
	it := iterable.Iterate()
	defer it.Done()
	acc := start
	var x starlark.Value
	for it.Next(&x) {
		v, err := starlark.Binary(syntax.PLUS, acc, x)
		if err != nil {
			return nil, fmt.Errorf("sum: %w", err)
		}
		acc = v
	}
	return acc, nil
}

func abs(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
		return nil, err
	}
	switch x := x.(type) {
	case starlark.Int:
		if x.Sign() < 0 {
			return starlark.Unary(syntax.MINUS, x)
		}
		return x, nil
	case starlark.Float:
		return starlark.Float(math.Abs(float64(x))), nil
	default:
		return nil, fmt.Errorf("abs: got %s, want int or float", x.Type())
	}
}

func round(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	var ndigits starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "number", &x, "ndigits?", &ndigits); err != nil {
		return nil, err
	}
	f, ok := starlark.AsFloat(x)
	if !ok {
		return nil, fmt.Errorf("round: got %s, want int or float", x.Type())
	}
	if ndigits == starlark.None {
		if i, isInt := x.(starlark.Int); isInt {
			return i, nil
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("round: cannot convert %s to int", x)
		}
		return starlark.NumberToInt(starlark.Float(math.RoundToEven(f)))
	}
	var n int
	if err := starlark.AsInt(ndigits, &n); err != nil {
		return nil, fmt.Errorf("round: ndigits: %w", err)
	}
	scale := math.Pow(10, float64(n))
	return starlark.Float(math.RoundToEven(f*scale) / scale), nil
}
