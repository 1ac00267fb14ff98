// Package bind turns opaque data-handle references from the data-access
// layer into an immutable set of named, read-only bindings for a single
// submission. The binder never fetches the data behind a reference.
package bind

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/Simon-McIntosh/nucleai-sandbox/value"
)

// ErrInvalidBinding indicates a binding name or payload was rejected.
var ErrInvalidBinding = errors.New("bind: invalid binding")

// keywords are the reserved words of the submission language, plus the
// Python ones agents commonly reach for.
var keywords = map[string]struct{}{
	"and": {}, "as": {}, "assert": {}, "async": {}, "await": {}, "break": {},
	"class": {}, "continue": {}, "def": {}, "del": {}, "elif": {}, "else": {},
	"except": {}, "finally": {}, "for": {}, "from": {}, "global": {}, "if": {},
	"import": {}, "in": {}, "is": {}, "lambda": {}, "load": {}, "nonlocal": {},
	"not": {}, "or": {}, "pass": {}, "raise": {}, "return": {}, "try": {},
	"while": {}, "with": {}, "yield": {}, "None": {}, "True": {}, "False": {},
}

// Ref is an opaque reference to a data resource, as produced by the
// data-access layer.
type Ref struct {
	// URI identifies the resource, e.g. "imas:equilibrium/time_slice".
	URI string `json:"uri"`
	// Kind is a free-form resource type.
	Kind string `json:"kind,omitempty"`
	// Meta carries descriptive metadata.
	Meta map[string]any `json:"meta,omitempty"`
	// Data is an optional already-materialized payload.
	Data any `json:"data,omitempty"`
}

// Handle is a named, validated binding.
type Handle struct {
	Name string `json:"name"`
	Ref
}

// Set is an immutable collection of bindings. The zero value and nil are
// both valid empty sets.
type Set struct {
	handles []Handle
}

// Option configures Bind.
type Option func(*options)

type options struct {
	reserved []string
}

// WithReserved adds names that bindings may not shadow, such as module
// identifiers or names the executor predeclares.
func WithReserved(names ...string) Option {
	cpy := append([]string(nil), names...)
	return func(o *options) { o.reserved = append(o.reserved, cpy...) }
}

// Bind validates refs and returns an immutable Set. All problems are
// reported together in an error wrapping ErrInvalidBinding.
func Bind(refs map[string]Ref, opts ...Option) (*Set, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	reserved := make(map[string]struct{}, len(o.reserved))
	for _, r := range o.reserved {
		reserved[r] = struct{}{}
	}

	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []string
	s := &Set{handles: make([]Handle, 0, len(refs))}
	for _, name := range names {
		if err := checkName(name, reserved); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		ref := refs[name]
		if ref.URI == "" {
			errs = append(errs, fmt.Sprintf("%s: uri must not be empty", name))
			continue
		}
		h, err := normalizeHandle(name, ref)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		s.handles = append(s.handles, h)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBinding, strings.Join(errs, "; "))
	}
	return s, nil
}

func checkName(name string, reserved map[string]struct{}) error {
	if !IsIdentifier(name) {
		return fmt.Errorf("%q is not a valid identifier", name)
	}
	if _, ok := keywords[name]; ok {
		return fmt.Errorf("%q is a keyword", name)
	}
	if strings.HasPrefix(name, "_") {
		return fmt.Errorf("%q: names starting with an underscore are reserved", name)
	}
	if _, ok := starlark.Universe[name]; ok {
		return fmt.Errorf("%q shadows a builtin", name)
	}
	if _, ok := reserved[name]; ok {
		return fmt.Errorf("%q shadows a reserved name", name)
	}
	return nil
}

func normalizeHandle(name string, ref Ref) (Handle, error) {
	meta := map[string]any{}
	if ref.Meta != nil {
		m, err := value.Normalize(ref.Meta)
		if err == nil {
			err = value.Portable(m)
		}
		if err != nil {
			return Handle{}, fmt.Errorf("meta: %w", err)
		}
		meta = m.(map[string]any)
	}
	data, err := value.Normalize(ref.Data)
	if err == nil {
		err = value.Portable(data)
	}
	if err != nil {
		return Handle{}, fmt.Errorf("data: %w", err)
	}
	return Handle{Name: name, Ref: Ref{URI: ref.URI, Kind: ref.Kind, Meta: meta, Data: data}}, nil
}

// IsIdentifier reports whether s is a syntactically valid identifier.
func IsIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return utf8.ValidString(s)
}

// Len returns the number of bindings.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.handles)
}

// Names returns the binding names in sorted order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.handles))
	for i, h := range s.handles {
		out[i] = h.Name
	}
	return out
}

// Lookup returns a copy of the named handle.
func (s *Set) Lookup(name string) (Handle, bool) {
	if s == nil {
		return Handle{}, false
	}
	i, ok := slices.BinarySearchFunc(s.handles, name, func(h Handle, n string) int {
		return strings.Compare(h.Name, n)
	})
	if !ok {
		return Handle{}, false
	}
	return copyHandle(s.handles[i]), true
}

// Handles returns copies of every handle in name order.
func (s *Set) Handles() []Handle {
	if s == nil {
		return nil
	}
	out := make([]Handle, len(s.handles))
	for i, h := range s.handles {
		out[i] = copyHandle(h)
	}
	return out
}

// copyHandle deep-copies the normalized Meta and Data so callers cannot
// reach the Set's internal state.
func copyHandle(h Handle) Handle {
	meta, _ := value.Normalize(h.Meta)
	data, _ := value.Normalize(h.Data)
	h.Meta, _ = meta.(map[string]any)
	h.Data = data
	return h
}

// Predeclared returns the bindings as frozen interpreter values, one
// struct(name, uri, kind, meta, data) per handle.
func (s *Set) Predeclared() (starlark.StringDict, error) {
	out := make(starlark.StringDict, s.Len())
	if s == nil {
		return out, nil
	}
	for _, h := range s.handles {
		meta, err := value.ToStarlark(h.Meta)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.meta: %w", ErrInvalidBinding, h.Name, err)
		}
		data, err := value.ToStarlark(h.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.data: %w", ErrInvalidBinding, h.Name, err)
		}
		st := starlarkstruct.FromStringDict(starlark.String("handle"), starlark.StringDict{
			"name": starlark.String(h.Name),
			"uri":  starlark.String(h.URI),
			"kind": starlark.String(h.Kind),
			"meta": meta,
			"data": data,
		})
		st.Freeze()
		out[h.Name] = st
	}
	return out, nil
}

// MarshalJSON encodes the set as a list of handles.
func (s *Set) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.handles)
}

// UnmarshalJSON decodes a list of handles, revalidating each one.
func (s *Set) UnmarshalJSON(data []byte) error {
	var hs []Handle
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&hs); err != nil {
		return err
	}
	refs := make(map[string]Ref, len(hs))
	for _, h := range hs {
		if _, dup := refs[h.Name]; dup {
			return fmt.Errorf("%w: duplicate name %q", ErrInvalidBinding, h.Name)
		}
		ref, err := reviveRef(h.Ref)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidBinding, h.Name, err)
		}
		refs[h.Name] = ref
	}
	built, err := Bind(refs)
	if err != nil {
		return err
	}
	s.handles = built.handles
	return nil
}

// reviveRef restores the non-finite numbers of a decoded reference.
func reviveRef(ref Ref) (Ref, error) {
	data, err := value.FromJSON(ref.Data)
	if err != nil {
		return Ref{}, err
	}
	ref.Data = data
	if ref.Meta != nil {
		meta, err := value.FromJSON(ref.Meta)
		if err != nil {
			return Ref{}, err
		}
		m, ok := meta.(map[string]any)
		if !ok {
			return Ref{}, errors.New("meta is not a map")
		}
		ref.Meta = m
	}
	return ref, nil
}
