// Package value implements the closed set of result values that may cross
// the sandbox boundary, and the conversions into and out of it.
//
// The allowed variants are nil, bool, int64, finite float64, string, []any,
// map[string]any and NonFinite. Everything else is rejected with a
// *SerializationError.
package value

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// MaxDepth bounds the nesting of lists and maps. Deeper values, including
// self-referencing ones, are rejected.
const MaxDepth = 64

// ErrNotSerializable is wrapped by every *SerializationError.
var ErrNotSerializable = errors.New("value: not serializable")

// SerializationError reports the first value that could not be converted.
type SerializationError struct {
	// Path locates the offending value, e.g. $.rows[3].
	Path string
	// Reason describes why it was rejected.
	Reason string
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("cannot serialize %s: %s", e.Path, e.Reason)
}

func (e *SerializationError) Unwrap() error { return ErrNotSerializable }

// NonFinite tags a float that JSON cannot carry natively.
type NonFinite string

// Non-finite tags.
const (
	NaN    NonFinite = "NaN"
	PosInf NonFinite = "+Inf"
	NegInf NonFinite = "-Inf"
)

const nonFiniteKey = "$nonfinite"

// Float returns the float64 the tag stands for.
func (n NonFinite) Float() float64 {
	switch n {
	case PosInf:
		return math.Inf(1)
	case NegInf:
		return math.Inf(-1)
	default:
		return math.NaN()
	}
}

// MarshalJSON encodes n as {"$nonfinite": "<tag>"}.
func (n NonFinite) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{nonFiniteKey: string(n)})
}

// Tag returns the NonFinite tag for f, and false when f is finite.
func Tag(f float64) (NonFinite, bool) {
	switch {
	case math.IsNaN(f):
		return NaN, true
	case math.IsInf(f, 1):
		return PosInf, true
	case math.IsInf(f, -1):
		return NegInf, true
	}
	return "", false
}

// Normalize converts v into the closed variant set. Applying it to its own
// output returns an equal value. Maps are never read as non-finite tags;
// use FromJSON for values decoded from the wire.
func Normalize(v any) (any, error) {
	return normalize(v, "$", 0)
}

func normalize(v any, path string, depth int) (any, error) {
	if depth > MaxDepth {
		return nil, &SerializationError{Path: path, Reason: "nesting too deep"}
	}
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return x, nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		return uintValue(uint64(x), path)
	case uint64:
		return uintValue(x, path)
	case float32:
		return floatValue(float64(x)), nil
	case float64:
		return floatValue(x), nil
	case NonFinite:
		switch x {
		case NaN, PosInf, NegInf:
			return x, nil
		}
		return nil, &SerializationError{Path: path, Reason: fmt.Sprintf("unknown non-finite tag %q", string(x))}
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(string(x), 64)
		if err != nil {
			return nil, &SerializationError{Path: path, Reason: fmt.Sprintf("invalid number %q", string(x))}
		}
		return floatValue(f), nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			n, err := normalize(e, fmt.Sprintf("%s[%d]", path, i), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			n, err := normalize(e, path+"."+k, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	}
	return normalizeReflect(v, path, depth)
}

// normalizeReflect handles typed slices and string-keyed maps.
func normalizeReflect(v any, path string, depth int) (any, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, &SerializationError{Path: path, Reason: "bytes are not serializable"}
		}
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			n, err := normalize(rv.Index(i).Interface(), fmt.Sprintf("%s[%d]", path, i), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &SerializationError{Path: path, Reason: "map keys must be strings"}
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			n, err := normalize(iter.Value().Interface(), path+"."+k, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	}
	return nil, &SerializationError{Path: path, Reason: fmt.Sprintf("unsupported type %T", v)}
}

func uintValue(u uint64, path string) (any, error) {
	if u > math.MaxInt64 {
		return nil, &SerializationError{Path: path, Reason: "integer out of 64-bit range"}
	}
	return int64(u), nil
}

func floatValue(f float64) any {
	if tag, ok := Tag(f); ok {
		return tag
	}
	return f
}

// reservedMap reports whether m has the shape of a non-finite tag. Such a
// map cannot cross the JSON boundary without turning into a number.
func reservedMap(m map[string]any) bool {
	_, ok := m[nonFiniteKey]
	return ok && len(m) == 1
}

func reservedKeyError(path string) error {
	return &SerializationError{Path: path, Reason: fmt.Sprintf("a dict whose only key is %q is reserved", nonFiniteKey)}
}

// Portable reports a *SerializationError if v holds a map that would be
// read back as a non-finite tag after encoding.
func Portable(v any) error {
	return portable(v, "$", 0)
}

func portable(v any, path string, depth int) error {
	if depth > MaxDepth {
		return &SerializationError{Path: path, Reason: "nesting too deep"}
	}
	switch x := v.(type) {
	case []any:
		for i, e := range x {
			if err := portable(e, fmt.Sprintf("%s[%d]", path, i), depth+1); err != nil {
				return err
			}
		}
	case map[string]any:
		if reservedMap(x) {
			return reservedKeyError(path)
		}
		for k, e := range x {
			if err := portable(e, path+"."+k, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// FromJSON normalizes a value produced by encoding/json, turning
// non-finite tags back into NonFinite.
func FromJSON(v any) (any, error) {
	revived, err := revive(v, "$", 0)
	if err != nil {
		return nil, err
	}
	return Normalize(revived)
}

func revive(v any, path string, depth int) (any, error) {
	if depth > MaxDepth {
		return nil, &SerializationError{Path: path, Reason: "nesting too deep"}
	}
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			r, err := revive(e, fmt.Sprintf("%s[%d]", path, i), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		if tag, ok := nonFiniteTag(x); ok {
			return tag, nil
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			r, err := revive(e, path+"."+k, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	}
	return v, nil
}

func nonFiniteTag(m map[string]any) (NonFinite, bool) {
	if len(m) != 1 {
		return "", false
	}
	s, _ := m[nonFiniteKey].(string)
	switch n := NonFinite(s); n {
	case NaN, PosInf, NegInf:
		return n, true
	}
	return "", false
}

// Decode parses JSON produced by Encode back into the variant set.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("value: decode: %w", err)
	}
	return FromJSON(v)
}

// Encode normalizes v and returns its JSON encoding.
func Encode(v any) ([]byte, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	if err := Portable(n); err != nil {
		return nil, err
	}
	return json.Marshal(n)
}
