package value

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// FromStarlark converts an interpreter value into the variant set. Tuples
// become lists and structs become maps; sets, functions, bytes and dicts
// with non-string keys are rejected.
func FromStarlark(v starlark.Value) (any, error) {
	return fromStarlark(v, "$", 0)
}

func fromStarlark(v starlark.Value, path string, depth int) (any, error) {
	if depth > MaxDepth {
		return nil, &SerializationError{Path: path, Reason: "nesting too deep"}
	}
	switch x := v.(type) {
	case nil, starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		i, ok := x.Int64()
		if !ok {
			return nil, &SerializationError{Path: path, Reason: "integer out of 64-bit range"}
		}
		return i, nil
	case starlark.Float:
		return floatValue(float64(x)), nil
	case starlark.String:
		return string(x), nil
	case *starlark.List:
		return fromIndexable(x, path, depth)
	case starlark.Tuple:
		return fromIndexable(x, path, depth)
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, item := range x.Items() {
			k, ok := item[0].(starlark.String)
			if !ok {
				return nil, &SerializationError{Path: path, Reason: fmt.Sprintf("dict key %s is a %s, want string", item[0], item[0].Type())}
			}
			e, err := fromStarlark(item[1], path+"."+string(k), depth+1)
			if err != nil {
				return nil, err
			}
			out[string(k)] = e
		}
		if reservedMap(out) {
			return nil, reservedKeyError(path)
		}
		return out, nil
	case *starlarkstruct.Struct:
		names := x.AttrNames()
		out := make(map[string]any, len(names))
		for _, name := range names {
			field, err := x.Attr(name)
			if err != nil {
				return nil, &SerializationError{Path: path + "." + name, Reason: err.Error()}
			}
			e, err := fromStarlark(field, path+"."+name, depth+1)
			if err != nil {
				return nil, err
			}
			out[name] = e
		}
		if reservedMap(out) {
			return nil, reservedKeyError(path)
		}
		return out, nil
	case *starlark.Set:
		return nil, &SerializationError{Path: path, Reason: "set is not serializable; convert it with sorted() or list()"}
	case starlark.Bytes:
		return nil, &SerializationError{Path: path, Reason: "bytes are not serializable"}
	case starlark.Callable:
		return nil, &SerializationError{Path: path, Reason: fmt.Sprintf("%s %s is not serializable", x.Type(), x.Name())}
	}
	return nil, &SerializationError{Path: path, Reason: fmt.Sprintf("%s is not serializable", v.Type())}
}

func fromIndexable(x starlark.Indexable, path string, depth int) (any, error) {
	out := make([]any, x.Len())
	for i := range x.Len() {
		e, err := fromStarlark(x.Index(i), fmt.Sprintf("%s[%d]", path, i), depth+1)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// ToStarlark converts a variant-set value into a frozen interpreter value.
func ToStarlark(v any) (starlark.Value, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	sv := toStarlark(n)
	sv.Freeze()
	return sv, nil
}

func toStarlark(v any) starlark.Value {
	switch x := v.(type) {
	case bool:
		return starlark.Bool(x)
	case int64:
		return starlark.MakeInt64(x)
	case float64:
		return starlark.Float(x)
	case NonFinite:
		return starlark.Float(x.Float())
	case string:
		return starlark.String(x)
	case []any:
		elems := make([]starlark.Value, len(x))
		for i, e := range x {
			elems[i] = toStarlark(e)
		}
		return starlark.NewList(elems)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := starlark.NewDict(len(x))
		for _, k := range keys {
			_ = d.SetKey(starlark.String(k), toStarlark(x[k])) // string keys always hash
		}
		return d
	}
	return starlark.None
}
