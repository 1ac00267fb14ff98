// Package envutil manipulates "KEY=VALUE" environment slices, in particular
// the minimal environment handed to worker processes.
package envutil

import (
	"slices"
	"strings"
)

// DefaultAllowed lists the variables a worker inherits from the host. Code
// under evaluation cannot read the environment, but the Go runtime and the
// dynamic loader of the worker binary honour some of these.
var DefaultAllowed = []string{"PATH", "TZ", "LANG", "LC_ALL", "GODEBUG", "GOMAXPROCS", "GOTRACEBACK"}

// key returns the variable name of an entry.
func key(entry string) string {
	if idx := strings.IndexByte(entry, '='); idx >= 0 {
		return entry[:idx]
	}
	return entry
}

// CopyEnv returns a copy of env that shares no backing array with it.
func CopyEnv(env []string) []string {
	return append([]string(nil), env...)
}

// SetEnv sets or replaces a variable in env and returns the result. An
// existing entry is updated in place.
func SetEnv(env []string, name, value string) []string {
	prefix := name + "="
	for i, e := range env {
		if strings.HasPrefix(e, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// GetEnv returns the value of name in env and whether it was present.
func GetEnv(env []string, name string) (string, bool) {
	prefix := name + "="
	for _, e := range env {
		if v, ok := strings.CutPrefix(e, prefix); ok {
			return v, true
		}
	}
	return "", false
}

// Filter returns the entries of env whose name is in allowed, in their
// original order. Entries without '=' are dropped.
func Filter(env []string, allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, e := range env {
		if !strings.Contains(e, "=") {
			continue
		}
		if slices.Contains(allowed, key(e)) {
			out = append(out, e)
		}
	}
	return out
}

// Worker builds a worker environment: the allowed entries of base, then
// extra ("KEY=VALUE" entries), which override base.
func Worker(base, allowed []string, extra ...string) []string {
	env := Filter(base, allowed)
	for _, e := range extra {
		name, value, _ := strings.Cut(e, "=")
		env = SetEnv(env, name, value)
	}
	return env
}
