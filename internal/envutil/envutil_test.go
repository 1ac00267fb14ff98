package envutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetEnv(t *testing.T) {
	tests := []struct {
		name  string
		env   []string
		key   string
		value string
		want  []string
	}{
		{"set new variable", []string{"A=1"}, "B", "2", []string{"A=1", "B=2"}},
		{"replace existing variable", []string{"A=1", "B=2"}, "A", "99", []string{"A=99", "B=2"}},
		{"set on nil slice", nil, "X", "y", []string{"X=y"}},
		{"empty value", []string{"A=1"}, "B", "", []string{"A=1", "B="}},
		{"value with equals sign", nil, "URL", "http://host?a=1&b=2", []string{"URL=http://host?a=1&b=2"}},
		{"prefix of another key", []string{"AB=1"}, "A", "2", []string{"AB=1", "A=2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SetEnv(tt.env, tt.key, tt.value))
		})
	}
}

func TestGetEnv(t *testing.T) {
	env := []string{"PATH=/usr/bin", "EMPTY=", "URL=http://x?a=1"}
	v, ok := GetEnv(env, "URL")
	assert.True(t, ok)
	assert.Equal(t, "http://x?a=1", v)

	v, ok = GetEnv(env, "EMPTY")
	assert.True(t, ok)
	assert.Empty(t, v)

	_, ok = GetEnv(env, "PAT")
	assert.False(t, ok)
}

func TestCopyEnv(t *testing.T) {
	orig := []string{"A=1"}
	cpy := CopyEnv(orig)
	cpy[0] = "A=2"
	assert.Equal(t, "A=1", orig[0])
	assert.Nil(t, CopyEnv(nil))
}

func TestFilter(t *testing.T) {
	env := []string{"PATH=/bin", "AWS_SECRET_ACCESS_KEY=x", "TZ=UTC", "BROKEN", "HOME=/root"}
	assert.Equal(t, []string{"PATH=/bin", "TZ=UTC"}, Filter(env, DefaultAllowed))
	assert.Empty(t, Filter(env, nil))
}

func TestWorker(t *testing.T) {
	base := []string{"PATH=/bin", "TOKEN=secret", "TZ=UTC"}
	got := Worker(base, DefaultAllowed, "TZ=Europe/Paris", "STAGE=run")
	assert.Equal(t, []string{"PATH=/bin", "TZ=Europe/Paris", "STAGE=run"}, got)
	assert.Equal(t, "TOKEN=secret", base[1], "base is not modified")
}
