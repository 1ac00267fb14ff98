package sandbox

import (
	"github.com/Simon-McIntosh/nucleai-sandbox/bind"
	"github.com/Simon-McIntosh/nucleai-sandbox/session"
	"github.com/Simon-McIntosh/nucleai-sandbox/validate"
)

// Option configures a single Validate, ExecuteOnce or RunSession call.
type Option func(*callOptions)

// callOptions holds per-call configuration applied via Option functions.
type callOptions struct {
	sessionID    string
	globals      []string
	scratchQuota int64
	maxOutput    int
	onAttempt    func(session.Attempt)
}

// mergeCallOptions applies per-call Option functions and returns the result.
func mergeCallOptions(opts ...Option) *callOptions {
	co := &callOptions{}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// validateOptions returns the validator options of the call. Name
// checking is enabled when bindings are known or globals were declared.
func (co *callOptions) validateOptions(b *bind.Set) []validate.Option {
	var opts []validate.Option
	if b != nil {
		opts = append(opts, validate.WithBindings(b))
	}
	if len(co.globals) > 0 {
		opts = append(opts, validate.WithGlobals(co.globals...))
	}
	return opts
}

// WithSessionID sets the identifier of the session started by the call
// instead of a random UUID.
func WithSessionID(id string) Option {
	return func(o *callOptions) {
		o.sessionID = id
	}
}

// WithGlobals declares extra names that the validator treats as defined,
// in addition to the bindings and built-ins.
func WithGlobals(names ...string) Option {
	cpy := append([]string(nil), names...)
	return func(o *callOptions) {
		o.globals = append(o.globals, cpy...)
	}
}

// WithScratchQuota overrides Config.ScratchQuota for a single call.
func WithScratchQuota(n int64) Option {
	return func(o *callOptions) {
		o.scratchQuota = n
	}
}

// WithMaxOutput overrides Config.MaxOutput for a single call.
func WithMaxOutput(n int) Option {
	return func(o *callOptions) {
		o.maxOutput = n
	}
}

// WithAttemptHook registers fn to be called after every attempt of the
// call, in order, from the calling goroutine.
func WithAttemptHook(fn func(session.Attempt)) Option {
	return func(o *callOptions) {
		o.onAttempt = fn
	}
}
