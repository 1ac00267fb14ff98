//go:build linux

// Package linux isolates worker processes with process hardening, Landlock
// filesystem rules, rlimits, a seccomp filter and optional namespaces.
//
// Restrictions are applied by the worker itself in a short init stage:
// WrapCommand rewrites the worker command to re-execute the same binary in
// sandbox-init mode, MaybeSandboxInit applies the configuration read from
// an inherited pipe, then execs the original command. Every restriction
// survives the exec.
package linux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/Simon-McIntosh/nucleai-sandbox/internal/envutil"
	"github.com/Simon-McIntosh/nucleai-sandbox/platform"
)

// executableFn is overridden in tests.
var executableFn = os.Executable

// Platform implements platform.Platform for Linux.
type Platform struct {
	kernelVersion   KernelVersion
	landlock        LandlockInfo
	requireLandlock bool
}

// Option configures a Platform.
type Option func(*Platform)

// RequireLandlock makes workers refuse to start on kernels without
// Landlock instead of running with static validation as the only
// filesystem guard.
func RequireLandlock() Option {
	return func(p *Platform) { p.requireLandlock = true }
}

// New creates a Platform, detecting kernel version and Landlock support.
func New(opts ...Option) *Platform {
	// A zero KernelVersion from a restricted /proc disables version-gated
	// features.
	kv, _ := DetectKernelVersion()
	p := &Platform{kernelVersion: kv, landlock: DetectLandlock()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the platform identifier.
func (l *Platform) Name() string {
	return "linux-landlock"
}

// Available reports whether workers can be isolated. Hardening and seccomp
// need only a supported architecture; Landlock is checked when required.
func (l *Platform) Available() bool {
	if _, err := seccompSyscallsFn(); err != nil {
		return false
	}
	return l.landlock.Supported || !l.requireLandlock
}

// CheckDependencies inspects the system for required and optional
// isolation features.
func (l *Platform) CheckDependencies() *platform.DependencyCheck {
	check := &platform.DependencyCheck{}
	if _, err := seccompSyscallsFn(); err != nil {
		check.Errors = append(check.Errors, err.Error())
	}
	if !l.kernelVersion.AtLeast(5, 13) {
		check.Warnings = append(check.Warnings,
			fmt.Sprintf("kernel %s < 5.13: Landlock filesystem restrictions unavailable", l.kernelVersion))
	}
	if !l.landlock.Supported {
		msg := "Landlock not supported: " + l.landlock.Features
		if l.requireLandlock {
			check.Errors = append(check.Errors, msg)
		} else {
			check.Warnings = append(check.Warnings, msg)
		}
	}
	return check
}

// Capabilities returns the isolation features available on this kernel.
func (l *Platform) Capabilities() platform.Capabilities {
	return platform.Capabilities{
		FileWriteAllow: l.landlock.Supported,
		NetworkDeny:    true, // seccomp denies socket(2)
		PIDIsolation:   true, // CLONE_NEWPID when namespaces are enabled
		SyscallFilter:  true,
		ProcessHarden:  true,
	}
}

// WrapCommand rewrites cmd to start in sandbox-init mode. The original
// program and arguments are exec'd once the restrictions are in place.
// The read end of the config pipe is appended to cmd.ExtraFiles; the
// caller closes it after cmd.Start.
func (l *Platform) WrapCommand(_ context.Context, cmd *exec.Cmd, cfg *platform.WrapConfig) error {
	if cmd == nil || cmd.Path == "" {
		return errors.New("linux: command must not be empty")
	}
	if cmd.Process != nil {
		return errors.New("linux: command already started")
	}
	if cfg == nil {
		cfg = &platform.WrapConfig{}
	}
	if !filepath.IsAbs(cmd.Path) {
		return fmt.Errorf("linux: command path %q must be absolute", cmd.Path)
	}
	self, err := executableFn()
	if err != nil {
		return fmt.Errorf("linux: locate executable: %w", err)
	}

	data, err := json.Marshal(reExecConfig{WrapConfig: *cfg, RequireLandlock: l.requireLandlock})
	if err != nil {
		return fmt.Errorf("linux: encode config: %w", err)
	}
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("linux: config pipe: %w", err)
	}
	// The config is far smaller than a pipe buffer, so the write cannot
	// block before the child starts reading.
	if _, err := w.Write(data); err != nil {
		_ = r.Close()
		_ = w.Close()
		return fmt.Errorf("linux: write config: %w", err)
	}
	if err := w.Close(); err != nil {
		_ = r.Close()
		return fmt.Errorf("linux: write config: %w", err)
	}

	// ExtraFiles[i] becomes descriptor 3+i in the child.
	fd := 3 + len(cmd.ExtraFiles)
	cmd.ExtraFiles = append(cmd.ExtraFiles, r)

	env := cmd.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = envutil.SetEnv(envutil.CopyEnv(env), reExecEnvKey, strconv.Itoa(fd))

	args := []string{self, cmd.Path}
	if len(cmd.Args) > 1 {
		args = append(args, cmd.Args[1:]...)
	}
	cmd.Path = self
	cmd.Args = args

	configureNamespaces(cmd, cfg)
	return nil
}

// Cleanup is a no-op: every restriction dies with its worker.
func (l *Platform) Cleanup(_ context.Context) error {
	return nil
}
