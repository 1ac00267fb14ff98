package platform

import (
	"context"
	"os/exec"
)

// Platform defines the interface for OS-specific worker isolation. Each
// supported operating system provides a concrete implementation that
// applies its isolation mechanisms (namespaces, Landlock and seccomp on
// Linux) to a worker command before it starts.
type Platform interface {
	// Name returns a human-readable identifier for this platform
	// (e.g., "linux-landlock").
	Name() string

	// Available reports whether this platform's isolation mechanism is
	// functional on the current system.
	Available() bool

	// CheckDependencies inspects the system for required and optional
	// dependencies needed by this platform.
	CheckDependencies() *DependencyCheck

	// WrapCommand modifies an unstarted worker command in place so that it
	// runs under the restrictions described by cfg. Files the caller must
	// close after cmd.Start are appended to cmd.ExtraFiles.
	WrapCommand(ctx context.Context, cmd *exec.Cmd, cfg *WrapConfig) error

	// Cleanup releases all platform-specific resources.
	Cleanup(ctx context.Context) error

	// Capabilities returns the set of isolation features this platform supports.
	Capabilities() Capabilities
}

// DependencyCheck holds the result of a dependency check.
type DependencyCheck struct {
	// Errors lists critical missing dependencies that prevent isolation.
	Errors []string

	// Warnings lists non-critical issues that may degrade isolation.
	Warnings []string
}

// OK returns true if no critical dependency errors were found.
func (d *DependencyCheck) OK() bool {
	return len(d.Errors) == 0
}

// Capabilities describes what isolation features a platform supports.
type Capabilities struct {
	// FileWriteAllow indicates the platform can restrict writes to the
	// scratch directory.
	FileWriteAllow bool

	// NetworkDeny indicates the platform can block all network access.
	NetworkDeny bool

	// PIDIsolation indicates the platform can isolate process IDs.
	PIDIsolation bool

	// SyscallFilter indicates the platform can filter system calls (e.g., seccomp).
	SyscallFilter bool

	// ProcessHarden indicates the platform can apply process hardening measures.
	ProcessHarden bool
}

// WrapConfig describes the restrictions applied to one worker process.
type WrapConfig struct {
	// ScratchDir is the only directory the worker may write to.
	ScratchDir string `json:"scratch_dir,omitempty"`

	// ReadOnlyPaths lists directories the worker may read and execute from
	// in addition to the platform's system paths. The directory holding
	// the worker binary belongs here.
	ReadOnlyPaths []string `json:"read_only_paths,omitempty"`

	// BlockNetwork denies every socket the worker might create.
	BlockNetwork bool `json:"block_network,omitempty"`

	// Namespaces runs the worker in fresh user, mount, PID, IPC and UTS
	// namespaces, plus a network namespace when BlockNetwork is set.
	// Requires unprivileged user namespaces.
	Namespaces bool `json:"namespaces,omitempty"`

	// ResourceLimits specifies rlimits applied inside the worker.
	ResourceLimits *ResourceLimits `json:"resource_limits,omitempty"`

	// Warnings collects non-fatal issues detected while wrapping.
	Warnings []string `json:"-"`
}

// ResourceLimits specifies rlimits for worker processes. Zero means no limit.
type ResourceLimits struct {
	// MaxProcesses is RLIMIT_NPROC. The kernel counts every thread of the
	// user, not just the worker's.
	MaxProcesses int `json:"max_processes,omitempty"`

	// MaxAddressSpace is RLIMIT_AS in bytes. The Go runtime reserves
	// address space well beyond its heap, so this must be generous.
	MaxAddressSpace int64 `json:"max_address_space,omitempty"`

	// MaxFileDescriptors is RLIMIT_NOFILE.
	MaxFileDescriptors int `json:"max_file_descriptors,omitempty"`

	// MaxCPUSeconds is RLIMIT_CPU.
	MaxCPUSeconds int `json:"max_cpu_seconds,omitempty"`

	// MaxFileSize is RLIMIT_FSIZE in bytes.
	MaxFileSize int64 `json:"max_file_size,omitempty"`
}

// DefaultResourceLimits returns the default rlimits for worker processes.
func DefaultResourceLimits() *ResourceLimits {
	return &ResourceLimits{
		MaxFileDescriptors: 256,
		MaxFileSize:        64 << 20,
	}
}

// Detect returns the built-in Platform for the current OS. The full Linux
// implementation lives in platform/linux and is installed by the worker
// package; Detect itself never imports it.
func Detect() Platform {
	return detectPlatform()
}
