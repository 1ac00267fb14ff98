//go:build linux

package linux

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/Simon-McIntosh/nucleai-sandbox/platform"
)

// configureNamespaces puts the worker in fresh user, mount, PID, IPC and
// UTS namespaces, and a network namespace when the network is blocked.
// It does nothing unless cfg.Namespaces is set.
func configureNamespaces(cmd *exec.Cmd, cfg *platform.WrapConfig) {
	if !cfg.Namespaces {
		return
	}
	flags := unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWIPC | unix.CLONE_NEWUTS
	if cfg.BlockNetwork {
		flags |= unix.CLONE_NEWNET
	}

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Cloneflags = uintptr(flags)

	// The worker is root inside its user namespace and nobody outside it.
	cmd.SysProcAttr.UidMappings = []syscall.SysProcIDMap{
		{ContainerID: 0, HostID: os.Getuid(), Size: 1},
	}
	cmd.SysProcAttr.GidMappings = []syscall.SysProcIDMap{
		{ContainerID: 0, HostID: os.Getgid(), Size: 1},
	}
}

// rlimitEntry pairs a resource type with its limit value.
type rlimitEntry struct {
	resource int
	name     string
	limit    uint64
}

// applyResourceLimits sets rlimits on the calling worker. It runs in the
// init stage, never in the host.
func applyResourceLimits(limits *platform.ResourceLimits) error {
	if limits == nil {
		return nil
	}
	entries := []rlimitEntry{
		{unix.RLIMIT_NPROC, "RLIMIT_NPROC", uint64(max(limits.MaxProcesses, 0))},
		{unix.RLIMIT_NOFILE, "RLIMIT_NOFILE", uint64(max(limits.MaxFileDescriptors, 0))},
		{unix.RLIMIT_AS, "RLIMIT_AS", uint64(max(limits.MaxAddressSpace, 0))},
		{unix.RLIMIT_CPU, "RLIMIT_CPU", uint64(max(limits.MaxCPUSeconds, 0))},
		{unix.RLIMIT_FSIZE, "RLIMIT_FSIZE", uint64(max(limits.MaxFileSize, 0))},
	}
	for _, e := range entries {
		if e.limit == 0 {
			continue
		}
		if err := setrlimitFn(e.resource, &unix.Rlimit{Cur: e.limit, Max: e.limit}); err != nil {
			return fmt.Errorf("setrlimit(%s): %w", e.name, err)
		}
	}
	return nil
}
