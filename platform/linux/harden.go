//go:build linux

package linux

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// prctlFn and setrlimitFn are overridden in tests.
var (
	prctlFn     = unix.Prctl
	setrlimitFn = unix.Setrlimit
)

// hardenProcess applies process hardening to the calling worker:
//   - PR_SET_NO_NEW_PRIVS, required for seccomp and Landlock without
//     CAP_SYS_ADMIN, and blocks setuid escalation through exec.
//   - PR_SET_DUMPABLE = 0, which also forbids ptrace attachment.
//   - RLIMIT_CORE = 0.
func hardenProcess() error {
	if err := prctlFn(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_NO_NEW_PRIVS): %w", err)
	}
	if err := prctlFn(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_DUMPABLE): %w", err)
	}
	if err := setrlimitFn(unix.RLIMIT_CORE, &unix.Rlimit{}); err != nil {
		return fmt.Errorf("setrlimit(RLIMIT_CORE): %w", err)
	}
	return nil
}
