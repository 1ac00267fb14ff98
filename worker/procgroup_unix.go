//go:build unix

package worker

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// processGroupWaitDelay bounds how long Wait keeps reading the pipes of a
// killed worker.
const processGroupWaitDelay = 3 * time.Second

// setupProcessGroup starts cmd in its own session so that killGroup reaches
// every process the worker may have left behind.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setpgid = false
	cmd.SysProcAttr.Pgid = 0
	cmd.WaitDelay = processGroupWaitDelay
}

// killGroup sends SIGKILL to the process group led by pid.
func killGroup(pid int) error {
	// kill(-1) signals every process of the user and kill(0) the caller's
	// own group.
	if pid <= 1 {
		return os.ErrProcessDone
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}
