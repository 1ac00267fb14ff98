//go:build !unix

package worker

import (
	"os"
	"os/exec"
	"time"
)

const processGroupWaitDelay = 3 * time.Second

func setupProcessGroup(cmd *exec.Cmd) {
	cmd.WaitDelay = processGroupWaitDelay
}

func killGroup(pid int) error {
	if pid <= 1 {
		return os.ErrProcessDone
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return os.ErrProcessDone
	}
	return p.Kill()
}
