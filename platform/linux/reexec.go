//go:build linux

package linux

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"syscall"

	"github.com/Simon-McIntosh/nucleai-sandbox/platform"
)

// reExecEnvKey marks a process started in sandbox-init mode. Its value is
// the descriptor of the pipe carrying the JSON WrapConfig.
const reExecEnvKey = "_NUCLEAI_SANDBOX_CONFIG"

// Function variables for dependency injection in tests.
var (
	hardenProcessFn    = hardenProcess
	applyLandlockFn    = applyLandlock
	applyResourceLimFn = applyResourceLimits
	applySeccompFn     = ApplySeccomp
	syscallExecFn      = syscall.Exec
	osExitFn           = os.Exit
)

// reExecConfig is the configuration passed to the init stage through the pipe.
type reExecConfig struct {
	platform.WrapConfig
	// RequireLandlock makes a kernel without Landlock fatal.
	RequireLandlock bool `json:"require_landlock,omitempty"`
}

// MaybeSandboxInit reports whether the process was started in sandbox-init
// mode. If it was, the restrictions are applied and the real worker is
// exec'd; MaybeSandboxInit then never returns.
func MaybeSandboxInit() bool {
	fdStr := os.Getenv(reExecEnvKey)
	if fdStr == "" {
		return false
	}
	osExitFn(sandboxInit(fdStr))
	return true
}

// sandboxInit reads the configuration from fdStr, restricts the process
// and execs os.Args[1:]. It returns an exit code only on failure.
func sandboxInit(fdStr string) int {
	// prctl, Landlock and seccomp act on the calling thread; the thread is
	// never unlocked because the process execs or exits.
	runtime.LockOSThread()

	fd, err := strconv.Atoi(fdStr)
	if err != nil || fd < 0 {
		fmt.Fprintf(os.Stderr, "sandbox-init: invalid config fd %q\n", fdStr)
		return 1
	}
	configFile := os.NewFile(uintptr(fd), "sandbox-config")
	if configFile == nil {
		fmt.Fprintf(os.Stderr, "sandbox-init: cannot open config fd %d\n", fd)
		return 1
	}
	defer func() { _ = configFile.Close() }()

	var cfg reExecConfig
	if err := json.NewDecoder(configFile).Decode(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox-init: decode config: %v\n", err)
		return 1
	}

	if err := hardenProcessFn(); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox-init: harden: %v\n", err)
		return 1
	}
	if err := applyLandlockFn(&cfg.WrapConfig); err != nil {
		if cfg.RequireLandlock || !errors.Is(err, ErrLandlockUnsupported) {
			fmt.Fprintf(os.Stderr, "sandbox-init: landlock: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "sandbox-init: warning: %v; filesystem confinement relies on validation only\n", err)
	}
	if err := applyResourceLimFn(cfg.ResourceLimits); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox-init: resource limits: %v\n", err)
		return 1
	}
	// Seccomp goes last: it is fail-closed and may deny calls the steps
	// above still need.
	if err := applySeccompFn(cfg.BlockNetwork); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox-init: seccomp: %v\n", err)
		return 1
	}

	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "sandbox-init: no command to exec\n")
		return 1
	}
	_ = os.Unsetenv(reExecEnvKey)
	if err := syscallExecFn(args[0], args, os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox-init: exec %s: %v\n", args[0], err)
		return 1
	}
	return 0 // unreachable
}
