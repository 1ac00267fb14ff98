//go:build linux

package linux

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Simon-McIntosh/nucleai-sandbox/platform"
)

// runInSubprocess re-runs the named test with envKey=1 so that irreversible
// process changes never touch the test binary itself.
func runInSubprocess(t *testing.T, testName, envKey string) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=^"+testName+"$")
	cmd.Env = append(os.Environ(), envKey+"=1")
	return cmd.CombinedOutput()
}

func TestHardenProcess(t *testing.T) {
	if os.Getenv("TEST_HARDEN_SUBPROCESS") == "1" {
		runtime.LockOSThread()
		if err := hardenProcess(); err != nil {
			fmt.Fprintf(os.Stderr, "harden: %v", err)
			os.Exit(1)
		}
		dumpable, err := unix.PrctlRetInt(unix.PR_GET_DUMPABLE, 0, 0, 0, 0)
		if err != nil || dumpable != 0 {
			fmt.Fprintf(os.Stderr, "dumpable = %d, %v", dumpable, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	if out, err := runInSubprocess(t, "TestHardenProcess", "TEST_HARDEN_SUBPROCESS"); err != nil {
		t.Fatalf("subprocess failed: %v\noutput: %s", err, out)
	}
}

func TestHardenProcess_Errors(t *testing.T) {
	origPrctl, origRlimit := prctlFn, setrlimitFn
	t.Cleanup(func() { prctlFn, setrlimitFn = origPrctl, origRlimit })

	tests := []struct {
		name     string
		failOpt  int
		failRlim bool
		want     string
	}{
		{"no new privs", unix.PR_SET_NO_NEW_PRIVS, false, "PR_SET_NO_NEW_PRIVS"},
		{"dumpable", unix.PR_SET_DUMPABLE, false, "PR_SET_DUMPABLE"},
		{"core rlimit", -1, true, "RLIMIT_CORE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prctlFn = func(option int, _, _, _, _ uintptr) error {
				if option == tt.failOpt {
					return unix.EPERM
				}
				return nil
			}
			setrlimitFn = func(int, *unix.Rlimit) error {
				if tt.failRlim {
					return unix.EPERM
				}
				return nil
			}
			err := hardenProcess()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("hardenProcess() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestApplyResourceLimits(t *testing.T) {
	orig := setrlimitFn
	t.Cleanup(func() { setrlimitFn = orig })

	got := map[int]uint64{}
	setrlimitFn = func(resource int, r *unix.Rlimit) error {
		if r.Cur != r.Max {
			t.Errorf("resource %d: soft %d != hard %d", resource, r.Cur, r.Max)
		}
		got[resource] = r.Cur
		return nil
	}

	if err := applyResourceLimits(nil); err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("nil limits set %v", got)
	}

	err := applyResourceLimits(&platform.ResourceLimits{
		MaxFileDescriptors: 64,
		MaxAddressSpace:    1 << 30,
		MaxCPUSeconds:      3,
		MaxFileSize:        1 << 20,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := map[int]uint64{
		unix.RLIMIT_NOFILE: 64,
		unix.RLIMIT_AS:     1 << 30,
		unix.RLIMIT_CPU:    3,
		unix.RLIMIT_FSIZE:  1 << 20,
	}
	if len(got) != len(want) {
		t.Fatalf("set %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("resource %d = %d, want %d", k, got[k], v)
		}
	}

	setrlimitFn = func(int, *unix.Rlimit) error { return unix.EINVAL }
	err = applyResourceLimits(&platform.ResourceLimits{MaxProcesses: 10})
	if err == nil || !strings.Contains(err.Error(), "RLIMIT_NPROC") {
		t.Errorf("error = %v, want RLIMIT_NPROC failure", err)
	}
}
