//go:build linux

package linux

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/exec"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/Simon-McIntosh/nucleai-sandbox/internal/envutil"
	"github.com/Simon-McIntosh/nucleai-sandbox/platform"
)

var _ platform.Platform = (*Platform)(nil)

func stubExecutable(t *testing.T, path string, err error) {
	t.Helper()
	orig := executableFn
	t.Cleanup(func() { executableFn = orig })
	executableFn = func() (string, error) { return path, err }
}

func TestWrapCommand(t *testing.T) {
	stubExecutable(t, "/opt/bin/host", nil)
	p := &Platform{requireLandlock: true}

	cmd := exec.Command("/opt/bin/host", "--flag")
	cmd.Env = []string{"STAGE=run"}
	cfg := &platform.WrapConfig{ScratchDir: "/tmp/s", BlockNetwork: true}
	if err := p.WrapCommand(context.Background(), cmd, cfg); err != nil {
		t.Fatalf("WrapCommand() error: %v", err)
	}

	if cmd.Path != "/opt/bin/host" {
		t.Errorf("Path = %q", cmd.Path)
	}
	wantArgs := []string{"/opt/bin/host", "/opt/bin/host", "--flag"}
	if strings.Join(cmd.Args, " ") != strings.Join(wantArgs, " ") {
		t.Errorf("Args = %v, want %v", cmd.Args, wantArgs)
	}
	if fd, ok := envutil.GetEnv(cmd.Env, reExecEnvKey); !ok || fd != "3" {
		t.Errorf("%s = %q, %v", reExecEnvKey, fd, ok)
	}
	if v, _ := envutil.GetEnv(cmd.Env, "STAGE"); v != "run" {
		t.Error("existing environment was dropped")
	}
	if cmd.SysProcAttr != nil && cmd.SysProcAttr.Cloneflags != 0 {
		t.Error("namespaces configured without WrapConfig.Namespaces")
	}

	if len(cmd.ExtraFiles) != 1 {
		t.Fatalf("ExtraFiles = %d, want 1", len(cmd.ExtraFiles))
	}
	defer cmd.ExtraFiles[0].Close()
	data, err := io.ReadAll(cmd.ExtraFiles[0])
	if err != nil {
		t.Fatal(err)
	}
	var got reExecConfig
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.ScratchDir != "/tmp/s" || !got.BlockNetwork || !got.RequireLandlock {
		t.Errorf("config = %+v", got)
	}
}

func TestWrapCommand_Errors(t *testing.T) {
	p := &Platform{}
	ctx := context.Background()

	stubExecutable(t, "/opt/bin/host", nil)
	if err := p.WrapCommand(ctx, nil, nil); err == nil {
		t.Error("nil command accepted")
	}
	if err := p.WrapCommand(ctx, &exec.Cmd{Path: "relative"}, nil); err == nil {
		t.Error("relative path accepted")
	}

	stubExecutable(t, "", errors.New("no exe"))
	if err := p.WrapCommand(ctx, exec.Command("/bin/true"), nil); err == nil || !strings.Contains(err.Error(), "no exe") {
		t.Errorf("error = %v", err)
	}
}

func TestConfigureNamespaces(t *testing.T) {
	cmd := exec.Command("/bin/true")
	configureNamespaces(cmd, &platform.WrapConfig{})
	if cmd.SysProcAttr != nil {
		t.Fatal("namespaces set while disabled")
	}

	configureNamespaces(cmd, &platform.WrapConfig{Namespaces: true})
	flags := cmd.SysProcAttr.Cloneflags
	for _, f := range []uintptr{unix.CLONE_NEWUSER, unix.CLONE_NEWNS, unix.CLONE_NEWPID, unix.CLONE_NEWIPC, unix.CLONE_NEWUTS} {
		if flags&f == 0 {
			t.Errorf("flag %#x missing from %#x", f, flags)
		}
	}
	if flags&unix.CLONE_NEWNET != 0 {
		t.Error("network namespace without BlockNetwork")
	}
	if len(cmd.SysProcAttr.UidMappings) != 1 || cmd.SysProcAttr.UidMappings[0].ContainerID != 0 {
		t.Errorf("uid mappings = %+v", cmd.SysProcAttr.UidMappings)
	}

	configureNamespaces(cmd, &platform.WrapConfig{Namespaces: true, BlockNetwork: true})
	if cmd.SysProcAttr.Cloneflags&unix.CLONE_NEWNET == 0 {
		t.Error("network namespace missing with BlockNetwork")
	}
}

func TestPlatformReports(t *testing.T) {
	p := &Platform{kernelVersion: KernelVersion{5, 4, 0}, landlock: LandlockInfo{Features: "ENOSYS"}}
	if !p.Available() {
		t.Error("unavailable without RequireLandlock")
	}
	dc := p.CheckDependencies()
	if !dc.OK() || len(dc.Warnings) != 2 {
		t.Errorf("CheckDependencies() = %+v", dc)
	}
	if p.Capabilities().FileWriteAllow {
		t.Error("FileWriteAllow without Landlock")
	}

	RequireLandlock()(p)
	if p.Available() {
		t.Error("available without Landlock while required")
	}
	if p.CheckDependencies().OK() {
		t.Error("CheckDependencies() OK without required Landlock")
	}

	if New().Name() != "linux-landlock" {
		t.Error("unexpected name")
	}
	if err := New().Cleanup(context.Background()); err != nil {
		t.Error(err)
	}
}
