//go:build linux

package linux

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Simon-McIntosh/nucleai-sandbox/platform"
)

// Landlock syscall numbers are the same on every architecture.
const (
	sysLandlockCreateRuleset = 444
	sysLandlockAddRule       = 445
	sysLandlockRestrictSelf  = 446

	landlockCreateRulesetVersion = 1
	landlockRulePathBeneath      = 1
)

// Function variables for Landlock syscalls, overridden in tests.
var (
	landlockCreateRulesetFn = func(attr, size, flags uintptr) (uintptr, uintptr, unix.Errno) {
		return unix.Syscall(sysLandlockCreateRuleset, attr, size, flags)
	}
	landlockAddRuleFn = func(rulesetFd, ruleType, ruleAttr, flags uintptr) (uintptr, uintptr, unix.Errno) {
		return unix.Syscall6(sysLandlockAddRule, rulesetFd, ruleType, ruleAttr, flags, 0, 0)
	}
	landlockRestrictSelfFn = func(rulesetFd, flags uintptr) (uintptr, uintptr, unix.Errno) {
		return unix.Syscall(sysLandlockRestrictSelf, rulesetFd, flags, 0)
	}
	openPathFn  = unix.Open
	closePathFn = unix.Close
	statPathFn  = os.Stat
)

// Landlock filesystem access rights.
const (
	accessFSExecute    = 1 << 0
	accessFSWriteFile  = 1 << 1
	accessFSReadFile   = 1 << 2
	accessFSReadDir    = 1 << 3
	accessFSRemoveDir  = 1 << 4
	accessFSRemoveFile = 1 << 5
	accessFSMakeChar   = 1 << 6
	accessFSMakeDir    = 1 << 7
	accessFSMakeReg    = 1 << 8
	accessFSMakeSock   = 1 << 9
	accessFSMakeFifo   = 1 << 10
	accessFSMakeBlock  = 1 << 11
	accessFSMakeSym    = 1 << 12
	accessFSRefer      = 1 << 13 // ABI v2
	accessFSTruncate   = 1 << 14 // ABI v3
)

// Landlock network access rights, ABI v4.
const (
	accessNetBindTCP    = 1 << 0
	accessNetConnectTCP = 1 << 1
)

// systemReadPaths are readable and executable by every worker when they exist.
var systemReadPaths = []string{"/usr", "/lib", "/lib64", "/bin", "/etc/ld.so.cache", "/proc/self", "/dev/null", "/dev/urandom"}

// ErrLandlockUnsupported is returned when the kernel has no Landlock support.
var ErrLandlockUnsupported = errors.New("landlock not available (requires kernel >= 5.13)")

type landlockRulesetAttr struct {
	handledAccessFS  uint64
	handledAccessNet uint64
}

type landlockPathBeneathAttr struct {
	allowedAccess uint64
	parentFd      int32
	_             [4]byte
}

// LandlockInfo describes Landlock support on the current kernel.
type LandlockInfo struct {
	Supported  bool
	ABIVersion int
	Features   string
}

// DetectLandlock checks Landlock support on the running kernel.
func DetectLandlock() LandlockInfo {
	version, _, errno := landlockCreateRulesetFn(0, 0, landlockCreateRulesetVersion)
	if errno != 0 {
		return LandlockInfo{Features: "landlock not available: " + errno.Error()}
	}
	abi := int(version) //nolint:gosec // small ABI number
	features := fmt.Sprintf("ABI v%d", abi)
	switch {
	case abi >= 4:
		features += " (fs access, refer, truncate, tcp)"
	case abi >= 3:
		features += " (fs access, refer, truncate)"
	case abi >= 2:
		features += " (fs access, refer)"
	default:
		features += " (fs access)"
	}
	return LandlockInfo{Supported: true, ABIVersion: abi, Features: features}
}

// landlockRights returns the handled, scratch and read-only access masks
// for an ABI version.
func landlockRights(abi int) (handled, scratch, readOnly uint64) {
	handled = accessFSExecute | accessFSWriteFile | accessFSReadFile |
		accessFSReadDir | accessFSRemoveDir | accessFSRemoveFile |
		accessFSMakeChar | accessFSMakeDir | accessFSMakeReg |
		accessFSMakeSock | accessFSMakeFifo | accessFSMakeBlock |
		accessFSMakeSym
	scratch = accessFSWriteFile | accessFSReadFile | accessFSReadDir |
		accessFSRemoveDir | accessFSRemoveFile | accessFSMakeDir | accessFSMakeReg
	if abi >= 2 {
		handled |= accessFSRefer
	}
	if abi >= 3 {
		handled |= accessFSTruncate
		scratch |= accessFSTruncate
	}
	readOnly = accessFSExecute | accessFSReadFile | accessFSReadDir
	return handled, scratch, readOnly
}

// applyLandlock confines the calling worker: read-write access beneath
// cfg.ScratchDir, read and execute access beneath the system paths and
// cfg.ReadOnlyPaths, nothing anywhere else. On ABI v4 kernels with
// cfg.BlockNetwork, TCP bind and connect are denied as well.
func applyLandlock(cfg *platform.WrapConfig) error {
	info := DetectLandlock()
	if !info.Supported {
		return ErrLandlockUnsupported
	}
	handled, scratchAccess, readAccess := landlockRights(info.ABIVersion)

	attr := landlockRulesetAttr{handledAccessFS: handled}
	if info.ABIVersion >= 4 && cfg.BlockNetwork {
		attr.handledAccessNet = accessNetBindTCP | accessNetConnectTCP
	}
	rulesetFd, _, errno := landlockCreateRulesetFn(uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr), 0)
	if errno != 0 {
		return fmt.Errorf("landlock_create_ruleset: %w", errno)
	}
	defer func() { _ = closePathFn(int(rulesetFd)) }() //nolint:gosec

	if cfg.ScratchDir != "" {
		if err := landlockAddPathRule(int(rulesetFd), cfg.ScratchDir, scratchAccess); err != nil { //nolint:gosec
			return fmt.Errorf("landlock scratch rule for %q: %w", cfg.ScratchDir, err)
		}
	}
	for _, path := range cfg.ReadOnlyPaths {
		if err := landlockAddPathRule(int(rulesetFd), path, readAccess); err != nil { //nolint:gosec
			return fmt.Errorf("landlock read-only rule for %q: %w", path, err)
		}
	}
	for _, path := range systemReadPaths {
		fi, err := statPathFn(path)
		if err != nil {
			continue
		}
		access := readAccess
		if !fi.IsDir() {
			// Directory rights on a file are rejected with EINVAL.
			access &^= accessFSReadDir
		}
		// Missing or odd system paths are not fatal.
		_ = landlockAddPathRule(int(rulesetFd), path, access) //nolint:gosec
	}

	if _, _, errno := landlockRestrictSelfFn(rulesetFd, 0); errno != 0 {
		return fmt.Errorf("landlock_restrict_self: %w", errno)
	}
	return nil
}

// landlockAddPathRule adds a path-beneath rule to the ruleset.
func landlockAddPathRule(rulesetFd int, path string, allowedAccess uint64) error {
	fd, err := openPathFn(path, unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	defer func() { _ = closePathFn(fd) }()

	pathAttr := landlockPathBeneathAttr{
		allowedAccess: allowedAccess,
		parentFd:      int32(fd), //nolint:gosec // small descriptor
	}
	_, _, errno := landlockAddRuleFn(uintptr(rulesetFd), landlockRulePathBeneath, uintptr(unsafe.Pointer(&pathAttr)), 0)
	if errno != 0 {
		return fmt.Errorf("landlock_add_rule: %w", errno)
	}
	return nil
}
