//go:build linux

package linux

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BPF and seccomp constants.
const (
	bpfLD  = 0x00
	bpfJMP = 0x05
	bpfRET = 0x06
	bpfW   = 0x00
	bpfABS = 0x20
	bpfJEQ = 0x10
	bpfK   = 0x00

	seccompRetAllow       = 0x7fff0000
	seccompRetErrno       = 0x00050000
	seccompRetKillProcess = 0x80000000

	auditArchX86_64  = 0xc000003e
	auditArchAarch64 = 0xc00000b7

	// Offsets into struct seccomp_data.
	seccompDataNrOffset   = 0
	seccompDataArchOffset = 4

	errnoEPERM = 1
)

const (
	archAMD64 = "amd64"
	archARM64 = "arm64"
)

// seccompSyscalls holds the architecture-specific numbers the filter needs.
// A zero number means the syscall does not exist on the architecture.
type seccompSyscalls struct {
	auditArch     uint32
	sysSocket     uint32
	sysSocketpair uint32
	sysPtrace     uint32
	sysMount      uint32
	sysUmount2    uint32
	sysReboot     uint32
	sysSwapon     uint32
	sysSwapoff    uint32
	sysMknod      uint32
	sysMknodat    uint32
	sysKexecLoad  uint32
	sysBpf        uint32
	sysUnshare    uint32
	sysSetns      uint32
}

// seccompSyscallsFor returns the syscall numbers for the given GOARCH.
func seccompSyscallsFor(goarch string) (seccompSyscalls, error) {
	switch goarch {
	case archAMD64:
		return seccompSyscalls{
			auditArch:     auditArchX86_64,
			sysSocket:     41,
			sysSocketpair: 53,
			sysPtrace:     101,
			sysMount:      165,
			sysUmount2:    166,
			sysReboot:     169,
			sysSwapon:     167,
			sysSwapoff:    168,
			sysMknod:      133,
			sysMknodat:    259,
			sysKexecLoad:  246,
			sysBpf:        321,
			sysUnshare:    272,
			sysSetns:      308,
		}, nil
	case archARM64:
		return seccompSyscalls{
			auditArch:     auditArchAarch64,
			sysSocket:     198,
			sysSocketpair: 199,
			sysPtrace:     117,
			sysMount:      40,
			sysUmount2:    39,
			sysReboot:     142,
			sysSwapon:     224,
			sysSwapoff:    225,
			sysMknodat:    33,
			sysKexecLoad:  104,
			sysBpf:        280,
			sysUnshare:    97,
			sysSetns:      268,
		}, nil
	default:
		return seccompSyscalls{}, fmt.Errorf("unsupported architecture for seccomp: %s", goarch)
	}
}

// Function variables overridden in tests to avoid irreversible changes to
// the test process.
var (
	seccompSyscallsFn = func() (seccompSyscalls, error) {
		return seccompSyscallsFor(runtime.GOARCH)
	}
	seccompPrctlFn = unix.Prctl
)

// deniedSyscalls lists the syscalls that fail with EPERM. Socket creation
// is only denied when blockNetwork is set.
func deniedSyscalls(sc seccompSyscalls, blockNetwork bool) []uint32 {
	var denied []uint32
	if blockNetwork {
		denied = append(denied, sc.sysSocket, sc.sysSocketpair)
	}
	for _, nr := range []uint32{
		sc.sysPtrace, sc.sysMount, sc.sysUmount2, sc.sysReboot,
		sc.sysSwapon, sc.sysSwapoff, sc.sysMknod, sc.sysMknodat,
		sc.sysKexecLoad, sc.sysBpf, sc.sysUnshare, sc.sysSetns,
	} {
		if nr != 0 {
			denied = append(denied, nr)
		}
	}
	return denied
}

// buildSeccompFilter constructs the BPF program:
//
//	[0]        load arch
//	[1]        arch mismatch -> KILL
//	[2]        load syscall nr
//	[3..3+n-1] denied syscall -> EPERM
//	[3+n]      ALLOW
//	[3+n+1]    EPERM
//	[3+n+2]    KILL
func buildSeccompFilter(sc seccompSyscalls, blockNetwork bool) []unix.SockFilter {
	denied := deniedSyscalls(sc, blockNetwork)
	n := len(denied)
	allowIdx := 3 + n
	epermIdx := allowIdx + 1
	killIdx := allowIdx + 2

	filter := make([]unix.SockFilter, 0, killIdx+1)
	filter = append(filter,
		unix.SockFilter{Code: bpfLD | bpfW | bpfABS, K: seccompDataArchOffset},
		unix.SockFilter{Code: bpfJMP | bpfJEQ | bpfK, Jt: 0, Jf: uint8(killIdx - 1 - 1), K: sc.auditArch}, //nolint:gosec
		unix.SockFilter{Code: bpfLD | bpfW | bpfABS, K: seccompDataNrOffset},
	)
	for i, nr := range denied {
		idx := 3 + i
		filter = append(filter, unix.SockFilter{Code: bpfJMP | bpfJEQ | bpfK, Jt: uint8(epermIdx - idx - 1), K: nr}) //nolint:gosec
	}
	filter = append(filter,
		unix.SockFilter{Code: bpfRET | bpfK, K: seccompRetAllow},
		unix.SockFilter{Code: bpfRET | bpfK, K: seccompRetErrno | errnoEPERM},
		unix.SockFilter{Code: bpfRET | bpfK, K: seccompRetKillProcess},
	)
	return filter
}

// ApplySeccomp installs a seccomp filter on the calling process that makes
// privileged syscalls (ptrace, mount, reboot, swap, device nodes, kexec,
// bpf, namespace changes) fail with EPERM. With blockNetwork, socket(2)
// and socketpair(2) fail too, for every address family. The filter is
// inherited across exec and cannot be removed.
func ApplySeccomp(blockNetwork bool) error {
	sc, err := seccompSyscallsFn()
	if err != nil {
		return fmt.Errorf("seccomp: %w", err)
	}
	filter := buildSeccompFilter(sc, blockNetwork)
	prog := unix.SockFprog{
		Len:    uint16(len(filter)), //nolint:gosec // bounded by the syscall table above
		Filter: &filter[0],
	}
	if err := seccompPrctlFn(unix.PR_SET_SECCOMP, unix.SECCOMP_MODE_FILTER, uintptr(unsafe.Pointer(&prog)), 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_SECCOMP): %w", err)
	}
	return nil
}
