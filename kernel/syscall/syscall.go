// Package syscall implements sdx's fast-call entry and dispatch table (C9):
// a single trampoline installed via the SYSCALL/SYSRET MSRs, indexing a
// table keyed on the call number placed in RAX by the caller, with
// arguments following the System V AMD64 register convention
// (rdi, rsi, rdx, r10, r8, r9).
package syscall

import (
	"unsafe"

	"sdx/kernel"
	"sdx/kernel/cpu"
	"sdx/kernel/errno"
	"sdx/kernel/fsmode"
	"sdx/kernel/sched"
)

// Number identifies a syscall by the value placed in RAX.
type Number uint64

const (
	Exit Number = iota
	Fork
	Exec
	Wait
	Open
	Close
	Read
	Write
	Mount
	Umount

	numSyscalls
)

// Args is the raw register-level argument bundle a syscall handler
// receives, mirroring the SysV calling convention used by the SYSCALL
// trampoline: rdi, rsi, rdx, r10, r8, r9.
type Args struct {
	A0, A1, A2, A3, A4, A5 uint64
}

// handler is the Go-side implementation bound to a syscall Number; it
// returns the value SYSRET leaves in RAX (negated errno.Errno values
// signal failure per spec §6).
type handler func(Args) int64

var table [numSyscalls]handler

func init() {
	table[Exit] = sysExit
	table[Fork] = sysFork
	table[Exec] = sysExec
	table[Wait] = sysWait
	table[Open] = sysOpen
	table[Close] = sysClose
	table[Read] = sysRead
	table[Write] = sysWrite
	table[Mount] = sysMount
	table[Umount] = sysUmount
}

var (
	errBadSelectors = &kernel.Error{Module: "syscall", Message: "GDT selector layout does not match the fixed SYSCALL/SYSRET offsets"}

	// selectorsOKFn validates, at Init time, that the kernel CS/SS and
	// user CS/SS occupy the fixed offsets SYSCALL/SYSRET demands relative
	// to the STAR MSR fields; swapped out by tests.
	selectorsOKFn = verifySelectors

	// gdtSelectorsFn reads the boot-installed GDT's selectors; swapped
	// out by tests since cpu.GDTSelectors is a body-less, assembly-backed
	// primitive.
	gdtSelectorsFn = cpu.GDTSelectors

	// installFastSyscallFn is used by tests and is automatically inlined
	// by the compiler.
	installFastSyscallFn = installFastSyscall
)

// Init installs the fast-syscall entry point via EFER.SCE, STAR, LSTAR and
// FMASK, after verifying the GDT's selector layout matches what
// SYSCALL/SYSRET hard-codes (kernel CS = STAR[47:32], kernel SS = that + 8;
// user CS = STAR[63:48] + 16, user SS = that + 8).
func Init() *kernel.Error {
	if !selectorsOKFn() {
		panic(errBadSelectors)
	}
	installFastSyscallFn()
	return nil
}

// verifySelectors checks the fixed GDT layout assumption: the boot-installed
// GDT's kernel/user code/stack selectors (spec §4.9) must match the values
// sched.New pins every task's initial CS/SS to (sched.KernelCodeSelector and
// friends), since STAR only has room for one fixed layout. The concrete GDT
// construction is boot glue outside this core's scope; the actual selector
// values are read back via the body-less cpu.GDTSelectors primitive.
func verifySelectors() bool {
	kernelCS, kernelSS, userCS, userSS := gdtSelectorsFn()
	return uint64(kernelCS) == sched.KernelCodeSelector &&
		uint64(kernelSS) == sched.KernelDataSelector &&
		uint64(userCS) == sched.UserCodeSelector &&
		uint64(userSS) == sched.UserDataSelector
}

// installFastSyscall programs EFER.SCE, STAR, LSTAR and FMASK and installs
// dispatch as the SYSCALL entry point.
func installFastSyscall()

// Dispatch is invoked by the (architecture-specific) SYSCALL trampoline
// with the call number and raw argument registers; it validates the call
// number and invokes the bound handler, returning the value to place in
// RAX before SYSRET.
func Dispatch(num Number, args Args) int64 {
	if num >= numSyscalls || table[num] == nil {
		return int64(-errno.ENOSYS)
	}
	return table[num](args)
}

func sysExit(args Args) int64 {
	sched.Exit(int32(args.A0))
	return 0 // unreachable: Exit never returns to the caller
}

func sysFork(_ Args) int64 {
	pid, err := sched.Fork()
	if err != nil {
		return int64(-errno.ESRCH)
	}
	return int64(pid)
}

// sysExec reads the raw path/argv/envp pointers from argument registers A0-A2
// and hands them to sched.Exec, which owns the state transition exec
// demands of a task (Active -> Save across the region swap) and the
// argv/envp stack layout from spec §6. The ELF loader sched.Exec calls
// through is an external collaborator outside this core's scope (see §1);
// until the surrounding kernel installs one via sched.SetLoader, every call
// here surfaces ENOSYS.
func sysExec(args Args) int64 {
	path := cStringFromUint64(args.A0)
	argv := cStringArrayFromUint64(args.A1)
	envp := cStringArrayFromUint64(args.A2)

	if err := sched.Exec(path, argv, envp); err != 0 {
		return int64(-err)
	}
	return 0 // unreachable: Exec never returns to the caller on success
}

func sysWait(args Args) int64 {
	pid, status, err := sched.Wait()
	if err != 0 {
		return int64(-err)
	}
	if args.A0 != 0 {
		*(*int32)(ptrFromUint64(args.A0)) = status
	}
	return int64(pid)
}

// The following are stubs delegating to the VFS, an external collaborator
// outside this core's scope; they validate arguments and surface ENOSYS
// until a concrete VFS is wired in by the surrounding kernel.
func sysOpen(args Args) int64 {
	mode := fsmode.Mode(args.A2)
	_ = mode
	return int64(-errno.ENOSYS)
}

func sysClose(_ Args) int64  { return int64(-errno.ENOSYS) }
func sysRead(_ Args) int64   { return int64(-errno.ENOSYS) }
func sysWrite(_ Args) int64  { return int64(-errno.ENOSYS) }
func sysMount(_ Args) int64  { return int64(-errno.ENOSYS) }
func sysUmount(_ Args) int64 { return int64(-errno.ENOSYS) }

// ptrFromUint64 reinterprets a raw user-space pointer argument; callers are
// responsible for validating the address lies in the caller's own VMA
// before dereferencing it.
func ptrFromUint64(addr uint64) (ptr unsafe.Pointer) {
	return unsafe.Pointer(uintptr(addr))
}

// cStringFromUint64 reads a NUL-terminated byte string starting at addr;
// callers are responsible for addr lying in the caller's own VMA.
func cStringFromUint64(addr uint64) string {
	if addr == 0 {
		return ""
	}
	var b []byte
	for p := uintptr(addr); ; p++ {
		c := *(*byte)(unsafe.Pointer(p))
		if c == 0 {
			break
		}
		b = append(b, c)
	}
	return string(b)
}

// cStringArrayFromUint64 reads a NULL-terminated array of string pointers
// starting at addr, in the SysV argv/envp convention, and returns the
// strings they point to.
func cStringArrayFromUint64(addr uint64) []string {
	if addr == 0 {
		return nil
	}
	var out []string
	for p := uintptr(addr); ; p += 8 {
		ptr := *(*uint64)(unsafe.Pointer(p))
		if ptr == 0 {
			break
		}
		out = append(out, cStringFromUint64(ptr))
	}
	return out
}
