package sched

import (
	"math"
	"unsafe"

	"sdx/kernel/errno"
	"sdx/kernel/mm"
	"sdx/kernel/region"
	"sdx/kernel/vmm"
)

// ArgMax is the largest number of bytes the argv string payload area may
// occupy, per spec §6.
const ArgMax = mm.PageSize

// EnvMax is the largest number of bytes the envp string payload area may
// occupy, per spec §6.
const EnvMax = uintptr(math.MaxInt32)

// Image is the result of loading an executable: the regions that replace a
// task's CODE/RDONLY/DATA regions and the virtual address execution resumes
// at. Building one from a path is the job of a Loader.
type Image struct {
	Entry  uintptr
	Code   *region.Region
	Rodata *region.Region
	Data   *region.Region
}

// Loader turns an executable path into an Image. Concrete ELF parsing is an
// external collaborator outside this core's scope (spec §1); Exec only
// depends on this seam, which tests and the surrounding kernel provide.
type Loader func(path string) (*Image, errno.Errno)

// loaderFn is the Loader Exec calls. It stays nil until the surrounding
// kernel wires a concrete implementation in; while it is nil every Exec call
// fails with ENOSYS, matching sysExec's previous stub behaviour.
var loaderFn Loader

// SetLoader installs the Loader Exec uses to turn a path into an Image.
func SetLoader(l Loader) { loaderFn = l }

// Exec replaces the calling task's CODE/RDONLY/DATA regions with those the
// Loader produces, zeroes the register file, loads the new entry point and a
// freshly built user stack (argv/envp, see pushExecStack), drops priority to
// PrioLow, then yields. Exec does not freeze scheduling: no interrupts are
// masked while the regions are swapped. Per spec §5's suspension-point table this parks the task in Save,
// the state that marks current.Regs authoritative across the next dispatch,
// so the calling context never resumes: the task's next tick begins
// execution at the new entry point instead.
func Exec(path string, argv, envp []string) errno.Errno {
	if current == nil {
		return errno.ESRCH
	}
	if loaderFn == nil {
		return errno.ENOSYS
	}

	img, lerr := loaderFn(path)
	if lerr != 0 {
		return lerr
	}

	stackRegion := region.Find(current.Regions, region.Stack, vmm.UserVMA)
	if stackRegion == nil {
		return errno.ENOEXEC
	}
	stackTop := stackRegion.Vaddr + stackRegion.Num*mm.PageSize
	sp, eerr := pushExecStack(stackTop, argv, envp)
	if eerr != 0 {
		return eerr
	}

	for _, typ := range [...]region.Type{region.Code, region.Rdonly, region.Data} {
		if old := region.Find(current.Regions, typ, vmm.UserVMA); old != nil {
			_ = old.Unmap()
			_ = old.Free()
			current.Regions = region.Del(current.Regions, old)
		}
	}

	for _, r := range [...]*region.Region{img.Code, img.Rodata, img.Data} {
		if r == nil {
			continue
		}
		if err := r.Map(); err != nil {
			return errno.ENOEXEC
		}
		current.Regions = region.Add(current.Regions, r)
	}

	current.Regs.RAX, current.Regs.RBX, current.Regs.RCX, current.Regs.RDX = 0, 0, 0, 0
	current.Regs.RSI, current.Regs.RDI, current.Regs.RBP = 0, 0, 0
	current.Regs.R8, current.Regs.R9, current.Regs.R10 = 0, 0, 0
	current.Regs.R11, current.Regs.R12, current.Regs.R13 = 0, 0, 0
	current.Regs.R14, current.Regs.R15 = 0, 0

	current.Regs.RFlags = (1 << 1) | (1 << 9)
	current.Regs.RIP = uint64(img.Entry)
	current.Regs.RSP = uint64(sp)
	if current.Ring == RingKernel {
		current.Regs.CS = KernelCodeSelector
		current.Regs.SS = KernelDataSelector
	} else {
		current.Regs.CS = UserCodeSelector
		current.Regs.SS = UserDataSelector
	}

	current.Prio = PrioLow
	current.State = Save

	Yield()

	return 0
}

// pushExecStack writes argv and envp onto the user stack below stackTop: the
// string payloads first (envp's then argv's), then the envp pointer array
// NUL-terminated, then the argv pointer array NUL-terminated, then the two
// pointer words &envp[0] and &argv[0] that the new entry point reads off the
// top of the stack (&argv[0] at the returned stack pointer, &envp[0] just
// above it). It returns the resulting stack pointer.
func pushExecStack(stackTop uintptr, argv, envp []string) (uintptr, errno.Errno) {
	argvBytes := stringSetSize(argv)
	if argvBytes > ArgMax {
		return 0, errno.E2BIG
	}
	envpBytes := stringSetSize(envp)
	if envpBytes > EnvMax {
		return 0, errno.E2BIG
	}

	sp := stackTop

	envpPtrs := make([]uintptr, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		sp = writeString(sp, envp[i])
		envpPtrs[i] = sp
	}

	argvPtrs := make([]uintptr, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		sp = writeString(sp, argv[i])
		argvPtrs[i] = sp
	}

	sp = alignDown(sp, 8)

	sp = writeWord(sp, 0) // envp NUL terminator
	for i := len(envpPtrs) - 1; i >= 0; i-- {
		sp = writeWord(sp, uint64(envpPtrs[i]))
	}
	envpBase := sp

	sp = writeWord(sp, 0) // argv NUL terminator
	for i := len(argvPtrs) - 1; i >= 0; i-- {
		sp = writeWord(sp, uint64(argvPtrs[i]))
	}
	argvBase := sp

	sp = writeWord(sp, uint64(envpBase))
	sp = writeWord(sp, uint64(argvBase))

	return sp, 0
}

// stringSetSize returns the number of bytes the NUL-terminated payloads of
// strs occupy, ignoring the pointer array itself.
func stringSetSize(strs []string) uintptr {
	var n uintptr
	for _, s := range strs {
		n += uintptr(len(s)) + 1
	}
	return n
}

// writeString copies s plus a NUL terminator below sp and returns the new
// (lower) stack pointer, which is also the address of s's first byte.
func writeString(sp uintptr, s string) uintptr {
	sp -= uintptr(len(s)) + 1
	dst := sp
	for i := 0; i < len(s); i++ {
		*(*byte)(unsafe.Pointer(dst + uintptr(i))) = s[i]
	}
	*(*byte)(unsafe.Pointer(dst + uintptr(len(s)))) = 0
	return sp
}

// writeWord pushes an 8-byte word below sp and returns the new stack
// pointer.
func writeWord(sp uintptr, v uint64) uintptr {
	sp -= 8
	*(*uint64)(unsafe.Pointer(sp)) = v
	return sp
}

func alignDown(v uintptr, align uintptr) uintptr {
	return v &^ (align - 1)
}
