// Package kmain wires together every kernel subsystem into the boot
// sequence invoked by the rt0 trampoline.
package kmain

import (
	"sdx/kernel"
	"sdx/kernel/gate"
	"sdx/kernel/goruntime"
	"sdx/kernel/hal/multiboot"
	"sdx/kernel/heap"
	"sdx/kernel/kfmt"
	"sdx/kernel/pmm"
	"sdx/kernel/sched"
	"sdx/kernel/syscall"
	"sdx/kernel/sync"
	"sdx/kernel/vmm"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// timerIRQ is the vector the PIT/APIC timer lands on once the PIC has been
// remapped past the CPU's own exception range (the standard 0x20 offset).
const timerIRQ = gate.InterruptNumber(32)

// faultVectors lists the CPU exceptions the scheduler converts into
// per-task signals rather than letting them fall through to kernel.Panic.
var faultVectors = []gate.InterruptNumber{
	gate.DivideByZero,
	gate.InvalidOpcode,
	gate.GPFException,
	gate.PageFaultException,
}

// heapStartAddr is the virtual address the kernel heap grows upward from;
// it lies in PML4 slot 288, below the slots vmm reserves for its temporary
// (510) and recursive (511) mappings.
const heapStartAddr = uintptr(0xffff900000000000)

// Kmain is the only Go symbol visible (exported) from the rt0 initialization
// code. It is invoked after rt0 has set up the GDT and a minimal g0 struct
// that lets Go code run on the small stack the bootloader handed it.
//
// rt0 passes the multiboot info payload address together with the physical
// start/end addresses of the kernel image and the kernel's page offset, all
// of which are fixed by the linker script.
//
// Kmain is not expected to return. If it does, the rt0 code halts the CPU.
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd, kernelPageOffset uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	// Maps and interfaces (used throughout kfmt.Printf's variadic args and
	// sched's signal-handler tables) don't work until the Go runtime's own
	// bootstrap has run, so this must come before anything else.
	var err *kernel.Error
	if err = goruntime.Init(); err != nil {
		kernel.Panic(err)
	}

	gate.Init()

	if err = pmm.Init(kernelStart, kernelEnd); err != nil {
		kernel.Panic(err)
	} else if err = vmm.Init(kernelPageOffset); err != nil {
		kernel.Panic(err)
	}

	heap.Init(heapStartAddr)
	sync.SetYieldFn(sched.Yield)

	if err = sched.Init(timerIRQ, faultVectors); err != nil {
		kernel.Panic(err)
	} else if err = syscall.Init(); err != nil {
		kernel.Panic(err)
	}

	kfmt.Printf("sdx: boot complete\n")

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead code and eliminating it.
	kernel.Panic(errKmainReturned)
}
