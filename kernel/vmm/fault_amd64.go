package vmm

import (
	"sdx/kernel"
	"sdx/kernel/gate"
	"sdx/kernel/kfmt"
	"sdx/kernel/mm"
)

// registerFaultHandlerFn is used by tests; it wraps gate.RegisterHandler at
// FirstPriority, dropping the priority argument and return value since every
// vmm-installed fault handler uses the same tier.
var registerFaultHandlerFn = func(vec gate.InterruptNumber, handler func(*gate.Registers)) {
	gate.RegisterHandler(vec, gate.FirstPriority, handler)
}

// installFaultHandlers registers pageFaultHandler/generalProtectionFaultHandler
// against gate's priority-ordered handler list at FirstPriority, so that they
// run (and, for a CoW fault, may fully resolve the fault) before sched's
// SecondPriority exceptionHandler gets a chance to turn an unresolved fault
// into a per-task signal (spec §4.6/§7 item 2). There must be exactly one
// handler list per vector; registering these through the legacy single-handler
// gate.HandleInterrupt alongside sched's gate.RegisterHandler registration for
// the same vectors would leave two uncoordinated dispatch mechanisms racing
// for the same interrupt.
func installFaultHandlers() {
	registerFaultHandlerFn(gate.PageFaultException, pageFaultHandler)
	registerFaultHandlerFn(gate.GPFException, generalProtectionFaultHandler)
}

// pageFaultHandler is invoked when a PDT or PDT-entry is not present or when a
// RW protection check fails. A CoW fault is resolved here and the faulting
// instruction is retried; any other fault is logged and left for sched's
// exceptionHandler to turn into a per-task SIGSEGV, or a kernel panic if no
// task is ACTIVE.
func pageFaultHandler(regs *gate.Registers) {
	var (
		faultAddress = uintptr(readCR2Fn())
		faultPage    = mm.PageFromAddress(faultAddress)
		pageEntry    *pageTableEntry
	)

	// Lookup entry for the page where the fault occurred
	walk(faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		nextIsPresent := pte.HasFlags(FlagPresent)

		if pteLevel == pageLevels-1 && nextIsPresent {
			pageEntry = pte
		}

		// Abort walk if the next page table entry is missing
		return nextIsPresent
	})

	// CoW is supported for RO pages with the CoW flag set
	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite) {
		var (
			copy    mm.Frame
			tmpPage mm.Page
			err     *kernel.Error
		)

		if copy, err = mm.AllocFrame(); err != nil {
			logPageFault(faultAddress, regs)
			return
		} else if tmpPage, err = mapTemporaryFn(copy); err != nil {
			logPageFault(faultAddress, regs)
			return
		}

		// Copy page contents, mark as RW and remove CoW flag
		kernel.Memcopy(faultPage.Address(), tmpPage.Address(), mm.PageSize)
		_ = unmapFn(tmpPage)

		// Update mapping to point to the new frame, flag it as RW and
		// remove the CoW flag
		pageEntry.ClearFlags(FlagCopyOnWrite)
		pageEntry.SetFlags(FlagPresent | FlagRW)
		pageEntry.SetFrame(copy)
		flushTLBEntryFn(faultPage.Address())

		// Fault recovered; retry the instruction that caused the fault
		return
	}

	logPageFault(faultAddress, regs)
}

// generalProtectionFaultHandler is invoked for various reasons:
// - segment errors (privilege, type or limit violations)
// - executing privileged instructions outside ring-0
// - attempts to access reserved or unimplemented CPU registers
//
// It only logs; delivering SIGILL to the faulting task (or panicking if no
// task is ACTIVE) is sched's exceptionHandler's job, registered at
// SecondPriority against the same vector.
func generalProtectionFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())
}

// logPageFault prints diagnostics for a page fault that pageFaultHandler could
// not resolve itself.
func logPageFault(faultAddress uintptr, regs *gate.Registers) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch {
	case regs.Info == 0:
		kfmt.Printf("read from non-present page")
	case regs.Info == 1:
		kfmt.Printf("page protection violation (read)")
	case regs.Info == 2:
		kfmt.Printf("write to non-present page")
	case regs.Info == 3:
		kfmt.Printf("page protection violation (write)")
	case regs.Info == 4:
		kfmt.Printf("page-fault in user-mode")
	case regs.Info == 8:
		kfmt.Printf("page table has reserved bit set")
	case regs.Info == 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())
}
