package vmm

import (
	"bytes"
	"fmt"
	"sdx/kernel"
	"sdx/kernel/cpu"
	"sdx/kernel/gate"
	"sdx/kernel/kfmt"
	"sdx/kernel/mm"
	"strings"
	"testing"
	"unsafe"
)

func TestRecoverablePageFault(t *testing.T) {
	var (
		regs       gate.Registers
		pageEntry  pageTableEntry
		origPage   = make([]byte, mm.PageSize)
		clonedPage = make([]byte, mm.PageSize)
		err        = &kernel.Error{Module: "test", Message: "something went wrong"}
	)

	defer func(origPtePtr func(uintptr) unsafe.Pointer) {
		ptePtrFn = origPtePtr
		readCR2Fn = cpu.ReadCR2
		mm.SetFrameAllocator(nil)
		mapTemporaryFn = MapTemporary
		unmapFn = Unmap
		flushTLBEntryFn = cpu.FlushTLBEntry
		kfmt.SetOutputSink(nil)
	}(ptePtrFn)

	specs := []struct {
		pteFlags    PageTableEntryFlag
		allocError  *kernel.Error
		mapError    *kernel.Error
		expRecovered bool
	}{
		// Missing pte
		{0, nil, nil, false},
		// Page is present but CoW flag not set
		{FlagPresent, nil, nil, false},
		// Page is present but both CoW and RW flags set
		{FlagPresent | FlagRW | FlagCopyOnWrite, nil, nil, false},
		// Page is present with CoW flag set but allocating a page copy fails
		{FlagPresent | FlagCopyOnWrite, err, nil, false},
		// Page is present with CoW flag set but mapping the page copy fails
		{FlagPresent | FlagCopyOnWrite, nil, err, false},
		// Page is present with CoW flag set
		{FlagPresent | FlagCopyOnWrite, nil, nil, true},
	}

	ptePtrFn = func(entry uintptr) unsafe.Pointer { return unsafe.Pointer(&pageEntry) }
	readCR2Fn = func() uint64 { return uint64(uintptr(unsafe.Pointer(&origPage[0]))) }
	unmapFn = func(_ mm.Page) *kernel.Error { return nil }
	flushTLBEntryFn = func(_ uintptr) {}
	kfmt.SetOutputSink(&bytes.Buffer{})

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			mapTemporaryFn = func(f mm.Frame) (mm.Page, *kernel.Error) { return mm.Page(f), spec.mapError }
			mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
				addr := uintptr(unsafe.Pointer(&clonedPage[0]))
				return mm.Frame(addr >> mm.PageShift), spec.allocError
			})

			for i := 0; i < len(origPage); i++ {
				origPage[i] = byte(i % 256)
				clonedPage[i] = 0
			}

			pageEntry = 0
			pageEntry.SetFlags(spec.pteFlags)

			regs.Info = 2

			// pageFaultHandler never panics: it either resolves the fault
			// in place or logs it and returns, leaving signal delivery (or
			// a kernel panic if no task is ACTIVE) to sched's
			// exceptionHandler, registered at SecondPriority against the
			// same vector.
			pageFaultHandler(&regs)

			if spec.expRecovered {
				for i := 0; i < len(origPage); i++ {
					if origPage[i] != clonedPage[i] {
						t.Errorf("expected clone page to be a copy of the original page; mismatch at index %d", i)
					}
				}
			}
		})
	}
}

func TestLogPageFault(t *testing.T) {
	defer func() {
		kfmt.SetOutputSink(nil)
	}()

	specs := []struct {
		errCode   uint64
		expReason string
	}{
		{
			0,
			"read from non-present page",
		},
		{
			1,
			"page protection violation (read)",
		},
		{
			2,
			"write to non-present page",
		},
		{
			3,
			"page protection violation (write)",
		},
		{
			4,
			"page-fault in user-mode",
		},
		{
			8,
			"page table has reserved bit set",
		},
		{
			16,
			"instruction fetch",
		},
		{
			0xf00,
			"unknown",
		},
	}

	var (
		regs gate.Registers
		buf  bytes.Buffer
	)

	kfmt.SetOutputSink(&buf)
	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			buf.Reset()

			regs.Info = spec.errCode
			logPageFault(0xbadf00d000, &regs)
			if got := buf.String(); !strings.Contains(got, spec.expReason) {
				t.Errorf("expected reason %q; got output:\n%q", spec.expReason, got)
			}
		})
	}
}

func TestGPFHandler(t *testing.T) {
	defer func() {
		readCR2Fn = cpu.ReadCR2
		kfmt.SetOutputSink(nil)
	}()

	var (
		regs gate.Registers
		buf  bytes.Buffer
	)

	readCR2Fn = func() uint64 {
		return 0xbadf00d000
	}
	kfmt.SetOutputSink(&buf)

	// generalProtectionFaultHandler only logs now; it must not panic, since
	// sched's exceptionHandler (SecondPriority, same vector) is responsible
	// for converting the fault into a per-task SIGILL or a kernel panic if
	// no task is ACTIVE.
	generalProtectionFaultHandler(&regs)

	if got := buf.String(); !strings.Contains(got, "General protection fault") {
		t.Errorf("expected GPF diagnostic output; got:\n%q", got)
	}
}
