// Package pmm implements the kernel's physical frame allocator (C1). A
// bootMemAllocator bootstraps the system by scanning the bootloader-reported
// memory map; once enough of the kernel is up it hands off to a
// BitmapAllocator that tracks per-pool frame reservations and remains the
// allocator for the lifetime of the kernel, supporting both single-frame and
// contiguous, aligned multi-frame allocation and freeing.
package pmm

import (
	"sdx/kernel"
	"sdx/kernel/mm"
)

var (
	// bootAllocator is the page allocator used while the kernel boots. It
	// bootstraps the bitmap allocator used for all later allocations.
	bootAllocator bootMemAllocator

	// allocator is the allocator used by the kernel once booting is
	// complete.
	allocator BitmapAllocator
)

// Init sets up the kernel physical memory allocation sub-system.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	bootAllocator.init(kernelStart, kernelEnd)
	bootAllocator.printMemoryMap()
	mm.SetFrameAllocator(earlyAllocFrame)

	// Use the boot allocator to bootstrap the bitmap allocator.
	if err := allocator.init(); err != nil {
		return err
	}
	mm.SetFrameAllocator(bitmapAllocFrame)
	mm.SetFrameDeallocator(bitmapFreeFrame)

	return nil
}

func earlyAllocFrame() (mm.Frame, *kernel.Error) {
	return bootAllocator.AllocFrame()
}

func bitmapAllocFrame() (mm.Frame, *kernel.Error) {
	return allocator.AllocFrame()
}

func bitmapFreeFrame(frame mm.Frame) *kernel.Error {
	return allocator.FreeFrame(frame)
}

// AllocRun reserves num contiguous frames aligned to align frames (0 or 1
// meaning unaligned) using the active post-boot allocator. It is the
// entry point used by kernel/region to satisfy spec §4.1's
// alloc(num, align) contract.
func AllocRun(num, align uint32) (mm.Frame, *kernel.Error) {
	return allocator.Alloc(num, align)
}

// FreeRun releases the num-frame run starting at physical address paddr,
// satisfying spec §4.1's free(paddr, num) contract.
func FreeRun(paddr uintptr, num uint32) *kernel.Error {
	return allocator.Free(paddr, num)
}
