package pmm

import (
	"sdx/kernel"
	"sdx/kernel/hal/multiboot"
	"sdx/kernel/kfmt"
	"sdx/kernel/mem"
	"sdx/kernel/mm"
)

var (
	errBootAllocUnsupportedOp = &kernel.Error{Module: "boot_mem_alloc", Message: "boot allocator cannot free frames"}
	errBootAllocOutOfMemory   = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
)

// bootMemAllocator implements a rudimentary physical frame allocator used to
// bootstrap the kernel before the bitmap allocator takes over. It scans the
// memory region information supplied by the bootloader to locate free
// frames, skipping the range occupied by the kernel image itself.
//
// Allocations are tracked via an internal counter holding the last allocated
// frame index; freeing individual frames is not supported. Once the bitmap
// allocator is initialized it replays this counter to mark the frames it
// consumed as reserved and the bootMemAllocator is retired.
type bootMemAllocator struct {
	kernelStartFrame mm.Frame
	kernelEndFrame   mm.Frame

	allocCount     uint64
	lastAllocIndex int64
}

// init sets up the boot memory allocator internal state. The system memory
// map is printed separately by printMemoryMap.
func (alloc *bootMemAllocator) init(kernelStart, kernelEnd uintptr) {
	alloc.kernelStartFrame = mm.FrameFromAddress(kernelStart)
	alloc.kernelEndFrame = mm.FrameFromAddress(kernelEnd)
	alloc.allocCount = 0
	alloc.lastAllocIndex = -1
}

// printMemoryMap emits the memory regions reported by the bootloader.
func (alloc *bootMemAllocator) printMemoryMap() {
	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree uint64
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())
		if region.Type == multiboot.MemAvailable {
			totalFree += region.Length
		}
		return true
	})
	kfmt.Printf("[boot_mem_alloc] free memory: %dKb\n", mem.Size(totalFree)/mem.Kb)
}

// AllocFrame scans the system memory regions reported by the bootloader and
// reserves the next available free frame, skipping over the kernel image.
func (alloc *bootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	var (
		foundFrame       int64 = -1
		regionStartFrame int64
		regionEnd        int64
	)

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		regionStartFrame = int64(mm.FrameFromAddress(uintptr(region.PhysAddress) + mm.PageSize - 1))
		regionEnd = int64(mm.FrameFromAddress(uintptr(region.PhysAddress + region.Length)))

		if alloc.lastAllocIndex >= regionEnd {
			return true
		}

		var candidate int64
		if alloc.lastAllocIndex < regionStartFrame {
			candidate = regionStartFrame
		} else {
			candidate = alloc.lastAllocIndex + 1
		}

		// Skip over frames occupied by the kernel image.
		if candidate >= int64(alloc.kernelStartFrame) && candidate <= int64(alloc.kernelEndFrame) {
			candidate = int64(alloc.kernelEndFrame) + 1
		}
		if candidate >= regionEnd {
			return true
		}

		foundFrame = candidate
		return false
	})

	if foundFrame == -1 {
		return mm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount++
	alloc.lastAllocIndex = foundFrame
	return mm.Frame(foundFrame), nil
}

// FreeFrame always fails: the boot allocator never tracks individual frames
// so it cannot support freeing.
func (alloc *bootMemAllocator) FreeFrame(mm.Frame) *kernel.Error {
	return errBootAllocUnsupportedOp
}
