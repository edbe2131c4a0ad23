// Package mm defines the address-indexing types shared by the physical frame
// allocator and the paging layer: Frame (a physical page index) and Page (a
// virtual page index).
package mm

import (
	"math"
	"sdx/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when they fail to
	// reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that corresponds to the given physical
// address. Non page-aligned addresses are rounded down to the frame that
// contains them.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

var (
	// frameAllocator points to a frame allocator function registered via
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// frameDeallocator points to a frame deallocator function registered
	// via SetFrameDeallocator.
	frameDeallocator FrameDeallocatorFn
)

// FrameAllocatorFn is a function that can allocate a single physical frame.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// FrameDeallocatorFn is a function that can release a single physical frame
// back to the allocator that owns it.
type FrameDeallocatorFn func(Frame) *kernel.Error

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm package whenever a new physical frame needs to be allocated, e.g.
// for an intermediate page table.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// SetFrameDeallocator registers a frame deallocator function that will be
// used by the vmm package to release PFA-owned frames discovered during an
// unmap. pmm is the only package that calls this, since vmm cannot import
// pmm without an import cycle (pmm itself depends on vmm to map the
// bitmaps it tracks frames with).
func SetFrameDeallocator(freeFn FrameDeallocatorFn) { frameDeallocator = freeFn }

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) { return frameAllocator() }

// FreeFrame releases a physical frame using the currently active physical
// frame deallocator. It is a no-op returning nil if no deallocator has been
// registered yet (e.g. during early boot, before pmm.Init completes).
func FreeFrame(f Frame) *kernel.Error {
	if frameDeallocator == nil {
		return nil
	}
	return frameDeallocator(f)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page that corresponds to the given virtual
// address. Non page-aligned addresses are rounded down to the page that
// contains them.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}
