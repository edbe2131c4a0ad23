package pmm

import (
	"reflect"
	"unsafe"

	"sdx/kernel"
	"sdx/kernel/hal/multiboot"
	"sdx/kernel/kfmt"
	"sdx/kernel/mm"
	"sdx/kernel/vmm"
)

var (
	errBitmapAllocOutOfMemory = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}
	errBitmapFreeNotReserved  = &kernel.Error{Module: "bitmap_alloc", Message: "attempted to free a frame that was not reserved"}
	errBitmapFreeOutOfRange   = &kernel.Error{Module: "bitmap_alloc", Message: "attempted to free a frame outside any known pool"}

	// The following function variables are used by tests to mock calls to
	// the vmm package and are automatically inlined by the compiler.
	reserveRegionFn = vmm.EarlyReserveRegion
	mapFn           = vmm.Map
)

type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

// framePool describes a contiguous run of physical frames tracked by a
// single free bitmap.
type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// Each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool.
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool. A set bit means the
	// corresponding frame is reserved.
	freeBitmap    []uint64
	freeBitmapHdr reflect.SliceHeader
}

// bit returns the block index and mask for the bitmap entry of frame.
func (p *framePool) bit(frame mm.Frame) (int, uint64) {
	relFrame := uint64(frame - p.startFrame)
	block := relFrame >> 6
	mask := uint64(1) << (63 - (relFrame - block<<6))
	return int(block), mask
}

func (p *framePool) isReserved(frame mm.Frame) bool {
	block, mask := p.bit(frame)
	return p.freeBitmap[block]&mask != 0
}

func (p *framePool) mark(frame mm.Frame, flag markAs) {
	block, mask := p.bit(frame)
	switch flag {
	case markFree:
		p.freeBitmap[block] &^= mask
		p.freeCount++
	case markReserved:
		p.freeBitmap[block] |= mask
		p.freeCount--
	}
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using per-pool bitmaps. It
// is the allocator used by the kernel once bootstrapping via
// bootMemAllocator is complete.
//
// Besides the single-frame AllocFrame/FreeFrame pair required to satisfy the
// mm.FrameAllocatorFn contract, BitmapAllocator exposes Alloc/Free which
// reserve/release a contiguous, aligned run of frames from a single pool, as
// required by a region-backed allocator that must hand out multi-frame
// blocks.
type BitmapAllocator struct {
	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools    []framePool
	poolsHdr reflect.SliceHeader
}

// init allocates space for the allocator structures using the boot memory
// allocator and flags already allocated pages as reserved.
func (alloc *BitmapAllocator) init() *kernel.Error {
	if err := alloc.setupPoolBitmaps(); err != nil {
		return err
	}

	alloc.reserveKernelFrames()
	alloc.reserveEarlyAllocatorFrames()
	alloc.printStats()
	return nil
}

func (alloc *BitmapAllocator) setupPoolBitmaps() *kernel.Error {
	var (
		err                 *kernel.Error
		sizeofPool          = unsafe.Sizeof(framePool{})
		pageSizeMinus1      = uint64(mm.PageSize - 1)
		requiredBitmapBytes uint64
	)

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		alloc.poolsHdr.Len++
		alloc.poolsHdr.Cap++

		regionStartFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> mm.PageShift)
		regionEndFrame := mm.Frame(((region.PhysAddress+region.Length)&^pageSizeMinus1)>>mm.PageShift) - 1
		pageCount := uint32(regionEndFrame - regionStartFrame)
		alloc.totalPages += pageCount

		requiredBitmapBytes += ((uint64(pageCount) + 63) &^ 63) >> 3
		return true
	})

	requiredBytes := (uint64(uintptr(alloc.poolsHdr.Len)*sizeofPool) + requiredBitmapBytes + pageSizeMinus1) &^ pageSizeMinus1
	requiredPages := requiredBytes >> mm.PageShift
	alloc.poolsHdr.Data, err = reserveRegionFn(uintptr(requiredBytes))
	if err != nil {
		return err
	}

	for page, index := mm.PageFromAddress(alloc.poolsHdr.Data), uint64(0); index < requiredPages; page, index = page+1, index+1 {
		nextFrame, err := earlyAllocFrame()
		if err != nil {
			return err
		}

		if err = mapFn(page, nextFrame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}

		kernel.Memset(page.Address(), 0, mm.PageSize)
	}

	alloc.pools = *(*[]framePool)(unsafe.Pointer(&alloc.poolsHdr))

	bitmapStartAddr := alloc.poolsHdr.Data + uintptr(alloc.poolsHdr.Len)*sizeofPool
	poolIndex := 0
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		regionStartFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> mm.PageShift)
		regionEndFrame := mm.Frame(((region.PhysAddress+region.Length)&^pageSizeMinus1)>>mm.PageShift) - 1
		bitmapBytes := uintptr((((regionEndFrame - regionStartFrame) + 63) &^ 63) >> 3)

		alloc.pools[poolIndex].startFrame = regionStartFrame
		alloc.pools[poolIndex].endFrame = regionEndFrame
		alloc.pools[poolIndex].freeCount = uint32(regionEndFrame - regionStartFrame + 1)
		alloc.pools[poolIndex].freeBitmapHdr.Len = int(bitmapBytes >> 3)
		alloc.pools[poolIndex].freeBitmapHdr.Cap = alloc.pools[poolIndex].freeBitmapHdr.Len
		alloc.pools[poolIndex].freeBitmapHdr.Data = bitmapStartAddr
		alloc.pools[poolIndex].freeBitmap = *(*[]uint64)(unsafe.Pointer(&alloc.pools[poolIndex].freeBitmapHdr))

		bitmapStartAddr += bitmapBytes
		poolIndex++
		return true
	})

	return nil
}

func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	for poolIndex := range alloc.pools {
		if frame >= alloc.pools[poolIndex].startFrame && frame <= alloc.pools[poolIndex].endFrame {
			return poolIndex
		}
	}
	return -1
}

func (alloc *BitmapAllocator) reserveKernelFrames() {
	poolIndex := alloc.poolForFrame(bootAllocator.kernelStartFrame)
	if poolIndex < 0 {
		return
	}
	for frame := bootAllocator.kernelStartFrame; frame <= bootAllocator.kernelEndFrame; frame++ {
		alloc.pools[poolIndex].mark(frame, markReserved)
		alloc.reservedPages++
	}
}

// reserveEarlyAllocatorFrames decommissions the boot allocator by replaying
// its allocation count against a reset copy of its state and marking every
// frame it handed out as reserved in the bitmap.
func (alloc *BitmapAllocator) reserveEarlyAllocatorFrames() {
	allocCount := bootAllocator.allocCount
	bootAllocator.allocCount, bootAllocator.lastAllocIndex = 0, -1
	for i := uint64(0); i < allocCount; i++ {
		frame, _ := bootAllocator.AllocFrame()
		if poolIndex := alloc.poolForFrame(frame); poolIndex >= 0 && !alloc.pools[poolIndex].isReserved(frame) {
			alloc.pools[poolIndex].mark(frame, markReserved)
			alloc.reservedPages++
		}
	}
}

func (alloc *BitmapAllocator) printStats() {
	kfmt.Printf(
		"[bitmap_alloc] page stats: free: %d/%d (%d reserved)\n",
		alloc.totalPages-alloc.reservedPages,
		alloc.totalPages,
		alloc.reservedPages,
	)
}

// AllocFrame reserves and returns a single free frame, satisfying the
// mm.FrameAllocatorFn contract.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	frame, err := alloc.Alloc(1, 0)
	if err != nil {
		return mm.InvalidFrame, err
	}
	return frame, nil
}

// FreeFrame releases a single previously allocated frame.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	return alloc.Free(frame.Address(), 1)
}

// Alloc reserves num contiguous frames from a single pool, starting at a
// frame number that is a multiple of align (align == 0 behaves like
// align == 1, i.e. no alignment constraint). It returns the first frame of
// the reserved run.
func (alloc *BitmapAllocator) Alloc(num uint32, align uint32) (mm.Frame, *kernel.Error) {
	if num == 0 {
		num = 1
	}
	if align == 0 {
		align = 1
	}

	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount < num {
			continue
		}

		for start := pool.startFrame; start+mm.Frame(num)-1 <= pool.endFrame; start++ {
			if uint32(start)%align != 0 {
				continue
			}

			runFree := true
			for f := start; f < start+mm.Frame(num); f++ {
				if pool.isReserved(f) {
					runFree = false
					break
				}
			}
			if !runFree {
				continue
			}

			for f := start; f < start+mm.Frame(num); f++ {
				pool.mark(f, markReserved)
			}
			alloc.reservedPages += num
			return start, nil
		}
	}

	return mm.InvalidFrame, errBitmapAllocOutOfMemory
}

// Free releases the num-frame run starting at the physical address paddr.
// All frames in the run must belong to the same pool and must currently be
// marked as reserved.
func (alloc *BitmapAllocator) Free(paddr uintptr, num uint32) *kernel.Error {
	if num == 0 {
		num = 1
	}

	startFrame := mm.FrameFromAddress(paddr)
	poolIndex := alloc.poolForFrame(startFrame)
	if poolIndex < 0 {
		return errBitmapFreeOutOfRange
	}
	pool := &alloc.pools[poolIndex]

	for f := startFrame; f < startFrame+mm.Frame(num); f++ {
		if f > pool.endFrame {
			return errBitmapFreeOutOfRange
		}
		if !pool.isReserved(f) {
			return errBitmapFreeNotReserved
		}
	}

	for f := startFrame; f < startFrame+mm.Frame(num); f++ {
		pool.mark(f, markFree)
	}
	alloc.reservedPages -= num
	return nil
}
