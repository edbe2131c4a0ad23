// Package heap implements the kernel's general purpose object allocator
// (C4): a fixed 32-byte-chunk free-list sitting on top of VMM-backed pages,
// used for arbitrary-sized kernel objects once the heap's own bootstrap page
// is mapped.
//
// Objects live in fixed 32-byte chunks: 16 bytes of metadata followed by 16
// bytes of payload. Free chunks form a single doubly-linked list, with the
// prev/next pointers stored in the metadata while the chunk is free. A
// multi-chunk allocation is a run of byte-wise contiguous chunks;
// extending the heap maps one more VMM page and appends its chunks to the
// tail of the free list.
package heap

import (
	"unsafe"

	"sdx/kernel"
	"sdx/kernel/mm"
	"sdx/kernel/vmm"
)

const (
	// chunkSize is the fixed size (metadata + payload) of every heap
	// chunk.
	chunkSize = 32

	// metaSize is the portion of a chunk reserved for bookkeeping: when
	// the chunk is the head of a live allocation it stores the magic and
	// the allocated size; when the chunk is free it stores prev/next
	// free-list pointers instead.
	metaSize = 16

	// magic is stamped into the first 8 bytes of a live allocation's
	// metadata. heap.Free panics if it is not found where expected.
	magic = uint64(0xdeadb17eb17edead)
)

// chunk is the in-memory layout of a single 32-byte heap chunk.
type chunk struct {
	// a and b are reused for two different purposes depending on whether
	// the chunk is free or live:
	//   free: a = prev chunk address, b = next chunk address
	//   live (head of a run): a = magic, b = allocated size in bytes
	a uint64
	b uint64
}

func chunkAt(addr uintptr) *chunk { return (*chunk)(unsafe.Pointer(addr)) }

func (c *chunk) addr() uintptr { return uintptr(unsafe.Pointer(c)) }
func (c *chunk) payload() uintptr { return c.addr() + metaSize }
func (c *chunk) next() uintptr { return uintptr(c.b) }
func (c *chunk) prev() uintptr { return uintptr(c.a) }
func (c *chunk) setFree(prev, next uintptr) {
	c.a = uint64(prev)
	c.b = uint64(next)
}
func (c *chunk) setLive(size uint64) {
	c.a = magic
	c.b = size
}

var (
	errOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}
	errInvalidFree = &kernel.Error{Module: "heap", Message: "attempted to free a pointer that is not a live heap allocation"}

	// freeHead/freeTail track the first and last address of the free
	// list, in ascending address order. A zero value means the list is
	// empty.
	freeHead uintptr
	freeTail uintptr

	// nextVirtAddr is the next page-aligned virtual address that will be
	// handed to the VMM when the heap is extended.
	nextVirtAddr uintptr

	// The following function variables are mocked by tests.
	mapFn       = vmm.Map
	allocFrameFn = mm.AllocFrame
)

// Init reserves no memory up-front; the heap grows lazily, one page at a
// time, the first time Alloc cannot satisfy a request from the free list.
func Init(heapStartAddr uintptr) {
	nextVirtAddr = heapStartAddr
	freeHead, freeTail = 0, 0
}

// chunksPerPage is the number of fixed-size chunks that fit into one VMM
// page.
var chunksPerPage = mm.PageSize / chunkSize

// extend maps one additional page at the current heap frontier and appends
// its chunks, in ascending address order, to the tail of the free list.
func extend() *kernel.Error {
	frame, err := allocFrameFn()
	if err != nil {
		return errOutOfMemory
	}

	flags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute
	if err := mapFn(mm.PageFromAddress(nextVirtAddr), frame, flags); err != nil {
		return err
	}

	pageAddr := nextVirtAddr
	nextVirtAddr += mm.PageSize

	for i := uintptr(0); i < chunksPerPage; i++ {
		addr := pageAddr + i*chunkSize
		appendFree(addr)
	}

	return nil
}

func appendFree(addr uintptr) {
	c := chunkAt(addr)
	c.setFree(freeTail, 0)
	if freeTail != 0 {
		chunkAt(freeTail).b = uint64(addr)
	} else {
		freeHead = addr
	}
	freeTail = addr
}

func unlinkFree(addr uintptr) {
	c := chunkAt(addr)
	prev, next := c.prev(), c.next()

	if prev != 0 {
		chunkAt(prev).b = uint64(next)
	} else {
		freeHead = next
	}

	if next != 0 {
		chunkAt(next).a = uint64(prev)
	} else {
		freeTail = prev
	}
}

// Alloc walks the free list for the first run of byte-wise contiguous
// chunks whose combined payload covers size bytes. If the
// current free list cannot satisfy the request the heap is extended by one
// page and the search is retried. On success the chosen run is spliced out
// of the free list, the head chunk is stamped with the heap magic and the
// total size, and a pointer to the run's payload is returned.
func Alloc(size uintptr) (uintptr, *kernel.Error) {
	needed := chunksNeeded(size)

	for attempt := 0; attempt < 2; attempt++ {
		if run, ok := findRun(needed); ok {
			for addr := run; ; {
				next := chunkAt(addr).next()
				unlinkFree(addr)
				if addr == run+uintptr(needed-1)*chunkSize {
					break
				}
				addr = next
			}

			chunkAt(run).setLive(uint64(size))
			return chunkAt(run).payload(), nil
		}

		if err := extend(); err != nil {
			return 0, err
		}
	}

	return 0, errOutOfMemory
}

// chunksNeeded returns the number of chunks a run must span to cover size
// bytes of payload. Only the run's head chunk pays metaSize for its own
// bookkeeping; every chunk after it is pure payload, since the head alone
// carries the live magic/size stamp (setLive) once the run is spliced out
// of the free list. A flat per-chunk payload of chunkSize-metaSize would
// roughly double the chunk cost of every multi-chunk allocation.
func chunksNeeded(size uintptr) uintptr {
	const firstChunkPayload = uintptr(chunkSize - metaSize)

	if size <= firstChunkPayload {
		return 1
	}

	remaining := size - firstChunkPayload
	return 1 + (remaining+chunkSize-1)/chunkSize
}

// findRun scans the free list (ascending address order, since appendFree
// always grows the tail) for the first run of exactly `needed` byte-wise
// contiguous chunks.
func findRun(needed uintptr) (uintptr, bool) {
	for addr := freeHead; addr != 0; addr = chunkAt(addr).next() {
		run := addr
		count := uintptr(1)
		cur := addr
		for count < needed {
			n := chunkAt(cur).next()
			if n != cur+chunkSize {
				break
			}
			cur = n
			count++
		}
		if count == needed {
			return run, true
		}
	}
	return 0, false
}

// Realloc resizes a previously allocated block. If the existing run already
// covers size the original pointer is returned unchanged; otherwise the
// implementation attempts to extend in place by consuming contiguous tail
// chunks immediately following the run, falling back to alloc+copy+free.
func Realloc(ptr uintptr, size uintptr) (uintptr, *kernel.Error) {
	head := chunkAt(ptr - metaSize)
	if head.a != magic {
		return 0, errInvalidFree
	}

	curSize := uintptr(head.b)
	curChunks := chunksNeeded(curSize)
	needChunks := chunksNeeded(size)

	if needChunks <= curChunks {
		head.b = uint64(size)
		return ptr, nil
	}

	runStart := ptr - metaSize
	runEnd := runStart + (curChunks-1)*chunkSize

	extra := needChunks - curChunks
	cur := runEnd
	canExtend := true
	for i := uintptr(0); i < extra; i++ {
		n := cur + chunkSize
		if !isFree(n) {
			canExtend = false
			break
		}
		cur = n
	}

	if canExtend {
		cur = runEnd
		for i := uintptr(0); i < extra; i++ {
			n := cur + chunkSize
			unlinkFree(n)
			cur = n
		}
		head.b = uint64(size)
		return ptr, nil
	}

	newPtr, err := Alloc(size)
	if err != nil {
		return 0, err
	}
	kernel.Memcopy(ptr, newPtr, curSize)
	if err := Free(ptr); err != nil {
		return 0, err
	}
	return newPtr, nil
}

func isFree(addr uintptr) bool {
	for a := freeHead; a != 0; a = chunkAt(a).next() {
		if a == addr {
			return true
		}
	}
	return false
}

// Free verifies the heap magic at ptr's metadata, reinterprets the run it
// heads as plain chunks, and splices them back into the free list in
// ascending address order.
func Free(ptr uintptr) *kernel.Error {
	head := chunkAt(ptr - metaSize)
	if head.a != magic {
		panic(errInvalidFree)
	}

	size := uintptr(head.b)
	n := chunksNeeded(size)

	runStart := ptr - metaSize
	for i := uintptr(0); i < n; i++ {
		insertFreeSorted(runStart + i*chunkSize)
	}

	return nil
}

// insertFreeSorted splices addr back into the free list keeping ascending
// address order, which is the invariant findRun relies on to recognize
// byte-wise contiguous runs.
func insertFreeSorted(addr uintptr) {
	if freeHead == 0 {
		chunkAt(addr).setFree(0, 0)
		freeHead, freeTail = addr, addr
		return
	}

	if addr < freeHead {
		chunkAt(addr).setFree(0, freeHead)
		chunkAt(freeHead).a = uint64(addr)
		freeHead = addr
		return
	}

	cur := freeHead
	for {
		next := chunkAt(cur).next()
		if next == 0 || next > addr {
			break
		}
		cur = next
	}

	next := chunkAt(cur).next()
	chunkAt(addr).setFree(cur, next)
	chunkAt(cur).b = uint64(addr)
	if next != 0 {
		chunkAt(next).a = uint64(addr)
	} else {
		freeTail = addr
	}
}
