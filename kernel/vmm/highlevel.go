package vmm

import (
	"unsafe"

	"sdx/kernel"
	"sdx/kernel/mm"
)

// VMA identifies which half of the split virtual address space a mapping
// belongs to. The two halves never overlap and use disjoint page tables
// past the PML4 level.
type VMA uint8

const (
	// UserVMA spans [0x1000, 0x7FFFFFFFFFFF], the canonical lower half of
	// amd64 virtual address space.
	UserVMA VMA = iota
	// KernelVMA spans [0xFFFF800000000000, 0xFFFFFFFFFFFFFFFF], the
	// canonical higher half.
	KernelVMA
)

const (
	userVMAStart   = uintptr(0x1000)
	userVMAEnd     = uintptr(0x00007FFFFFFFFFFF)
	kernelVMAStart = uintptr(0xFFFF800000000000)
	kernelVMAEnd   = uintptr(0xFFFFFFFFFFFFFFFF)
)

// Bounds returns the inclusive [start, end] address range for vma.
func (vma VMA) Bounds() (uintptr, uintptr) {
	if vma == KernelVMA {
		return kernelVMAStart, kernelVMAEnd
	}
	return userVMAStart, userVMAEnd
}

// Attr is a bitset of mapping attributes. Attributes translate to a
// combination of page-table-entry flags (USER, NO_EXEC, NO_CACHE, RDONLY)
// and region-level bookkeeping flags that control ownership semantics across
// unmap (REUSE, SAVE) rather than anything the MMU itself understands.
type Attr uint16

const (
	// AttrUser marks a mapping as accessible from ring 3.
	AttrUser Attr = 1 << iota
	// AttrNoExec marks a mapping as non-executable.
	AttrNoExec
	// AttrNoCache disables caching for the mapping.
	AttrNoCache
	// AttrRdonly marks a mapping as read-only (FlagRW cleared).
	AttrRdonly
	// AttrReuse indicates the frames backing this mapping may be handed
	// back to the allocator once every referencing region goes away; it
	// is always set by kernel/region when constructing a mapping.
	AttrReuse
	// AttrSave indicates that unmapping this range must not release the
	// backing frames to C1 — ownership is retained by the caller (the
	// region descriptor), which is responsible for eventually freeing
	// them explicitly.
	AttrSave
)

// pteFlags translates an Attr bitset into the PageTableEntryFlag bits that
// back it. AttrSave has no PTE-level representation: it only governs what
// UnmapRange does with a frame already tagged FlagPFAOwned. AttrReuse does
// have a PTE-level representation: it becomes the FlagPFAOwned available
// bit, which is what UnmapRange actually consults to decide whether a frame
// may ever be released to C1.
func (a Attr) pteFlags() PageTableEntryFlag {
	flags := FlagPresent
	if a&AttrRdonly == 0 {
		flags |= FlagRW
	}
	if a&AttrUser != 0 {
		flags |= FlagUserAccessible
	}
	if a&AttrNoCache != 0 {
		flags |= FlagDoNotCache
	}
	if a&AttrNoExec != 0 {
		flags |= FlagNoExecute
	}
	if a&AttrReuse != 0 {
		flags |= FlagPFAOwned
	}
	return flags
}

var (
	errOutsideVMA = &kernel.Error{Module: "vmm", Message: "requested mapping falls outside the selected VMA"}

	// nextUserMapAddr/nextKernelMapAddr track the next candidate
	// page-aligned address handed out by MapToPaddr for each VMA when the
	// caller does not request a specific vaddr.
	nextUserMapAddr   = userVMAStart
	nextKernelMapAddr = kernelVMAStart

	// freeFrameFn is used by tests and is automatically inlined by the
	// compiler. It is the only path that releases a frame back to C1; it
	// is reached solely from UnmapRange, for FlagPFAOwned frames unmapped
	// without AttrSave.
	freeFrameFn = mm.FreeFrame
)

// MapToPaddr implements spec §4.3's vaddr==null mapping shape: num frames
// starting at paddr are mapped into vma at a vaddr chosen by the VMM, which
// is returned alongside the paddr used (unchanged from the argument).
func MapToPaddr(vma VMA, attr Attr, paddr uintptr, num uintptr) (vaddr, outPaddr uintptr, err *kernel.Error) {
	start, end := vma.Bounds()

	var base *uintptr
	if vma == KernelVMA {
		base = &nextKernelMapAddr
	} else {
		base = &nextUserMapAddr
	}

	vaddr = *base
	if vaddr+num*mm.PageSize-1 > end || vaddr < start {
		return 0, 0, errOutsideVMA
	}

	flags := attr.pteFlags()
	frame := mm.FrameFromAddress(paddr)
	for i := uintptr(0); i < num; i++ {
		page := mm.PageFromAddress(vaddr + i*mm.PageSize)
		if mapErr := mapFn(page, frame+mm.Frame(i), flags); mapErr != nil {
			return 0, 0, mapErr
		}
	}

	*base = vaddr + num*mm.PageSize
	return vaddr, paddr, nil
}

// MapVaddr implements spec §4.3's vaddr!=null, paddr==0 shape: num fresh
// frames are allocated and mapped starting at the caller-supplied vaddr. The
// physical address of the first frame is returned.
func MapVaddr(attr Attr, vaddr uintptr, num uintptr) (paddr uintptr, err *kernel.Error) {
	var firstFrame mm.Frame
	for i := uintptr(0); i < num; i++ {
		frame, allocErr := mm.AllocFrame()
		if allocErr != nil {
			return 0, allocErr
		}
		if i == 0 {
			firstFrame = frame
		}

		page := mm.PageFromAddress(vaddr + i*mm.PageSize)
		if mapErr := Map(page, frame, attr.pteFlags()); mapErr != nil {
			return 0, mapErr
		}
	}

	return firstFrame.Address(), nil
}

// MapExact implements spec §4.3's vaddr!=null, paddr!=0 shape: num frames
// starting at paddr are mapped at exactly vaddr, with no address selection
// performed by the VMM.
func MapExact(attr Attr, vaddr, paddr uintptr, num uintptr) *kernel.Error {
	frame := mm.FrameFromAddress(paddr)
	flags := attr.pteFlags()
	for i := uintptr(0); i < num; i++ {
		page := mm.PageFromAddress(vaddr + i*mm.PageSize)
		if err := Map(page, frame+mm.Frame(i), flags); err != nil {
			return err
		}
	}
	return nil
}

// UnmapRange unmaps num pages starting at vaddr. This is the only path that
// may release frames to C1 (spec §4.2/§4.3): for each page whose PTE carries
// FlagPFAOwned, unless attr has AttrSave set, the backing frame is freed via
// freeFrameFn once the mapping is torn down. With AttrSave set, or for a
// mapping that was never tagged FlagPFAOwned to begin with, the caller (a
// region descriptor) retains ownership and must free the frame itself.
func UnmapRange(attr Attr, vaddr uintptr, num uintptr) *kernel.Error {
	for i := uintptr(0); i < num; i++ {
		page := mm.PageFromAddress(vaddr + i*mm.PageSize)

		var frame mm.Frame
		release := false
		if attr&AttrSave == 0 {
			if pte, err := pteForAddress(page.Address()); err == nil && pte.isPFAOwned() {
				frame = pte.Frame()
				release = true
			}
		}

		if err := unmapFn(page); err != nil {
			return err
		}

		if release {
			if err := freeFrameFn(frame); err != nil {
				return err
			}
		}
	}
	return nil
}

// NewAddressSpace allocates and initializes a fresh PageDirectoryTable
// suitable for a newly forked or exec'd task, sharing the kernel's half of
// the address space as every address space must.
func NewAddressSpace() (*PageDirectoryTable, *kernel.Error) {
	frame, err := mm.AllocFrame()
	if err != nil {
		return nil, err
	}

	pdt := &PageDirectoryTable{}
	if err := pdt.Init(frame); err != nil {
		return nil, err
	}

	if err := Sync(pdt); err != nil {
		return nil, err
	}

	return pdt, nil
}

// entriesPerTable is the number of entries in a single amd64 page table
// (PML4, PDPT, PD or PT): 512, addressed by 9 bits.
const entriesPerTable = uintptr(1) << 9

// kernelHalfStartIndex is the first PML4 index belonging to the canonical
// higher (kernel) half of the address space.
const kernelHalfStartIndex = entriesPerTable / 2

// recursiveSlotIndex is the PML4 index PageDirectoryTable.Init reserves for
// the self-referential recursive mapping; Sync must not overwrite it since
// it is specific to each address space's own backing frame.
const recursiveSlotIndex = entriesPerTable - 1

// Sync copies the kernel half of the top-level page table from the active
// address space into pdt, excluding pdt's own recursive self-map slot, so
// that every address space shares identical kernel mappings.
func Sync(pdt *PageDirectoryTable) *kernel.Error {
	tempPage, err := mapTemporaryFn(pdt.pdtFrame)
	if err != nil {
		return err
	}
	defer func() { _ = unmapFn(tempPage) }()

	srcBase := pdtVirtualAddr
	dstBase := tempPage.Address()
	for i := kernelHalfStartIndex; i < recursiveSlotIndex; i++ {
		srcEntry := (*pageTableEntry)(unsafe.Pointer(srcBase + i<<mm.PointerShift))
		dstEntry := (*pageTableEntry)(unsafe.Pointer(dstBase + i<<mm.PointerShift))
		*dstEntry = *srcEntry
	}

	return nil
}

// Switch activates pdt as the currently running address space.
func Switch(pdt *PageDirectoryTable) {
	pdt.Activate()
}
