// Package region implements the kernel's region abstraction (C5): the unit
// of ownership for everything a task can be said to have in memory — code,
// rodata, data, heap and each stack. A region names a typed, contiguous
// virtual range together with the physical frames backing it.
package region

import (
	"sdx/kernel"
	"sdx/kernel/mm"
	"sdx/kernel/pmm"
	"sdx/kernel/vmm"
)

// Type identifies what a region is used for; together with the owning
// VMA it determines the attribute set map derives a mapping's flags from.
type Type uint8

const (
	Code Type = iota + 1
	Rdonly
	Data
	Heap
	Stack
)

// Region describes a typed contiguous virtual range with backing physical
// frames. Regions are chained into intrusive singly-linked lists.
type Region struct {
	Type  Type
	VMA   vmm.VMA
	Vaddr uintptr
	Paddr uintptr
	Num   uintptr

	Next *Region
}

// attrFor derives the mapping attribute set purely from a region's type and
// VMA, as required by spec §4.5: REUSE is always set and SAVE is set so the
// region keeps ownership of its frames across unmap.
func attrFor(typ Type, vma vmm.VMA) vmm.Attr {
	attr := vmm.AttrReuse | vmm.AttrSave

	switch typ {
	case Code:
		// executable, not writable
		attr |= vmm.AttrRdonly
	case Rdonly:
		attr |= vmm.AttrRdonly
	case Data, Heap, Stack:
		// writable, not executable
		attr |= vmm.AttrNoExec
	}

	if typ != Code {
		attr |= vmm.AttrNoExec
	}

	if vma == vmm.UserVMA {
		attr |= vmm.AttrUser
	}

	return attr
}

var (
	errInvalidShape = &kernel.Error{Module: "region", Message: "invalid combination of vaddr/paddr for map()"}

	// The following function variables are mocked by tests and are
	// automatically inlined by the compiler.
	mapToPaddrFn = vmm.MapToPaddr
	mapVaddrFn   = vmm.MapVaddr
	mapExactFn   = vmm.MapExact
	unmapRangeFn = vmm.UnmapRange
	allocRunFn   = pmm.AllocRun
	freeRunFn    = pmm.FreeRun
	memcopyFn    = kernel.Memcopy
)

// New allocates a region descriptor only; no mapping is established and no
// frames are reserved until Map is called.
func New(typ Type, vma vmm.VMA, vaddr uintptr, num uintptr) *Region {
	return &Region{Type: typ, VMA: vma, Vaddr: vaddr, Num: num}
}

// Map establishes the mapping described by r, choosing among the three
// shapes named in spec §4.5 based on which of r.Vaddr/r.Paddr are already
// populated:
//   - Vaddr == 0, Paddr == 0 -> a fresh frame run is reserved via
//     pmm.AllocRun, then vmm.MapToPaddr maps it and chooses vaddr.
//   - Vaddr == 0, Paddr != 0 -> vmm.MapToPaddr: VMM chooses vaddr.
//   - Vaddr != 0, Paddr == 0 -> vmm.MapVaddr: VMM chooses frames.
//   - Vaddr != 0, Paddr != 0 -> vmm.MapExact: caller fixes both.
func (r *Region) Map() *kernel.Error {
	attr := attrFor(r.Type, r.VMA)

	switch {
	case r.Vaddr == 0 && r.Paddr != 0:
		vaddr, paddr, err := mapToPaddrFn(r.VMA, attr, r.Paddr, r.Num)
		if err != nil {
			return err
		}
		r.Vaddr, r.Paddr = vaddr, paddr
		return nil

	case r.Vaddr == 0 && r.Paddr == 0:
		frame, err := allocRunFn(uint32(r.Num), 0)
		if err != nil {
			return err
		}
		vaddr, paddr, err := mapToPaddrFn(r.VMA, attr, frame.Address(), r.Num)
		if err != nil {
			return err
		}
		r.Vaddr, r.Paddr = vaddr, paddr
		return nil

	case r.Vaddr != 0 && r.Paddr == 0:
		paddr, err := mapVaddrFn(attr, r.Vaddr, r.Num)
		if err != nil {
			return err
		}
		r.Paddr = paddr
		return nil

	default: // both set
		if err := mapExactFn(attr, r.Vaddr, r.Paddr, r.Num); err != nil {
			return err
		}
		return nil
	}
}

// Unmap tears down r's page-table mapping via vmm.UnmapRange with AttrSave,
// so the frames backing r remain owned by the region until Free releases
// them explicitly.
func (r *Region) Unmap() *kernel.Error {
	attr := attrFor(r.Type, r.VMA) | vmm.AttrSave
	return unmapRangeFn(attr, r.Vaddr, r.Num)
}

// Copy temporarily maps the source frames into the current kernel VMA,
// allocates a fresh run of frames, copies num*PageSize bytes across, and
// returns a new region that still names the original vaddr but owns the
// fresh paddr, so that Map in a fresh address space reproduces the same
// layout.
func (r *Region) Copy() (*Region, *kernel.Error) {
	srcVaddr, srcPaddr, err := mapToPaddrFn(vmm.KernelVMA, vmm.AttrSave, r.Paddr, r.Num)
	if err != nil {
		return nil, err
	}
	defer func() { _ = unmapRangeFn(vmm.AttrSave, srcVaddr, r.Num) }()
	_ = srcPaddr

	dstFrame, err := allocRunFn(uint32(r.Num), 0)
	if err != nil {
		return nil, err
	}

	dstVaddr, _, err := mapToPaddrFn(vmm.KernelVMA, vmm.AttrSave, dstFrame.Address(), r.Num)
	if err != nil {
		return nil, err
	}
	defer func() { _ = unmapRangeFn(vmm.AttrSave, dstVaddr, r.Num) }()

	memcopyFn(srcVaddr, dstVaddr, r.Num*mm.PageSize)

	return &Region{
		Type:  r.Type,
		VMA:   r.VMA,
		Vaddr: r.Vaddr,
		Paddr: dstFrame.Address(),
		Num:   r.Num,
	}, nil
}

// Free releases the frames owned by r through C1 and, in the real kernel,
// the descriptor itself through C4; since Go regions are ordinary garbage
// collected values there is no descriptor allocation to release here.
func (r *Region) Free() *kernel.Error {
	return freeRunFn(r.Paddr, uint32(r.Num))
}

// Find returns the first region in the list headed by head whose Type and
// VMA match typ and vma, or nil if none matches.
func Find(head *Region, typ Type, vma vmm.VMA) *Region {
	for r := head; r != nil; r = r.Next {
		if r.Type == typ && r.VMA == vma {
			return r
		}
	}
	return nil
}

// Add prepends r to the list headed by head and returns the new head.
func Add(head, r *Region) *Region {
	r.Next = head
	return r
}

// Del removes r from the list headed by head and returns the new head.
func Del(head, r *Region) *Region {
	if head == r {
		return head.Next
	}
	for cur := head; cur != nil; cur = cur.Next {
		if cur.Next == r {
			cur.Next = r.Next
			return head
		}
	}
	return head
}
