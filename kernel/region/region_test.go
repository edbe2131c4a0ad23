package region

import (
	"testing"

	"sdx/kernel"
	"sdx/kernel/mm"
	"sdx/kernel/vmm"
)

func resetFns() {
	mapToPaddrFn = vmm.MapToPaddr
	mapVaddrFn = vmm.MapVaddr
	mapExactFn = vmm.MapExact
	unmapRangeFn = vmm.UnmapRange
	allocRunFn = pmmAllocRunStub
	freeRunFn = pmmFreeRunStub
	memcopyFn = kernel.Memcopy
}

func pmmAllocRunStub(num, align uint32) (mm.Frame, *kernel.Error) { return 0, nil }
func pmmFreeRunStub(paddr uintptr, num uint32) *kernel.Error      { return nil }

func TestMapShapeBothZeroAllocatesAndMapsToPaddr(t *testing.T) {
	defer resetFns()
	resetFns()

	allocRunFn = func(num, align uint32) (mm.Frame, *kernel.Error) {
		return mm.Frame(7), nil
	}

	var gotPaddr uintptr
	mapToPaddrFn = func(vma vmm.VMA, attr vmm.Attr, paddr uintptr, num uintptr) (uintptr, uintptr, *kernel.Error) {
		gotPaddr = paddr
		return 0x1000, paddr, nil
	}

	r := New(Stack, vmm.KernelVMA, 0, 4)
	if err := r.Map(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Vaddr != 0x1000 {
		t.Errorf("expected vaddr 0x1000; got 0x%x", r.Vaddr)
	}
	if gotPaddr != mm.Frame(7).Address() {
		t.Errorf("expected mapToPaddr called with the allocated frame's address")
	}
}

func TestMapShapePaddrOnlyUsesMapToPaddr(t *testing.T) {
	defer resetFns()
	resetFns()

	var gotVMA vmm.VMA
	mapToPaddrFn = func(vma vmm.VMA, attr vmm.Attr, paddr uintptr, num uintptr) (uintptr, uintptr, *kernel.Error) {
		gotVMA = vma
		return 0x2000, paddr, nil
	}

	r := New(Code, vmm.KernelVMA, 0, 2)
	r.Paddr = 0x500000
	if err := r.Map(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Vaddr != 0x2000 {
		t.Errorf("expected vaddr 0x2000; got 0x%x", r.Vaddr)
	}
	if gotVMA != vmm.KernelVMA {
		t.Errorf("expected KernelVMA to be forwarded")
	}
}

func TestMapShapeVaddrOnlyUsesMapVaddr(t *testing.T) {
	defer resetFns()
	resetFns()

	called := false
	mapVaddrFn = func(attr vmm.Attr, vaddr uintptr, num uintptr) (uintptr, *kernel.Error) {
		called = true
		return 0x9000, nil
	}

	r := New(Data, vmm.UserVMA, 0x400000, 3)
	if err := r.Map(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("expected mapVaddrFn to be used")
	}
	if r.Paddr != 0x9000 {
		t.Errorf("expected paddr 0x9000; got 0x%x", r.Paddr)
	}
}

func TestMapShapeBothSetUsesMapExact(t *testing.T) {
	defer resetFns()
	resetFns()

	var gotVaddr, gotPaddr uintptr
	mapExactFn = func(attr vmm.Attr, vaddr, paddr uintptr, num uintptr) *kernel.Error {
		gotVaddr, gotPaddr = vaddr, paddr
		return nil
	}

	r := New(Heap, vmm.KernelVMA, 0x600000, 1)
	r.Paddr = 0x700000
	if err := r.Map(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotVaddr != 0x600000 || gotPaddr != 0x700000 {
		t.Errorf("expected MapExact called with the region's own vaddr/paddr; got 0x%x/0x%x", gotVaddr, gotPaddr)
	}
}

func TestAttrForRdonlyAndUser(t *testing.T) {
	attr := attrFor(Rdonly, vmm.UserVMA)
	if attr&vmm.AttrRdonly == 0 {
		t.Errorf("expected AttrRdonly to be set")
	}
	if attr&vmm.AttrUser == 0 {
		t.Errorf("expected AttrUser to be set for a UserVMA region")
	}
	if attr&vmm.AttrReuse == 0 || attr&vmm.AttrSave == 0 {
		t.Errorf("expected AttrReuse|AttrSave to always be set")
	}
}

func TestAttrForCodeIsExecutable(t *testing.T) {
	attr := attrFor(Code, vmm.KernelVMA)
	if attr&vmm.AttrNoExec != 0 {
		t.Errorf("expected Code regions to remain executable")
	}
}

func TestCopyProducesNewPaddrSameVaddr(t *testing.T) {
	defer resetFns()
	resetFns()

	mapToPaddrFn = func(vma vmm.VMA, attr vmm.Attr, paddr uintptr, num uintptr) (uintptr, uintptr, *kernel.Error) {
		if paddr == 0x300000 {
			return 0x1000, paddr, nil
		}
		return 0x2000, paddr, nil
	}
	unmapRangeFn = func(attr vmm.Attr, vaddr uintptr, num uintptr) *kernel.Error { return nil }
	allocRunFn = func(num, align uint32) (mm.Frame, *kernel.Error) { return mm.Frame(0x400), nil }
	var copied bool
	memcopyFn = func(src, dst uintptr, size uintptr) { copied = true }

	src := &Region{Type: Stack, VMA: vmm.KernelVMA, Vaddr: 0x999000, Paddr: 0x300000, Num: 2}
	dst, err := src.Copy()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !copied {
		t.Errorf("expected memcopyFn to run")
	}
	if dst.Vaddr != src.Vaddr {
		t.Errorf("expected the clone to keep the same vaddr")
	}
	if dst.Paddr == src.Paddr {
		t.Errorf("expected the clone to own a distinct paddr")
	}
}

func TestFindAddDel(t *testing.T) {
	var head *Region
	a := &Region{Type: Stack, VMA: vmm.KernelVMA}
	b := &Region{Type: Code, VMA: vmm.KernelVMA}

	head = Add(head, a)
	head = Add(head, b)

	if head != b {
		t.Fatalf("expected Add to prepend, making b the new head")
	}
	if Find(head, Stack, vmm.KernelVMA) != a {
		t.Errorf("expected to find the stack region")
	}
	if Find(head, Rdonly, vmm.KernelVMA) != nil {
		t.Errorf("expected no match for an absent type")
	}

	head = Del(head, b)
	if head != a {
		t.Errorf("expected removing the head to leave a as the new head")
	}
	head = Del(head, a)
	if head != nil {
		t.Errorf("expected an empty list after removing the last region")
	}
}
