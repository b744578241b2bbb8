package vmm

import (
	"testing"

	"limitlessos/defs"
	"limitlessos/pmm"
)

func newVmm(t *testing.T) *Vmm_t {
	t.Helper()
	p := pmm.New()
	if err := p.Init(0x10000000, 64*1024*1024); err != defs.Ok {
		t.Fatalf("pmm init: %v", err)
	}
	v := New(p)
	if err := v.InitKernel(); err != defs.Ok {
		t.Fatalf("InitKernel: %v", err)
	}
	return v
}

// Property 3: VMM round-trip. For any mapping vaddr -> paddr, GetPhysical
// returns paddr | (vaddr & 0xfff) until the mapping is removed.
func TestRoundTrip(t *testing.T) {
	v := newVmm(t)
	as, err := v.CreateAddressSpace()
	if err != defs.Ok {
		t.Fatalf("CreateAddressSpace: %v", err)
	}

	frame, err := v.Pmm.AllocPage()
	if err != defs.Ok {
		t.Fatalf("AllocPage: %v", err)
	}
	vaddr := defs.Vaddr_t(0x400000)
	if err := v.MapPage(as, vaddr, frame, PteW|PteU); err != defs.Ok {
		t.Fatalf("MapPage: %v", err)
	}

	got, err := v.GetPhysical(as, vaddr+0x42)
	if err != defs.Ok {
		t.Fatalf("GetPhysical: %v", err)
	}
	want := defs.Paddr_t(uint64(frame) | 0x42)
	if got != want {
		t.Fatalf("GetPhysical = %#x, want %#x", got, want)
	}

	if err := v.UnmapPage(as, vaddr); err != defs.Ok {
		t.Fatalf("UnmapPage: %v", err)
	}
	if _, err := v.GetPhysical(as, vaddr); err != defs.ENOENT {
		t.Fatalf("GetPhysical after unmap = %v, want ENOENT", err)
	}
}

// Property 4: VMM isolation. After destroy_address_space(A), no frame
// previously mapped only in A remains allocated.
func TestIsolation(t *testing.T) {
	v := newVmm(t)
	_, usedBefore, _ := v.Pmm.Stats()

	as, _ := v.CreateAddressSpace()

	frame, _ := v.Pmm.AllocPage()
	v.MapPage(as, 0x500000, frame, PteW|PteU)

	if err := v.DestroyAddressSpace(as); err != defs.Ok {
		t.Fatalf("DestroyAddressSpace: %v", err)
	}

	_, usedAfter, _ := v.Pmm.Stats()
	if usedAfter != usedBefore {
		t.Fatalf("used pages after destroy = %d, want %d (leak of %d frames)",
			usedAfter, usedBefore, usedAfter-usedBefore)
	}
}

// Property 5 / S3: clone equivalence and fork write isolation. After
// clone_address_space(A) -> B, writes in one do not affect the other.
func TestCloneWriteIsolation(t *testing.T) {
	v := newVmm(t)
	parent, _ := v.CreateAddressSpace()

	frame, _ := v.Pmm.AllocPage()
	vaddr := defs.Vaddr_t(0x400000)
	v.MapPage(parent, vaddr, frame, PteW|PteU)
	v.Pmm.Frame(frame)[0] = 0xAA

	child, err := v.CloneAddressSpace(parent)
	if err != defs.Ok {
		t.Fatalf("CloneAddressSpace: %v", err)
	}

	childFrame, err := v.GetPhysical(child, vaddr)
	if err != defs.Ok {
		t.Fatalf("GetPhysical(child): %v", err)
	}
	childFrameBase := defs.Paddr_t(uint64(childFrame) &^ defs.PGOFFSET)
	if v.Pmm.Frame(childFrameBase)[0] != 0xAA {
		t.Fatalf("clone did not copy contents")
	}

	// child writes 0xBB; parent must still read 0xAA.
	v.Pmm.Frame(childFrameBase)[0] = 0xBB
	if v.Pmm.Frame(frame)[0] != 0xAA {
		t.Fatalf("parent frame mutated by child write: isolation broken")
	}

	if childFrameBase == frame {
		t.Fatalf("clone reused the same physical frame")
	}
}

func TestMapPagesRollsBackOnFailure(t *testing.T) {
	p := pmm.New()
	// Large enough for InitKernel's 4 GiB identity map (2054 table pages),
	// small enough that MapPages(huge n) will exhaust pages partway in,
	// forcing the rollback path.
	if err := p.Init(0x20000000, 16*1024*1024); err != defs.Ok {
		t.Fatalf("pmm init: %v", err)
	}
	v := New(p)
	v.InitKernel()
	as, _ := v.CreateAddressSpace()

	_, usedBefore, _ := p.Stats()
	err := v.MapPages(as, 0x600000, 0x20000000, 1<<20, PteW|PteU)
	if err != defs.ENOMEM {
		t.Fatalf("MapPages = %v, want ENOMEM", err)
	}
	_, usedAfter, _ := p.Stats()
	if usedAfter != usedBefore {
		t.Fatalf("MapPages rollback leaked %d pages", usedAfter-usedBefore)
	}
}

func TestKernelHalfShared(t *testing.T) {
	v := newVmm(t)
	frame, _ := v.Pmm.AllocPage()
	kvaddr := defs.Vaddr_t(uint64(KernelHalfStart) << pml4Shift)
	if err := v.MapKernelPage(kvaddr, frame, PteW); err != defs.Ok {
		t.Fatalf("MapKernelPage: %v", err)
	}

	as1, _ := v.CreateAddressSpace()
	as2, _ := v.CreateAddressSpace()

	p1, err := v.GetPhysical(as1, kvaddr)
	if err != defs.Ok {
		t.Fatalf("GetPhysical(as1): %v", err)
	}
	p2, err := v.GetPhysical(as2, kvaddr)
	if err != defs.Ok {
		t.Fatalf("GetPhysical(as2): %v", err)
	}
	if p1 != p2 {
		t.Fatalf("kernel half not shared: %#x != %#x", p1, p2)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		code uint64
		want PageFaultClass
	}{
		{0, FaultNotPresent},
		{1, FaultProtection},
		{1 << 3, FaultReserved},
		{1 << 4, FaultInstructionFetch},
	}
	for _, c := range cases {
		if got := Classify(c.code); got != c.want {
			t.Fatalf("Classify(%#x) = %v, want %v", c.code, got, c.want)
		}
	}
}

func TestPageFaultPanics(t *testing.T) {
	v := newVmm(t)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected PageFault to panic")
		}
	}()
	v.PageFault(0x1234000, 0)
}
