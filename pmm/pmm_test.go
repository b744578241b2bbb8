package pmm

import (
	"testing"

	"limitlessos/defs"
)

func mustInit(t *testing.T, base defs.Paddr_t, size uint64) *Pmm_t {
	t.Helper()
	p := New()
	if err := p.Init(base, size); err != defs.Ok {
		t.Fatalf("Init(%#x, %d) = %v", base, size, err)
	}
	return p
}

// S1: init(base=0x100000, size=16MiB); bitmap occupies 512 bytes => 1 page
// reserved; free == 4095 pages; first alloc_page returns 0x101000.
func TestS1Init(t *testing.T) {
	p := mustInit(t, 0x100000, 16*1024*1024)

	total, used, free := p.Stats()
	if total != 4096 {
		t.Fatalf("total = %d, want 4096", total)
	}
	if used != 1 {
		t.Fatalf("used = %d, want 1 (bitmap page)", used)
	}
	if free != 4095 {
		t.Fatalf("free = %d, want 4095", free)
	}

	frame, err := p.AllocPage()
	if err != defs.Ok {
		t.Fatalf("AllocPage: %v", err)
	}
	if frame != 0x101000 {
		t.Fatalf("first AllocPage = %#x, want 0x101000", frame)
	}
}

func TestInitIdempotent(t *testing.T) {
	p := mustInit(t, 0x100000, 1024*1024)
	if err := p.Init(0x100000, 1024*1024); err != defs.EEXIST {
		t.Fatalf("second Init = %v, want EEXIST", err)
	}
}

// Property 1: total == used + free always, double-frees never decrement
// used below zero.
func TestConservation(t *testing.T) {
	p := mustInit(t, 0x200000, 1024*1024)
	total, used0, free0 := p.Stats()

	var got []defs.Paddr_t
	for {
		f, err := p.AllocPage()
		if err != defs.Ok {
			break
		}
		got = append(got, f)
	}
	total2, used2, free2 := p.Stats()
	if total2 != total {
		t.Fatalf("total changed: %d -> %d", total, total2)
	}
	if used2+free2 != total2 {
		t.Fatalf("used+free != total: %d+%d != %d", used2, free2, total2)
	}
	if free2 != 0 {
		t.Fatalf("expected exhaustion, free = %d", free2)
	}

	// free everything twice; used must not go negative or below the
	// pre-allocation baseline.
	for _, f := range got {
		p.FreePage(f)
		p.FreePage(f)
	}
	_, usedF, freeF := p.Stats()
	if usedF != used0 {
		t.Fatalf("used after free-all = %d, want %d", usedF, used0)
	}
	if usedF < 0 {
		t.Fatalf("used went negative: %d", usedF)
	}
	if freeF != free0 {
		t.Fatalf("free after free-all = %d, want %d", freeF, free0)
	}
}

// Property 2: AllocPages(n) returns a base such that bits [base..base+n)
// were all clear immediately before and all set immediately after.
func TestContiguity(t *testing.T) {
	p := mustInit(t, 0x300000, 1024*1024)

	base, err := p.AllocPages(8)
	if err != defs.Ok {
		t.Fatalf("AllocPages(8): %v", err)
	}
	for i := 0; i < 8; i++ {
		idx, ok := p.frameToIndex(base + defs.Paddr_t(i*defs.PGSIZE))
		if !ok {
			t.Fatalf("frame %d out of range", i)
		}
		if !bitset(p.bitmap, idx) {
			t.Fatalf("frame %d not marked allocated", i)
		}
	}

	total, used, free := p.Stats()
	if used+free != total {
		t.Fatalf("invariant broken after AllocPages")
	}
}

func TestOutOfMemory(t *testing.T) {
	p := mustInit(t, 0x400000, 64 * 1024) // 16 pages total, 1 reserved
	for i := 0; i < 15; i++ {
		if _, err := p.AllocPage(); err != defs.Ok {
			t.Fatalf("unexpected OOM at page %d: %v", i, err)
		}
	}
	if _, err := p.AllocPage(); err != defs.ENOMEM {
		t.Fatalf("expected ENOMEM, got %v", err)
	}
}

func TestFreeOutsideRegionIgnored(t *testing.T) {
	p := mustInit(t, 0x500000, 64*1024)
	p.FreePage(0xdeadbeef000) // must not panic or corrupt state
	total, used, free := p.Stats()
	if used+free != total {
		t.Fatalf("state corrupted by out-of-range free")
	}
}

func TestFrameBytesWritable(t *testing.T) {
	p := mustInit(t, 0x600000, 64*1024)
	f, err := p.AllocPage()
	if err != defs.Ok {
		t.Fatalf("AllocPage: %v", err)
	}
	b := p.Frame(f)
	if len(b) != defs.PGSIZE {
		t.Fatalf("Frame() len = %d, want %d", len(b), defs.PGSIZE)
	}
	b[0] = 0xAA
	b2 := p.Frame(f)
	if b2[0] != 0xAA {
		t.Fatalf("Frame() did not alias underlying storage")
	}
}
