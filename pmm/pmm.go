// Package pmm implements the physical page allocator: a bitmap over a
// contiguous region of physical memory, handed a {base, size} pair by a
// loader the way a real kernel's memory map would. Since this kernel runs
// hosted rather than freestanding, the "physical memory" backing the bitmap
// is a real page-aligned anonymous mapping obtained via mmap, so allocated
// frames are genuinely addressable, page-granular memory rather than a bare
// slice -- the same contract biscuit's Physmem_t gives the rest of the
// kernel, just sourced from the host instead of a hardware memory map.
package pmm

import (
	"sync"

	"limitlessos/defs"

	"golang.org/x/sys/unix"
)

// Pmm_t is the physical page allocator. All mutations happen under a single
// mutex; critical sections are a handful of bit operations, never blocking.
type Pmm_t struct {
	sync.Mutex

	base   defs.Paddr_t // page-aligned start of the managed region
	npages int          // total pages in the region, including the bitmap's own
	arena  []byte        // backing bytes for [base, base+npages*PGSIZE)
	bitmap []byte        // one bit per page; 1 == allocated
	used   int
	mmapped bool

	initialized bool
}

// New returns an uninitialized allocator. Call Init before use.
func New() *Pmm_t {
	return &Pmm_t{}
}

func bitset(b []byte, i int) bool  { return b[i/8]&(1<<uint(i%8)) != 0 }
func bitset1(b []byte, i int)      { b[i/8] |= 1 << uint(i%8) }
func bitclear(b []byte, i int)     { b[i/8] &^= 1 << uint(i%8) }

// Init aligns [base, base+size) up/down to page boundaries, reserves the
// leading pages occupied by the bitmap itself, and marks the rest free.
// Calling Init a second time on an already-initialized allocator fails with
// EEXIST; Init never mutates a previously initialized instance.
func (p *Pmm_t) Init(base defs.Paddr_t, size uint64) defs.Err_t {
	p.Lock()
	defer p.Unlock()
	if p.initialized {
		return defs.EEXIST
	}

	alignedBase := defs.Paddr_t(defs.PageAlign(uint64(base)))
	// shrink size to account for the base moving down, then round down to
	// a whole number of pages.
	shrink := uint64(base) - uint64(alignedBase)
	if size <= shrink {
		return defs.EINVAL
	}
	size -= shrink
	size = defs.PageAlign(size)
	npages := int(size) / defs.PGSIZE
	if npages < 2 {
		// must have room for at least the bitmap plus one free page
		return defs.EINVAL
	}

	bitmapBytes := (npages + 7) / 8
	bitmapPages := int(defs.PageCount(uint64(bitmapBytes)))
	if bitmapPages >= npages {
		return defs.EINVAL
	}

	arena, mmapped := allocArena(int(size))

	p.base = alignedBase
	p.npages = npages
	p.arena = arena
	p.mmapped = mmapped
	p.bitmap = make([]byte, bitmapBytes)
	for i := 0; i < bitmapPages; i++ {
		bitset1(p.bitmap, i)
	}
	p.used = bitmapPages
	p.initialized = true
	return defs.Ok
}

// allocArena tries to back the region with a real anonymous mmap, which
// gives page-aligned, page-granular memory; it falls back to a heap slice
// (still page-aligned in practice, but not guaranteed) when mmap is
// unavailable, e.g. under sandboxing that forbids raw mmap syscalls.
func allocArena(size int) ([]byte, bool) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err == nil {
		return b, true
	}
	return make([]byte, size), false
}

// Close releases the backing mapping. Only meaningful if Init used mmap.
func (p *Pmm_t) Close() {
	p.Lock()
	defer p.Unlock()
	if p.mmapped && p.arena != nil {
		unix.Munmap(p.arena)
	}
	p.arena = nil
	p.initialized = false
}

func (p *Pmm_t) frameToIndex(f defs.Paddr_t) (int, bool) {
	if f < p.base {
		return 0, false
	}
	off := uint64(f - p.base)
	if off%uint64(defs.PGSIZE) != 0 {
		return 0, false
	}
	idx := int(off / uint64(defs.PGSIZE))
	if idx >= p.npages {
		return 0, false
	}
	return idx, true
}

func (p *Pmm_t) indexToFrame(i int) defs.Paddr_t {
	return p.base + defs.Paddr_t(i*defs.PGSIZE)
}

// AllocPage returns the first clear bit's frame and sets it.
func (p *Pmm_t) AllocPage() (defs.Paddr_t, defs.Err_t) {
	p.Lock()
	defer p.Unlock()
	if !p.initialized {
		panic("pmm: not initialized")
	}
	for i := 0; i < p.npages; i++ {
		if !bitset(p.bitmap, i) {
			bitset1(p.bitmap, i)
			p.used++
			return p.indexToFrame(i), defs.Ok
		}
	}
	return 0, defs.ENOMEM
}

// AllocPages finds the first run of n consecutive clear bits and sets them
// all. Ties are broken by the lowest starting index.
func (p *Pmm_t) AllocPages(n int) (defs.Paddr_t, defs.Err_t) {
	if n <= 0 {
		return 0, defs.EINVAL
	}
	p.Lock()
	defer p.Unlock()
	if !p.initialized {
		panic("pmm: not initialized")
	}
	run := 0
	for i := 0; i < p.npages; i++ {
		if bitset(p.bitmap, i) {
			run = 0
			continue
		}
		run++
		if run == n {
			start := i - n + 1
			for j := start; j <= i; j++ {
				bitset1(p.bitmap, j)
			}
			p.used += n
			return p.indexToFrame(start), defs.Ok
		}
	}
	return 0, defs.ENOMEM
}

// FreePage clears the bit for frame. Addresses outside the managed region
// are silently ignored; clearing an already-clear bit is a no-op.
func (p *Pmm_t) FreePage(frame defs.Paddr_t) {
	p.Lock()
	defer p.Unlock()
	p.freeLocked(frame)
}

func (p *Pmm_t) freeLocked(frame defs.Paddr_t) {
	idx, ok := p.frameToIndex(frame)
	if !ok {
		return
	}
	if bitset(p.bitmap, idx) {
		bitclear(p.bitmap, idx)
		p.used--
	}
}

// FreePages clears n consecutive bits starting at base, tolerating
// double-frees and out-of-range addresses page by page.
func (p *Pmm_t) FreePages(base defs.Paddr_t, n int) {
	p.Lock()
	defer p.Unlock()
	for i := 0; i < n; i++ {
		p.freeLocked(base + defs.Paddr_t(i*defs.PGSIZE))
	}
}

// Frame returns a byte slice viewing the physical frame's PGSIZE bytes, so
// VMM and LOAD can read/write page contents directly. Panics if frame is
// not a page-aligned address within the managed region -- callers must only
// ever pass addresses returned by AllocPage/AllocPages.
func (p *Pmm_t) Frame(frame defs.Paddr_t) []byte {
	p.Lock()
	defer p.Unlock()
	idx, ok := p.frameToIndex(frame)
	if !ok {
		panic("pmm: frame out of managed region")
	}
	off := idx * defs.PGSIZE
	return p.arena[off : off+defs.PGSIZE]
}

// Stats reports {total, used, free} in pages.
func (p *Pmm_t) Stats() (total, used, free int) {
	p.Lock()
	defer p.Unlock()
	return p.npages, p.used, p.npages - p.used
}

// Base returns the page-aligned base physical address of the managed
// region, mostly useful for tests asserting against S1 in spec.md §8.
func (p *Pmm_t) Base() defs.Paddr_t {
	p.Lock()
	defer p.Unlock()
	return p.base
}
