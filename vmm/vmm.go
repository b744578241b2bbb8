// Package vmm implements the per-address-space virtual memory manager: a
// 4-level page table hierarchy (PML4/PDPT/PD/PT, 9 bits per level, 12-bit
// page offset), mapping, translation, and address-space cloning. Page
// tables are allocated as physical frames from pmm, the same data-flow a
// freestanding kernel would use, and are addressed here through the PMM's
// byte-slice view of a frame rather than raw pointer arithmetic into
// identity-mapped physical memory.
package vmm

import (
	"sync"
	"unsafe"

	"limitlessos/defs"
	"limitlessos/pmm"
)

// PTE flag bits, matching the layout spec.md prescribes: a 40-bit frame
// number plus {present, writable, user, write-through, no-cache, accessed,
// dirty, huge, global, no-execute}.
const (
	PteP    uint64 = 1 << 0 // present
	PteW    uint64 = 1 << 1 // writable
	PteU    uint64 = 1 << 2 // user-accessible
	PtePWT  uint64 = 1 << 3 // write-through
	PtePCD  uint64 = 1 << 4 // no-cache
	PteA    uint64 = 1 << 5 // accessed
	PteD    uint64 = 1 << 6 // dirty
	PteHuge uint64 = 1 << 7 // huge page
	PteG    uint64 = 1 << 8 // global
	PteNX   uint64 = 1 << 63 // no-execute

	// AddrMask extracts the frame number bits of a PTE.
	AddrMask uint64 = 0x000F_FFFF_FFFF_F000

	// FlagMask covers every flag bit map_page/protect accept from a
	// caller: the low 12 status/permission bits plus the no-execute bit,
	// which the architecture places at bit 63.
	FlagMask uint64 = 0xFFF | PteNX
)

const (
	pml4Shift = 39
	pdptShift = 30
	pdShift   = 21
	ptShift   = 12
	idxMask   = 0x1ff
)

func indices(va uint64) (pml4, pdpt, pd, pt int) {
	return int((va >> pml4Shift) & idxMask),
		int((va >> pdptShift) & idxMask),
		int((va >> pdShift) & idxMask),
		int((va >> ptShift) & idxMask)
}

// KernelIdentityLimit is the size of the kernel's identity-mapped region,
// established once at Vmm_t initialization.
const KernelIdentityLimit uint64 = 4 << 30 // 4 GiB

// KernelHalfStart is the first PML4 index (256) belonging to the upper
// half, mirrored into every address space created after InitKernel.
const KernelHalfStart = 256

// AddressSpace is the root of a 4-level page table hierarchy plus the
// semantic region list and counters spec.md's data model names.
type AddressSpace struct {
	sync.Mutex

	vmm      *Vmm_t
	Pml4Phys defs.Paddr_t
	pml4     *[512]uint64
	regions  []Region

	isKernel bool
}

// Vmm_t owns the PMM the address spaces allocate frames from and the
// kernel address space whose upper-half PML4 entries (256..511) are
// installed, by reference, into every address space created afterward.
type Vmm_t struct {
	sync.Mutex

	Pmm *pmm.Pmm_t

	kernelAS *AddressSpace
}

// New returns a Vmm_t backed by the given physical allocator. Call
// InitKernel before creating user address spaces.
func New(p *pmm.Pmm_t) *Vmm_t {
	return &Vmm_t{Pmm: p}
}

func tableAt(p *pmm.Pmm_t, phys defs.Paddr_t) *[512]uint64 {
	b := p.Frame(phys)
	return (*[512]uint64)(unsafe.Pointer(&b[0]))
}

// newTable allocates and zeros a fresh page-table-sized frame.
func (v *Vmm_t) newTable() (defs.Paddr_t, *[512]uint64, defs.Err_t) {
	phys, err := v.Pmm.AllocPage()
	if err != defs.Ok {
		return 0, nil, err
	}
	tbl := tableAt(v.Pmm, phys)
	*tbl = [512]uint64{}
	return phys, tbl, defs.Ok
}

// InitKernel builds the kernel's own PML4 and identity-maps [0, 4GiB) with
// {Present, Write}, in the low half (PML4 index 0). The kernel address
// space's upper half (256..511) starts empty; MapKernelPage populates
// entries there that every subsequently-created address space will share.
func (v *Vmm_t) InitKernel() defs.Err_t {
	v.Lock()
	defer v.Unlock()
	if v.kernelAS != nil {
		return defs.EEXIST
	}
	phys, tbl, err := v.newTable()
	if err != defs.Ok {
		return err
	}
	kas := &AddressSpace{vmm: v, isKernel: true, Pml4Phys: phys, pml4: tbl}
	v.kernelAS = kas

	n := int(KernelIdentityLimit / uint64(defs.PGSIZE))
	for i := 0; i < n; i++ {
		va := uint64(i) * uint64(defs.PGSIZE)
		pte, e := v.walk(kas, va, true)
		if e != defs.Ok {
			return defs.ENOMEM
		}
		*pte = (va & AddrMask) | PteP | PteW
	}
	kas.regions = append(kas.regions, Region{Start: 0, End: KernelIdentityLimit, Prot: PteP | PteW, Type: RegionDevice})
	return defs.Ok
}

// MapKernelPage installs a mapping in the kernel's own upper-half PML4
// entries (vaddr must fall at or above PML4 index 256). Every address
// space created by CreateAddressSpace after this call observes the
// mapping immediately, since they share the same PDPT/PD/PT frames.
func (v *Vmm_t) MapKernelPage(vaddr defs.Vaddr_t, paddr defs.Paddr_t, flags uint64) defs.Err_t {
	v.Lock()
	kas := v.kernelAS
	v.Unlock()
	if kas == nil {
		panic("vmm: InitKernel was never called")
	}
	pml4i, _, _, _ := indices(uint64(vaddr))
	if pml4i < KernelHalfStart {
		return defs.EINVAL
	}
	return v.MapPage(kas, vaddr, paddr, flags)
}

// walk descends the 4 levels for va, creating intermediate PDPT/PD/PT
// tables as needed when create is true, and returns a pointer to the leaf
// PTE slot (which may itself be not-present).
func (v *Vmm_t) walk(as *AddressSpace, va uint64, create bool) (*uint64, defs.Err_t) {
	pml4i, pdpti, pdi, pti := indices(va)

	pdptPhys, err := v.descend(as.pml4, pml4i, create)
	if err != defs.Ok {
		return nil, err
	}
	pdpt := tableAt(v.Pmm, pdptPhys)

	pdPhys, err := v.descend(pdpt, pdpti, create)
	if err != defs.Ok {
		return nil, err
	}
	pd := tableAt(v.Pmm, pdPhys)

	ptPhys, err := v.descend(pd, pdi, create)
	if err != defs.Ok {
		return nil, err
	}
	pt := tableAt(v.Pmm, ptPhys)

	return &pt[pti], defs.Ok
}

// descend returns the next-level table's physical address referenced by
// entry idx of tbl, allocating and linking a fresh table if absent and
// create is true.
func (v *Vmm_t) descend(tbl *[512]uint64, idx int, create bool) (defs.Paddr_t, defs.Err_t) {
	e := tbl[idx]
	if e&PteP != 0 {
		return defs.Paddr_t(e & AddrMask), defs.Ok
	}
	if !create {
		return 0, defs.ENOENT
	}
	phys, _, err := v.newTable()
	if err != defs.Ok {
		return 0, err
	}
	tbl[idx] = uint64(phys) | PteP | PteW | PteU
	return phys, defs.Ok
}

// CreateAddressSpace allocates and zeros a PML4, then copies the kernel's
// upper-half PML4 entries (256..511) into it so kernel mappings are
// shared, per spec.md invariant (a).
func (v *Vmm_t) CreateAddressSpace() (*AddressSpace, defs.Err_t) {
	v.Lock()
	kas := v.kernelAS
	v.Unlock()
	if kas == nil {
		panic("vmm: InitKernel was never called")
	}

	phys, tbl, err := v.newTable()
	if err != defs.Ok {
		return nil, err
	}
	for i := KernelHalfStart; i < 512; i++ {
		tbl[i] = kas.pml4[i]
	}
	return &AddressSpace{vmm: v, Pml4Phys: phys, pml4: tbl}, defs.Ok
}

// DestroyAddressSpace walks the user half only (0..255), freeing every
// intermediate table and every leaf frame whose PTE is present, then frees
// the PML4 itself. Must not be called on the kernel address space.
func (v *Vmm_t) DestroyAddressSpace(as *AddressSpace) defs.Err_t {
	if as.isKernel {
		panic("vmm: cannot destroy the kernel address space")
	}
	as.Lock()
	defer as.Unlock()

	for i := 0; i < KernelHalfStart; i++ {
		e := as.pml4[i]
		if e&PteP == 0 {
			continue
		}
		pdptPhys := defs.Paddr_t(e & AddrMask)
		v.freePdpt(pdptPhys)
		as.pml4[i] = 0
	}
	v.Pmm.FreePage(as.Pml4Phys)
	as.regions = nil
	return defs.Ok
}

func (v *Vmm_t) freePdpt(phys defs.Paddr_t) {
	tbl := tableAt(v.Pmm, phys)
	for i := 0; i < 512; i++ {
		e := tbl[i]
		if e&PteP == 0 {
			continue
		}
		v.freePd(defs.Paddr_t(e & AddrMask))
	}
	v.Pmm.FreePage(phys)
}

func (v *Vmm_t) freePd(phys defs.Paddr_t) {
	tbl := tableAt(v.Pmm, phys)
	for i := 0; i < 512; i++ {
		e := tbl[i]
		if e&PteP == 0 {
			continue
		}
		v.freePt(defs.Paddr_t(e & AddrMask))
	}
	v.Pmm.FreePage(phys)
}

func (v *Vmm_t) freePt(phys defs.Paddr_t) {
	tbl := tableAt(v.Pmm, phys)
	for i := 0; i < 512; i++ {
		e := tbl[i]
		if e&PteP == 0 {
			continue
		}
		v.Pmm.FreePage(defs.Paddr_t(e & AddrMask))
	}
	v.Pmm.FreePage(phys)
}

// invalidate models a single-page TLB shootdown. In a hosted simulation
// there is no real TLB, so this is a no-op hook kept so the call sites
// match the ordering guarantee in spec.md §5: a map_page always issues the
// invalidation before returning.
func invalidate(vaddr uint64) {}

// MapPage creates PDPT/PD/PT as needed and writes the PTE for vaddr, then
// invalidates the TLB entry for vaddr.
func (v *Vmm_t) MapPage(as *AddressSpace, vaddr defs.Vaddr_t, paddr defs.Paddr_t, flags uint64) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	pte, err := v.walk(as, uint64(vaddr), true)
	if err != defs.Ok {
		return err
	}
	*pte = (uint64(paddr) & AddrMask) | (flags & FlagMask) | PteP
	invalidate(uint64(vaddr))
	return defs.Ok
}

// UnmapPage clears the PTE for vaddr if present and invalidates the TLB
// entry. Reports NotFound if any level of the walk is absent.
func (v *Vmm_t) UnmapPage(as *AddressSpace, vaddr defs.Vaddr_t) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	pte, err := v.walk(as, uint64(vaddr), false)
	if err != defs.Ok {
		return defs.ENOENT
	}
	if *pte&PteP == 0 {
		return defs.ENOENT
	}
	*pte = 0
	invalidate(uint64(vaddr))
	return defs.Ok
}

// MapPages is the transactional range variant of MapPage: on failure at
// step k, the first k-1 mappings are rolled back before returning.
func (v *Vmm_t) MapPages(as *AddressSpace, vaddr defs.Vaddr_t, paddr defs.Paddr_t, n int, flags uint64) defs.Err_t {
	for i := 0; i < n; i++ {
		va := defs.Vaddr_t(uint64(vaddr) + uint64(i*defs.PGSIZE))
		pa := defs.Paddr_t(uint64(paddr) + uint64(i*defs.PGSIZE))
		if err := v.MapPage(as, va, pa, flags); err != defs.Ok {
			for j := 0; j < i; j++ {
				rva := defs.Vaddr_t(uint64(vaddr) + uint64(j*defs.PGSIZE))
				v.UnmapPage(as, rva)
			}
			return err
		}
	}
	return defs.Ok
}

// UnmapPages is the range variant of UnmapPage. It is best-effort: absent
// mappings within the range are skipped rather than aborting the whole
// call, since an unmapped page is already the post-condition callers want.
func (v *Vmm_t) UnmapPages(as *AddressSpace, vaddr defs.Vaddr_t, n int) defs.Err_t {
	for i := 0; i < n; i++ {
		va := defs.Vaddr_t(uint64(vaddr) + uint64(i*defs.PGSIZE))
		v.UnmapPage(as, va)
	}
	return defs.Ok
}

// GetPhysical walks the hierarchy and returns PTE.frame | offset.
func (v *Vmm_t) GetPhysical(as *AddressSpace, vaddr defs.Vaddr_t) (defs.Paddr_t, defs.Err_t) {
	as.Lock()
	defer as.Unlock()
	pte, err := v.walk(as, uint64(vaddr), false)
	if err != defs.Ok || *pte&PteP == 0 {
		return 0, defs.ENOENT
	}
	off := uint64(vaddr) & defs.PGOFFSET
	return defs.Paddr_t((*pte & AddrMask) | off), defs.Ok
}

// Protect rewrites flag bits for each present leaf in [vaddr, vaddr+size).
func (v *Vmm_t) Protect(as *AddressSpace, vaddr defs.Vaddr_t, size uint64, flags uint64) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	n := int(defs.PageCount(size))
	for i := 0; i < n; i++ {
		va := uint64(vaddr) + uint64(i*defs.PGSIZE)
		pte, err := v.walk(as, va, false)
		if err != defs.Ok || *pte&PteP == 0 {
			continue
		}
		frame := *pte & AddrMask
		*pte = frame | (flags & FlagMask) | PteP
		invalidate(va)
	}
	return defs.Ok
}

// CloneAddressSpace deep-copies the user half of src: for each present
// user PTE, a new frame is allocated, its 4096 bytes are copied, and a new
// PTE is written preserving the source flag bits. Intermediate tables are
// allocated fresh. The kernel upper half is re-shared, not copied.
func (v *Vmm_t) CloneAddressSpace(src *AddressSpace) (*AddressSpace, defs.Err_t) {
	dst, err := v.CreateAddressSpace()
	if err != defs.Ok {
		return nil, err
	}

	src.Lock()
	defer src.Unlock()
	dst.Lock()
	defer dst.Unlock()

	for pml4i := 0; pml4i < KernelHalfStart; pml4i++ {
		if src.pml4[pml4i]&PteP == 0 {
			continue
		}
		for pdpti := 0; pdpti < 512; pdpti++ {
			spdptPhys := defs.Paddr_t(src.pml4[pml4i] & AddrMask)
			spdpt := tableAt(v.Pmm, spdptPhys)
			if spdpt[pdpti]&PteP == 0 {
				continue
			}
			for pdi := 0; pdi < 512; pdi++ {
				spdPhys := defs.Paddr_t(spdpt[pdpti] & AddrMask)
				spd := tableAt(v.Pmm, spdPhys)
				if spd[pdi]&PteP == 0 {
					continue
				}
				for pti := 0; pti < 512; pti++ {
					sptPhys := defs.Paddr_t(spd[pdi] & AddrMask)
					spt := tableAt(v.Pmm, sptPhys)
					spte := spt[pti]
					if spte&PteP == 0 {
						continue
					}
					va := uint64(pml4i)<<pml4Shift | uint64(pdpti)<<pdptShift |
						uint64(pdi)<<pdShift | uint64(pti)<<ptShift
					if err := v.cloneLeaf(dst, va, spte); err != defs.Ok {
						v.Pmm.FreePage(dst.Pml4Phys) // best effort; caller should destroy via DestroyAddressSpace
						return nil, err
					}
				}
			}
		}
	}

	dst.regions = append(dst.regions, src.regions...)
	return dst, defs.Ok
}

func (v *Vmm_t) cloneLeaf(dst *AddressSpace, va uint64, spte uint64) defs.Err_t {
	newFrame, err := v.Pmm.AllocPage()
	if err != defs.Ok {
		return err
	}
	copy(v.Pmm.Frame(newFrame), v.Pmm.Frame(defs.Paddr_t(spte&AddrMask)))

	pte, err := v.walk(dst, va, true)
	if err != defs.Ok {
		v.Pmm.FreePage(newFrame)
		return err
	}
	flags := spte &^ AddrMask
	*pte = (uint64(newFrame) & AddrMask) | flags
	return defs.Ok
}

// PageFaultClass names why a page fault was fatal.
type PageFaultClass int

const (
	FaultNotPresent PageFaultClass = iota
	FaultProtection
	FaultReserved
	FaultInstructionFetch
)

// Classify turns the standard x86 page-fault error bits into a
// PageFaultClass. Bit 0: present; bit 1: write; bit 2: user; bit 3:
// reserved-bit violation; bit 4: instruction fetch.
func Classify(errorCode uint64) PageFaultClass {
	switch {
	case errorCode&(1<<3) != 0:
		return FaultReserved
	case errorCode&(1<<4) != 0:
		return FaultInstructionFetch
	case errorCode&1 == 0:
		return FaultNotPresent
	default:
		return FaultProtection
	}
}

// PageFault classifies the fault and panics with a classification message:
// this core has no demand paging, so every page fault class is fatal. The
// classification is left in the panic message so a surrounding persona
// layer can extend this into a recoverable path later.
func (v *Vmm_t) PageFault(vaddr defs.Vaddr_t, errorCode uint64) {
	class := Classify(errorCode)
	names := map[PageFaultClass]string{
		FaultNotPresent:       "not-present",
		FaultProtection:       "protection-violation",
		FaultReserved:         "reserved-bit-violation",
		FaultInstructionFetch: "instruction-fetch",
	}
	panic("vmm: fatal page fault (" + names[class] + ") at " + addrString(uint64(vaddr)))
}

func addrString(v uint64) string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 18)
	buf[0], buf[1] = '0', 'x'
	for i := 0; i < 16; i++ {
		shift := uint(60 - i*4)
		buf[2+i] = hex[(v>>shift)&0xf]
	}
	return string(buf)
}
