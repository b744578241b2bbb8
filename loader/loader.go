// Package loader implements the three binary loaders (ELF64, PE32/PE32+,
// Mach-O 32/64) that feed the scheduler with executable address spaces.
// Header parsing is delegated to the standard library's debug/elf,
// debug/pe, and debug/macho packages -- the same pattern biscuit's own
// build tool (biscuit/src/kernel/chentry.go) uses debug/elf for -- while
// segment-to-address-space loading, relocation application, and
// permission assignment (what those packages deliberately don't do) is
// implemented here.
package loader

import (
	"limitlessos/defs"
	"limitlessos/vmm"
)

// Result is what every loader yields once an image is mapped into a
// target address space.
type Result struct {
	EntryPoint defs.Vaddr_t
	ImageBase  defs.Vaddr_t
	ImageSize  uint64
	IsLibrary  bool
}

// Format names the container format Load detected.
type Format int

const (
	FormatUnknown Format = iota
	FormatELF
	FormatPE
	FormatMachO
)

// defaultBase is the deterministic, non-randomized base used for
// position-independent images (ELF ET_DYN, Mach-O MH_DYLIB/bundle), per
// spec.md §4.5 step 2.
const defaultBase uint64 = 0x400000

// Detect inspects the leading bytes of data and reports which container
// format it names, without validating the rest of the header.
func Detect(data []byte) Format {
	switch {
	case len(data) >= 4 && data[0] == 0x7f && data[1] == 'E' && data[2] == 'L' && data[3] == 'F':
		return FormatELF
	case len(data) >= 2 && data[0] == 'M' && data[1] == 'Z':
		return FormatPE
	case isMachOMagic(data):
		return FormatMachO
	default:
		return FormatUnknown
	}
}

// Load validates, parses, and loads data into target, dispatching on the
// detected container format.
func Load(data []byte, v *vmm.Vmm_t, target *vmm.AddressSpace) (Result, defs.Err_t) {
	switch Detect(data) {
	case FormatELF:
		return loadELF(data, v, target)
	case FormatPE:
		return loadPE(data, v, target)
	case FormatMachO:
		return loadMachO(data, v, target)
	default:
		return Result{}, defs.EINVAL
	}
}

// segment is the format-neutral shape every per-format loader reduces its
// load descriptors to before calling the shared mapping routine.
type segment struct {
	VAddr      uint64 // final, absolute virtual address (base already applied)
	FileOff    uint64
	FileSize   uint64
	MemSize    uint64
	Writable   bool
	Executable bool
}

// loadSegments implements spec.md §4.5's common loading algorithm: map the
// union of segment ranges with RW+User, copy file bytes (bytes beyond
// filesz up to memsz stay zero), then re-apply each segment's declared
// permissions.
func loadSegments(v *vmm.Vmm_t, as *vmm.AddressSpace, data []byte, segs []segment) (imageBase, imageSize uint64, err defs.Err_t) {
	if len(segs) == 0 {
		return 0, 0, defs.EINVAL
	}

	lo := ^uint64(0)
	hi := uint64(0)
	for _, s := range segs {
		if s.MemSize == 0 {
			continue
		}
		if s.VAddr < lo {
			lo = s.VAddr
		}
		if end := s.VAddr + s.MemSize; end > hi {
			hi = end
		}
	}
	if lo >= hi {
		return 0, 0, defs.EINVAL
	}

	if e := mapRegion(v, as, lo, hi); e != defs.Ok {
		return 0, 0, e
	}

	for _, s := range segs {
		if s.FileSize == 0 {
			continue
		}
		if s.FileOff+s.FileSize > uint64(len(data)) {
			return 0, 0, defs.EINVAL
		}
		if e := writeRange(v, as, s.VAddr, data[s.FileOff:s.FileOff+s.FileSize]); e != defs.Ok {
			return 0, 0, e
		}
	}

	for _, s := range segs {
		if s.MemSize == 0 {
			continue
		}
		flags := vmm.PteU
		if s.Writable {
			flags |= vmm.PteW
		}
		if !s.Executable {
			flags |= vmm.PteNX
		}
		pageLo := defs.PageAlign(s.VAddr)
		pageHi := defs.PageRoundup(s.VAddr + s.MemSize)
		if e := v.Protect(as, defs.Vaddr_t(pageLo), pageHi-pageLo, flags); e != defs.Ok {
			return 0, 0, e
		}

		// Recorded for bookkeeping/fault attribution per spec.md §3's
		// AddressSpace data model: an executable segment is RegionCode,
		// everything else loaded from the image is RegionData.
		rtype := vmm.RegionData
		if s.Executable {
			rtype = vmm.RegionCode
		}
		as.AddRegion(pageLo, pageHi, flags, rtype)
	}

	return lo, hi - lo, defs.Ok
}

// mapRegion allocates, zeros, and maps a contiguous run of frames covering
// [lo, hi) with initial Read+Write+User permissions.
func mapRegion(v *vmm.Vmm_t, as *vmm.AddressSpace, lo, hi uint64) defs.Err_t {
	pageLo := defs.PageAlign(lo)
	pageHi := defs.PageRoundup(hi)
	n := int((pageHi - pageLo) / uint64(defs.PGSIZE))

	base, err := v.Pmm.AllocPages(n)
	if err != defs.Ok {
		return err
	}
	for i := 0; i < n; i++ {
		frame := base + defs.Paddr_t(i*defs.PGSIZE)
		buf := v.Pmm.Frame(frame)
		for j := range buf {
			buf[j] = 0
		}
	}
	if err := v.MapPages(as, defs.Vaddr_t(pageLo), base, n, vmm.PteW|vmm.PteU); err != defs.Ok {
		v.Pmm.FreePages(base, n)
		return err
	}
	return defs.Ok
}

// writeRange copies src into the already-mapped virtual range starting at
// vaddr, crossing page boundaries by resolving each page's physical frame
// in turn.
func writeRange(v *vmm.Vmm_t, as *vmm.AddressSpace, vaddr uint64, src []byte) defs.Err_t {
	remaining := src
	va := vaddr
	for len(remaining) > 0 {
		pageBase := defs.PageAlign(va)
		off := va - pageBase
		phys, err := v.GetPhysical(as, defs.Vaddr_t(pageBase))
		if err != defs.Ok {
			return err
		}
		frameBase := defs.Paddr_t(uint64(phys) &^ defs.PGOFFSET)
		buf := v.Pmm.Frame(frameBase)
		n := copy(buf[off:], remaining)
		remaining = remaining[n:]
		va += uint64(n)
	}
	return defs.Ok
}
