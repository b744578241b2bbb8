package loader

import (
	"bytes"
	"debug/pe"
	"encoding/binary"

	"limitlessos/defs"
	"limitlessos/vmm"
)

const (
	imageFileMachineI386  = 0x14c
	imageFileMachineAMD64 = 0x8664
)

const (
	scnMemExecute = 0x20000000
	scnMemRead    = 0x40000000
	scnMemWrite   = 0x80000000
)

const imageDirectoryEntryBaserelocIndex = 5

// peHeader is the format-neutral shape loadPE reduces debug/pe's two
// optional header types (PE32's OptionalHeader32, PE32+'s
// OptionalHeader64) to, per spec.md §4.5's validation rule accepting
// either "PE32 or PE32+" magic.
type peHeader struct {
	imageBase  uint64
	entryPoint uint32
	dataDirs   [16]pe.DataDirectory
	is64       bool
}

func normalizeOptionalHeader(f *pe.File) (peHeader, defs.Err_t) {
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		return peHeader{imageBase: oh.ImageBase, entryPoint: oh.AddressOfEntryPoint, dataDirs: oh.DataDirectory, is64: true}, defs.Ok
	case *pe.OptionalHeader32:
		return peHeader{imageBase: uint64(oh.ImageBase), entryPoint: oh.AddressOfEntryPoint, dataDirs: oh.DataDirectory, is64: false}, defs.Ok
	default:
		return peHeader{}, defs.ENOTSUP
	}
}

// loadPE validates a PE32 or PE32+ image via debug/pe, maps each section by
// its declared virtual address/size, and resolves base relocations against
// the chosen image base: IMAGE_REL_BASED_HIGHLOW (4-byte) for PE32/i386,
// IMAGE_REL_BASED_DIR64 (8-byte) for PE32+/amd64, per spec.md §4.5's PE
// sub-case (S6).
func loadPE(data []byte, v *vmm.Vmm_t, as *vmm.AddressSpace) (Result, defs.Err_t) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return Result{}, defs.EINVAL
	}
	defer f.Close()

	if f.Machine != imageFileMachineAMD64 && f.Machine != imageFileMachineI386 {
		return Result{}, defs.ENOTSUP
	}
	oh, herr := normalizeOptionalHeader(f)
	if herr != defs.Ok {
		return Result{}, herr
	}

	// Images are always placed at defaultBase rather than trusting the
	// file's declared preferred ImageBase, since that address may already
	// be in use elsewhere in the address space; any base relocation
	// directory is applied to fix up the resulting delta.
	base := defaultBase

	segs := make([]segment, 0, len(f.Sections))
	for _, sec := range f.Sections {
		if sec.VirtualSize == 0 {
			continue
		}
		segs = append(segs, segment{
			VAddr:      base + uint64(sec.VirtualAddress),
			FileOff:    uint64(sec.Offset),
			FileSize:   uint64(sec.Size),
			MemSize:    uint64(sec.VirtualSize),
			Writable:   sec.Characteristics&scnMemWrite != 0,
			Executable: sec.Characteristics&scnMemExecute != 0,
		})
	}
	if len(segs) == 0 {
		return Result{}, defs.EINVAL
	}

	imageBase, imageSize, lerr := loadSegments(v, as, data, segs)
	if lerr != defs.Ok {
		return Result{}, lerr
	}

	// Fixups run after permissions are reapplied: they write frame bytes
	// directly rather than through a permission-checked access path, so a
	// read-only .text section is still safe to patch here.
	if oh.dataDirs[imageDirectoryEntryBaserelocIndex].Size != 0 {
		if e := applyPERelocations(f, v, as, base, oh); e != defs.Ok {
			return Result{}, e
		}
	}

	return Result{
		EntryPoint: defs.Vaddr_t(base + uint64(oh.entryPoint)),
		ImageBase:  defs.Vaddr_t(imageBase),
		ImageSize:  imageSize,
		IsLibrary:  f.Characteristics&0x2000 != 0, // IMAGE_FILE_DLL
	}, defs.Ok
}

// applyPERelocations walks the .reloc directory's base relocation blocks
// and applies the pointer-width-appropriate entries: IMAGE_REL_BASED_DIR64
// (type 10, 8-byte slot) for PE32+, IMAGE_REL_BASED_HIGHLOW (type 3,
// 4-byte slot) for PE32 -- the only kinds a linker emits for x86/x86-64.
func applyPERelocations(f *pe.File, v *vmm.Vmm_t, as *vmm.AddressSpace, base uint64, oh peHeader) defs.Err_t {
	const relBasedHighLow = 3
	const relBasedDir64 = 10
	wantType := uint16(relBasedHighLow)
	width := 4
	if oh.is64 {
		wantType = relBasedDir64
		width = 8
	}

	delta := base - oh.imageBase
	if delta == 0 {
		return defs.Ok
	}

	dir := oh.dataDirs[imageDirectoryEntryBaserelocIndex]
	relocSec := sectionContaining(f, dir.VirtualAddress)
	if relocSec == nil {
		return defs.EINVAL
	}
	raw, err := relocSec.Data()
	if err != nil {
		return defs.EINVAL
	}
	start := dir.VirtualAddress - relocSec.VirtualAddress
	end := start + dir.Size
	if end > uint32(len(raw)) {
		return defs.EINVAL
	}
	block := raw[start:end]

	for len(block) >= 8 {
		pageRVA := binary.LittleEndian.Uint32(block[0:])
		blockSize := binary.LittleEndian.Uint32(block[4:])
		if blockSize < 8 || int(blockSize) > len(block) {
			break
		}
		entries := block[8:blockSize]
		for off := 0; off+2 <= len(entries); off += 2 {
			entry := binary.LittleEndian.Uint16(entries[off:])
			typ := entry >> 12
			entOff := uint32(entry & 0x0fff)
			if typ != wantType {
				continue
			}
			va := base + uint64(pageRVA) + uint64(entOff)
			if e := relocateSlot(v, as, va, delta, width); e != defs.Ok {
				return e
			}
		}
		block = block[blockSize:]
	}
	return defs.Ok
}

// relocateSlot adds delta to the pointer-sized value already stored at va,
// reading and writing width bytes (4 for PE32, 8 for PE32+).
func relocateSlot(v *vmm.Vmm_t, as *vmm.AddressSpace, va uint64, delta uint64, width int) defs.Err_t {
	stored, e := resolveAndRead(v, as, va, width)
	if e != defs.Ok {
		return e
	}
	buf := make([]byte, width)
	if width == 8 {
		binary.LittleEndian.PutUint64(buf, stored+delta)
	} else {
		binary.LittleEndian.PutUint32(buf, uint32(stored+delta))
	}
	return writeRange(v, as, va, buf)
}

func sectionContaining(f *pe.File, rva uint32) *pe.Section {
	for _, sec := range f.Sections {
		if rva >= sec.VirtualAddress && rva < sec.VirtualAddress+sec.VirtualSize {
			return sec
		}
	}
	return nil
}

// resolveAndRead reads the width-byte little-endian value already written
// at the mapped virtual address va (the raw pointer value the relocation
// entry needs to rebase).
func resolveAndRead(v *vmm.Vmm_t, as *vmm.AddressSpace, va uint64, width int) (uint64, defs.Err_t) {
	phys, err := v.GetPhysical(as, defs.Vaddr_t(va))
	if err != defs.Ok {
		return 0, err
	}
	frameBase := defs.Paddr_t(uint64(phys) &^ defs.PGOFFSET)
	off := uint64(phys) & defs.PGOFFSET
	buf := v.Pmm.Frame(frameBase)
	if off+uint64(width) > uint64(len(buf)) {
		return 0, defs.EINVAL
	}
	if width == 8 {
		return binary.LittleEndian.Uint64(buf[off : off+8]), defs.Ok
	}
	return uint64(binary.LittleEndian.Uint32(buf[off : off+4])), defs.Ok
}
