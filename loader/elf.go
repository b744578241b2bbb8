package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"limitlessos/defs"
	"limitlessos/vmm"
)

// loadELF validates an ELF64 header via the standard library's reflective
// parser, reduces PT_LOAD program headers to the shared segment shape, maps
// and copies them, applies PT_LOAD-declared permissions, and resolves
// R_X86_64_RELATIVE relocations against the chosen image base -- the one
// relocation kind a statically-linked PIE actually needs at load time.
func loadELF(data []byte, v *vmm.Vmm_t, as *vmm.AddressSpace) (Result, defs.Err_t) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return Result{}, defs.EINVAL
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return Result{}, defs.ENOTSUP
	}
	if f.Machine != elf.EM_X86_64 {
		return Result{}, defs.ENOTSUP
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return Result{}, defs.ENOTSUP
	}

	isPIE := f.Type == elf.ET_DYN
	base := uint64(0)
	if isPIE {
		base = defaultBase
	}

	var segs []segment
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		segs = append(segs, segment{
			VAddr:      base + prog.Vaddr,
			FileOff:    prog.Off,
			FileSize:   prog.Filesz,
			MemSize:    prog.Memsz,
			Writable:   prog.Flags&elf.PF_W != 0,
			Executable: prog.Flags&elf.PF_X != 0,
		})
	}
	if len(segs) == 0 {
		return Result{}, defs.EINVAL
	}

	imageBase, imageSize, lerr := loadSegments(v, as, data, segs)
	if lerr != defs.Ok {
		return Result{}, lerr
	}

	if isPIE {
		if err := applyELFRelocations(f, v, as, base); err != defs.Ok {
			return Result{}, err
		}
	}

	return Result{
		EntryPoint: defs.Vaddr_t(base + f.Entry),
		ImageBase:  defs.Vaddr_t(imageBase),
		ImageSize:  imageSize,
		IsLibrary:  isPIE,
	}, defs.Ok
}

// applyELFRelocations walks .rela.dyn (or any SHT_RELA section) and applies
// R_X86_64_RELATIVE entries: write (base + addend) at (base + offset). Other
// relocation types require symbol resolution this loader doesn't perform
// since it never links against external libraries.
func applyELFRelocations(f *elf.File, v *vmm.Vmm_t, as *vmm.AddressSpace, base uint64) defs.Err_t {
	const relativeType = 8 // R_X86_64_RELATIVE

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		raw, err := sec.Data()
		if err != nil {
			return defs.EINVAL
		}
		const entSize = 24 // Elf64_Rela: offset, info, addend, each 8 bytes
		for off := 0; off+entSize <= len(raw); off += entSize {
			offset := binary.LittleEndian.Uint64(raw[off:])
			info := binary.LittleEndian.Uint64(raw[off+8:])
			addend := int64(binary.LittleEndian.Uint64(raw[off+16:]))
			if info&0xffffffff != relativeType {
				continue
			}
			value := base + uint64(addend)
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], value)
			if e := writeRange(v, as, base+offset, buf[:]); e != defs.Ok {
				return e
			}
		}
	}
	return defs.Ok
}
