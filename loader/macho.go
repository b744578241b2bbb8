package loader

import (
	"bytes"
	"debug/macho"
	"encoding/binary"

	"limitlessos/defs"
	"limitlessos/vmm"
)

// Fat (universal) Mach-O magics. A fat binary bundles multiple
// architecture slices behind an outer header debug/macho.NewFile doesn't
// understand on its own; this loader only ever runs on a single-arch
// target image, so fat binaries are rejected rather than sliced.
const (
	machoMagicFat    = 0xcafebabe
	machoMagicFatCig = 0xbebafeca
	machoMagic32     = 0xfeedface
	machoMagic64     = 0xfeedfacf
	machoCigam32     = 0xcefaedfe
	machoCigam64     = 0xcffaedfe
)

// Thread-start load commands. LC_MAIN is what modern toolchains emit for
// both 32- and 64-bit images; LC_UNIXTHREAD is the classic form a 32-bit
// i386 Mach-O executable carries instead.
const (
	lcMain       = 0x80000028
	lcUnixThread = 0x5
)

// i386UnixThreadEntry extracts eip from a classic LC_UNIXTHREAD command's
// x86_THREAD_STATE32 register dump: flavor 1 (x86_THREAD_STATE32), 16
// 32-bit registers in the fixed order eax, ebx, ecx, edx, edi, esi, ebp,
// esp, ss, eflags, eip, cs, ds, es, fs, gs -- eip is the 11th word.
func i386UnixThreadEntry(raw []byte) (uint64, bool) {
	const flavorX86ThreadState32 = 1
	const eipIndex = 10
	if len(raw) < 16 {
		return 0, false
	}
	flavor := binary.LittleEndian.Uint32(raw[8:12])
	if flavor != flavorX86ThreadState32 {
		return 0, false
	}
	off := 16 + eipIndex*4
	if len(raw) < off+4 {
		return 0, false
	}
	return uint64(binary.LittleEndian.Uint32(raw[off : off+4])), true
}

func isMachOMagic(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	magic := binary.BigEndian.Uint32(data[0:4])
	switch magic {
	case machoMagicFat, machoMagicFatCig, machoMagic32, machoMagic64, machoCigam32, machoCigam64:
		return true
	default:
		return false
	}
}

// loadMachO validates a 32- or 64-bit Mach-O executable via debug/macho,
// reduces its LC_SEGMENT/LC_SEGMENT_64 load commands to the shared segment
// shape (debug/macho widens both to the same *macho.Segment regardless of
// bitness), and reads the entry point out of whichever thread-start load
// command the file carries: LC_MAIN (modern, both bitnesses) as a raw byte
// blob debug/macho doesn't type, or classic 32-bit LC_UNIXTHREAD's
// x86_THREAD_STATE32 register dump.
func loadMachO(data []byte, v *vmm.Vmm_t, as *vmm.AddressSpace) (Result, defs.Err_t) {
	if len(data) >= 4 {
		magic := binary.BigEndian.Uint32(data[0:4])
		if magic == machoMagicFat || magic == machoMagicFatCig {
			return Result{}, defs.ENOTSUP
		}
	}

	f, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return Result{}, defs.EINVAL
	}
	defer f.Close()

	if f.Magic != macho.Magic64 && f.Magic != macho.Magic32 {
		return Result{}, defs.ENOTSUP
	}
	if f.Cpu != macho.CpuAmd64 && f.Cpu != macho.Cpu386 {
		return Result{}, defs.ENOTSUP
	}

	isLibrary := f.Type == macho.TypeDylib || f.Type == macho.TypeBundle
	base := uint64(0)
	if isLibrary {
		base = defaultBase
	}

	var segs []segment
	var entryOff uint64
	var haveEntry bool

	for _, l := range f.Loads {
		switch seg := l.(type) {
		case *macho.Segment:
			if seg.Name == "__PAGEZERO" || seg.Memsz == 0 {
				continue
			}
			segs = append(segs, segment{
				VAddr:      base + seg.Addr,
				FileOff:    seg.Offset,
				FileSize:   seg.Filesz,
				MemSize:    seg.Memsz,
				Writable:   seg.Prot&2 != 0, // VM_PROT_WRITE
				Executable: seg.Prot&4 != 0, // VM_PROT_EXECUTE
			})
		default:
			raw := l.Raw()
			if len(raw) < 8 {
				continue
			}
			cmd := binary.LittleEndian.Uint32(raw[0:4])
			switch cmd {
			case lcMain:
				if len(raw) >= 24 {
					entryOff = binary.LittleEndian.Uint64(raw[8:16])
					haveEntry = true
				}
			case lcUnixThread:
				if off, ok := i386UnixThreadEntry(raw); ok {
					entryOff = off
					haveEntry = true
				}
			}
		}
	}
	if len(segs) == 0 {
		return Result{}, defs.EINVAL
	}
	if !haveEntry && !isLibrary {
		return Result{}, defs.EINVAL
	}

	imageBase, imageSize, lerr := loadSegments(v, as, data, segs)
	if lerr != defs.Ok {
		return Result{}, lerr
	}

	return Result{
		EntryPoint: defs.Vaddr_t(base + entryOff),
		ImageBase:  defs.Vaddr_t(imageBase),
		ImageSize:  imageSize,
		IsLibrary:  isLibrary,
	}, defs.Ok
}
