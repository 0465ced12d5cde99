package elfrewrite

import (
	"encoding/binary"

	"github.com/xyproto/kpacktool/internal/kperr"
)

const rX8664Relative = 8

// SetPointer implements Primitive D: it writes targetVaddr as an 8-byte
// little-endian pointer at pointerVaddr, and — when updateRelocation is
// set — locates the R_X86_64_RELATIVE relocation whose r_offset equals
// pointerVaddr and rewrites its addend to match. For ET_DYN images a
// missing relocation is a fatal error, since the loader will never fix
// the pointer up without one; ET_EXEC images tolerate it.
func SetPointer(data []byte, pointerVaddr, targetVaddr uint64, updateRelocation bool) ([]byte, error) {
	if err := validateHeader(data); err != nil {
		return nil, err
	}
	h, err := readEhdr(data)
	if err != nil {
		return nil, err
	}

	var load *phdr
	for i := 0; i < int(h.PhNum); i++ {
		p := readPhdrAt(data, h.PhOff+uint64(i)*phdrSize)
		if p.Type == ptLoad && p.Vaddr <= pointerVaddr && pointerVaddr < p.Vaddr+p.Memsz {
			load = &p
			break
		}
	}
	if load == nil {
		return nil, kperr.Newf(kperr.Missing, component, "no PT_LOAD segment contains vaddr 0x%x", pointerVaddr)
	}

	fileOffset := load.Offset + (pointerVaddr - load.Vaddr)
	if fileOffset+8 > uint64(len(data)) {
		return nil, kperr.New(kperr.FormatInvalid, component, "pointer location exceeds file bounds")
	}

	newData := make([]byte, len(data))
	copy(newData, data)
	binary.LittleEndian.PutUint64(newData[fileOffset:fileOffset+8], targetVaddr)

	if !updateRelocation {
		return newData, nil
	}

	updated := updateRelativeRelocation(newData, h, pointerVaddr, targetVaddr)
	if !updated && h.EType == etDyn {
		return nil, kperr.Newf(kperr.Missing, component,
			"RelocationMissing: no R_X86_64_RELATIVE relocation at vaddr 0x%x in a PIE image", pointerVaddr)
	}
	return newData, nil
}

// updateRelativeRelocation scans .rela.dyn for an R_X86_64_RELATIVE entry
// whose r_offset equals pointerVaddr and rewrites its addend.
func updateRelativeRelocation(data []byte, h ehdr, pointerVaddr, targetVaddr uint64) bool {
	strtab := readShdrAt(data, h.ShOff+uint64(h.ShStrNdx)*shdrSize)
	for i := 0; i < int(h.ShNum); i++ {
		s := readShdrAt(data, h.ShOff+uint64(i)*shdrSize)
		name := sectionNameAt(data, strtab.Offset, s.Name)
		if name != ".rela.dyn" && name != ".rela.plt" {
			continue
		}
		for off := s.Offset; off+24 <= s.Offset+s.Size; off += 24 {
			rOffset := binary.LittleEndian.Uint64(data[off : off+8])
			rInfo := binary.LittleEndian.Uint64(data[off+8 : off+16])
			relType := rInfo & 0xffffffff
			if rOffset == pointerVaddr && relType == rX8664Relative {
				binary.LittleEndian.PutUint64(data[off+16:off+24], targetVaddr)
				return true
			}
		}
	}
	return false
}
