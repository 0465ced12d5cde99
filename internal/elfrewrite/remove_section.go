package elfrewrite

import (
	"encoding/binary"

	"github.com/xyproto/kpacktool/internal/kperr"
)

// RemoveSection implements Primitive A: it deletes sectionName's payload
// from the file entirely, shifting every following section and the
// program headers that reference it, and patches the dynamic section,
// relocations, and GOT so virtual addresses past the removed region
// still resolve correctly. It fails with kperr.Missing if the section is
// not present.
func RemoveSection(data []byte, sectionName string) ([]byte, error) {
	if err := validateHeader(data); err != nil {
		return nil, err
	}
	h, err := readEhdr(data)
	if err != nil {
		return nil, err
	}

	_, target, ok := findSection(data, h, sectionName)
	if !ok {
		return nil, kperr.Newf(kperr.Missing, component, "section %q not found", sectionName)
	}

	removalOffset := target.Offset
	removalSize := target.Size
	removalVaddr := target.Addr
	removalEnd := removalVaddr + removalSize

	newData := make([]byte, 0, len(data)-int(removalSize))
	newData = append(newData, data[:removalOffset]...)
	newData = append(newData, data[removalOffset+removalSize:]...)

	// 5. ELF header: e_entry and e_shoff.
	if h.Entry >= removalVaddr {
		writeEhdrEntry(newData, h.Entry-removalSize)
	}
	newShOff := h.ShOff
	if h.ShOff > removalOffset {
		newShOff = h.ShOff - removalSize
		writeEhdrShOff(newData, newShOff)
	}

	// Program headers live wherever e_phoff pointed; that region itself
	// shifts like any other content past the removed bytes.
	newPhOff := h.PhOff
	if h.PhOff > removalOffset {
		newPhOff = h.PhOff - removalSize
	}

	// 6. Program headers: contains vs. follows.
	for i := 0; i < int(h.PhNum); i++ {
		readOff := h.PhOff + uint64(i)*phdrSize
		writeOff := newPhOff + uint64(i)*phdrSize
		p := readPhdrAt(data, readOff)
		switch {
		case p.Offset <= removalOffset && removalOffset < p.Offset+p.Filesz:
			p.Filesz -= removalSize
			p.Memsz -= removalSize
			writePhdrAt(newData, writeOff, p)
		case p.Offset > removalOffset:
			p.Offset -= removalSize
			p.Vaddr -= removalSize
			p.Paddr -= removalSize
			writePhdrAt(newData, writeOff, p)
		default:
			writePhdrAt(newData, writeOff, p)
		}
	}
	if newPhOff != h.PhOff {
		writeEhdrPhOff(newData, newPhOff)
	}

	// 7. Section headers.
	for i := 0; i < int(h.ShNum); i++ {
		soff := h.ShOff + uint64(i)*shdrSize
		s := readShdrAt(data, soff)
		if s.Offset == removalOffset && s.Size == removalSize && s.Name == target.Name {
			s.Type = shtNull
			s.Size = 0
		} else if s.Offset > removalOffset {
			s.Offset -= removalSize
			if s.Addr > 0 && s.Addr >= removalVaddr {
				s.Addr -= removalSize
			}
		}
		writeShdrAt(newData, newShOff+uint64(i)*shdrSize, s)
	}

	// 8. Dynamic section.
	patchDynamic(newData, h, newPhOff, removalVaddr, removalSize)

	// 9. Relocations. Section headers now live at newShOff, and the
	// string table's own offset has already been shifted above.
	patchRelocations(newData, h, newShOff, removalVaddr, removalEnd, removalSize)

	// 10. GOT.
	patchGOT(newData, h, newShOff, removalEnd, removalSize)

	return newData, nil
}

func patchDynamic(data []byte, h ehdr, phOff, removalVaddr, removalSize uint64) {
	for i := 0; i < int(h.PhNum); i++ {
		p := readPhdrAt(data, phOff+uint64(i)*phdrSize)
		if p.Type != ptDynamic {
			continue
		}
		for off := p.Offset; off+16 <= p.Offset+p.Filesz; off += 16 {
			tag := int64(binary.LittleEndian.Uint64(data[off : off+8]))
			if tag == dtNull {
				break
			}
			if addrBearingDynTags[tag] {
				val := binary.LittleEndian.Uint64(data[off+8 : off+16])
				if val >= removalVaddr {
					binary.LittleEndian.PutUint64(data[off+8:off+16], val-removalSize)
				}
			}
		}
	}
}

func patchRelocations(data []byte, h ehdr, shOff, removalVaddr, removalEnd, removalSize uint64) {
	strtab := readShdrAt(data, shOff+uint64(h.ShStrNdx)*shdrSize)
	for i := 0; i < int(h.ShNum); i++ {
		soff := shOff + uint64(i)*shdrSize
		s := readShdrAt(data, soff)
		name := sectionNameAt(data, strtab.Offset, s.Name)
		isRela := name == ".rela.dyn" || name == ".rela.plt"
		isRel := name == ".rel.dyn" || name == ".rel.plt"
		if !isRela && !isRel {
			continue
		}
		entSize := uint64(16)
		if isRela {
			entSize = 24
		}
		for off := s.Offset; off+entSize <= s.Offset+s.Size; off += entSize {
			rOffset := binary.LittleEndian.Uint64(data[off : off+8])
			if rOffset >= removalVaddr {
				binary.LittleEndian.PutUint64(data[off:off+8], rOffset-removalSize)
			}
			if isRela {
				addend := binary.LittleEndian.Uint64(data[off+16 : off+24])
				if addend > removalEnd {
					binary.LittleEndian.PutUint64(data[off+16:off+24], addend-removalSize)
				}
			}
		}
	}
}

func patchGOT(data []byte, h ehdr, shOff, removalEnd, removalSize uint64) {
	strtab := readShdrAt(data, shOff+uint64(h.ShStrNdx)*shdrSize)
	for i := 0; i < int(h.ShNum); i++ {
		s := readShdrAt(data, shOff+uint64(i)*shdrSize)
		name := sectionNameAt(data, strtab.Offset, s.Name)
		if name != ".got" && name != ".got.plt" {
			continue
		}
		for off := s.Offset; off+8 <= s.Offset+s.Size; off += 8 {
			ptr := binary.LittleEndian.Uint64(data[off : off+8])
			if ptr == 0 {
				continue
			}
			if ptr >= removalEnd {
				binary.LittleEndian.PutUint64(data[off:off+8], ptr-removalSize)
			}
		}
	}
}
