package elfrewrite

import (
	"github.com/xyproto/kpacktool/internal/kperr"
)

// MapSectionToNewLoad implements Primitive B: it promotes an existing
// non-allocated section to a freshly appended PT_LOAD segment, growing
// the program header table if necessary (Primitive C). newVaddr of 0
// means auto-allocate the next page-aligned address past every existing
// segment.
func MapSectionToNewLoad(data []byte, sectionName string, newVaddr uint64) ([]byte, error) {
	if err := validateHeader(data); err != nil {
		return nil, err
	}
	h, err := readEhdr(data)
	if err != nil {
		return nil, err
	}
	idx, target, ok := findSection(data, h, sectionName)
	if !ok {
		return nil, kperr.Newf(kperr.Missing, component, "section %q not found", sectionName)
	}

	existingPhdrs := make([]phdr, h.PhNum)
	maxEnd := uint64(0)
	for i := range existingPhdrs {
		p := readPhdrAt(data, h.PhOff+uint64(i)*phdrSize)
		existingPhdrs[i] = p
		if p.Type == ptLoad {
			if end := p.Vaddr + p.Memsz; end > maxEnd {
				maxEnd = end
			}
		}
	}
	if newVaddr == 0 {
		newVaddr = roundUp(maxEnd, pageSize)
	}

	newData := make([]byte, len(data))
	copy(newData, data)

	newSectionOffset := target.Offset
	if target.Offset%pageSize != newVaddr%pageSize {
		pad := roundUp(uint64(len(newData)), pageSize) - uint64(len(newData))
		// Pad to the end of file, then align the copy's remainder to match.
		newSectionOffset = uint64(len(newData)) + pad
		for newSectionOffset%pageSize != newVaddr%pageSize {
			newSectionOffset++
		}
		padded := make([]byte, newSectionOffset-uint64(len(newData)))
		newData = append(newData, padded...)
		newData = append(newData, data[target.Offset:target.Offset+target.Size]...)
	}

	newPhdrs := append(append([]phdr{}, existingPhdrs...), phdr{
		Type:   ptLoad,
		Flags:  pfR,
		Offset: newSectionOffset,
		Vaddr:  newVaddr,
		Paddr:  newVaddr,
		Filesz: target.Size,
		Memsz:  target.Size,
		Align:  pageSize,
	})

	minContentOffset := uint64(len(newData))
	oldPhdrEnd := h.PhOff + uint64(h.PhNum)*phdrSize
	for i := 0; i < int(h.ShNum); i++ {
		s := readShdrAt(data, h.ShOff+uint64(i)*shdrSize)
		if s.Offset > oldPhdrEnd && s.Offset < minContentOffset {
			minContentOffset = s.Offset
		}
	}

	newData, newPhOff, newPhNum, err := resizePhdrTable(newData, h, newPhdrs, minContentOffset, phdrSpareSlots)
	if err != nil {
		return nil, err
	}
	if newPhOff != h.PhOff {
		writeEhdrPhOff(newData, newPhOff)
	}
	writeEhdrPhNum(newData, uint16(newPhNum))

	target.Flags |= 0x2 // SHF_ALLOC
	target.Addr = newVaddr
	target.Offset = newSectionOffset
	writeShdrAt(newData, h.ShOff+uint64(idx)*shdrSize, target)

	return newData, nil
}

// resizePhdrTable implements Primitive C. It returns the phdr table's new
// file offset and the number of meaningful entries now present there —
// the relocate branch appends a self-covering PT_LOAD the caller didn't
// pass in, so that count can exceed len(newPhdrs).
func resizePhdrTable(data []byte, h ehdr, newPhdrs []phdr, minContentOffset uint64, spareSlots int) ([]byte, uint64, int, error) {
	newSize := uint64(len(newPhdrs)) * phdrSize
	available := minContentOffset - h.PhOff

	if newSize <= available {
		writePhdrs(data, h.PhOff, newPhdrs)
		return data, h.PhOff, len(newPhdrs), nil
	}

	capacity := phdrCapacity(data, h)
	if capacity >= len(newPhdrs) {
		writePhdrs(data, h.PhOff, newPhdrs)
		return data, h.PhOff, len(newPhdrs), nil
	}

	newPhOff := uint64(len(data))
	maxEnd := uint64(0)
	for _, p := range newPhdrs {
		if p.Type == ptLoad {
			if end := p.Vaddr + p.Memsz; end > maxEnd {
				maxEnd = end
			}
		}
	}
	phdrVaddr := roundUp(maxEnd, pageSize)
	for newPhOff%pageSize != phdrVaddr%pageSize {
		newPhOff++
	}

	finalCount := len(newPhdrs) + 1
	capSlots := spareSlots
	if capSlots <= 0 {
		capSlots = 1
	}
	allocCount := ((finalCount + capSlots - 1) / capSlots) * capSlots
	allocSize := uint64(allocCount) * phdrSize

	padded := make([]byte, newPhOff-uint64(len(data))+allocSize)
	out := append(data, padded...)

	finalPhdrs := make([]phdr, 0, allocCount)
	for _, p := range newPhdrs {
		if p.Type == ptPhdr {
			p.Offset = newPhOff
			p.Vaddr = phdrVaddr
			p.Paddr = phdrVaddr
			p.Filesz = allocSize
			p.Memsz = allocSize
		}
		finalPhdrs = append(finalPhdrs, p)
	}
	finalPhdrs = append(finalPhdrs, phdr{
		Type:   ptLoad,
		Flags:  pfR,
		Offset: newPhOff,
		Vaddr:  phdrVaddr,
		Paddr:  phdrVaddr,
		Filesz: allocSize,
		Memsz:  allocSize,
		Align:  pageSize,
	})
	for len(finalPhdrs) < allocCount {
		finalPhdrs = append(finalPhdrs, phdr{})
	}

	writePhdrs(out, newPhOff, finalPhdrs)
	return out, newPhOff, finalCount, nil
}

func writePhdrs(data []byte, offset uint64, phdrs []phdr) {
	for i, p := range phdrs {
		writePhdrAt(data, offset+uint64(i)*phdrSize, p)
	}
}

// phdrCapacity returns how many phdr slots the table currently has room
// for, detected via the PT_LOAD segment that covers e_phoff (a table
// previously relocated with over-allocation has p_filesz larger than
// e_phnum*phdrSize).
func phdrCapacity(data []byte, h ehdr) int {
	for i := 0; i < int(h.PhNum); i++ {
		p := readPhdrAt(data, h.PhOff+uint64(i)*phdrSize)
		if p.Type == ptLoad && p.Offset <= h.PhOff && h.PhOff < p.Offset+p.Filesz {
			return int(p.Filesz / phdrSize)
		}
	}
	return int(h.PhNum)
}
