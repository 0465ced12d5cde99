package elfrewrite

import "testing"

// buildELFForRelocateTest builds a minimal ELF64 LE image whose phdr
// table has no spare room and whose covering PT_LOAD is too small to
// hold a second entry in place, forcing MapSectionToNewLoad into
// resizePhdrTable's relocate-with-over-allocation branch.
func buildELFForRelocateTest(t *testing.T) []byte {
	t.Helper()

	const (
		phOff         = 64
		coveringSize  = 100 // capacity = 100/56 = 1, less than the 2 phdrs needed
		targetOffset  = 130
		targetSize    = 20
	)
	followingOffset := uint64(targetOffset + targetSize)
	strtabOffset := followingOffset

	names := []byte{0}
	targetNameIdx := uint32(len(names))
	names = append(names, append([]byte(".hip_fatbin"), 0)...)
	shstrtabNameIdx := uint32(len(names))
	names = append(names, append([]byte(".shstrtab"), 0)...)
	strtabSize := uint64(len(names))

	shOff := roundUp(strtabOffset+strtabSize, 8)
	totalLen := shOff + 3*shdrSize
	data := make([]byte, totalLen)

	data[0], data[1], data[2], data[3] = 0x7f, 'E', 'L', 'F'
	data[4] = 2
	data[5] = 1
	writeEhdrEntry(data, 0)
	writeEhdrPhOff(data, phOff)
	writeEhdrShOff(data, shOff)
	data[54], data[55] = byte(phdrSize), 0
	writeEhdrPhNum(data, 1)
	data[58], data[59] = byte(shdrSize), 0
	data[60], data[61] = 3, 0 // shnum
	data[62], data[63] = 2, 0 // shstrndx

	writePhdrAt(data, phOff, phdr{
		Type: ptLoad, Flags: pfR,
		Offset: 0, Vaddr: 0, Paddr: 0,
		Filesz: coveringSize, Memsz: coveringSize, Align: pageSize,
	})

	copy(data[targetOffset:], bytesOf(targetSize, 0xAA))
	copy(data[strtabOffset:], names)

	writeShdrAt(data, shOff+0*shdrSize, shdr{Type: shtNull})
	writeShdrAt(data, shOff+1*shdrSize, shdr{
		Name: targetNameIdx, Type: 1, Flags: 0,
		Addr: 0, Offset: targetOffset, Size: uint64(targetSize),
	})
	writeShdrAt(data, shOff+2*shdrSize, shdr{
		Name: shstrtabNameIdx, Type: 3,
		Addr: 0, Offset: strtabOffset, Size: strtabSize,
	})

	return data
}

func TestMapSectionToNewLoadRelocatedTableCountsSelfCoverSegment(t *testing.T) {
	data := buildELFForRelocateTest(t)

	out, err := MapSectionToNewLoad(data, ".hip_fatbin", 0)
	if err != nil {
		t.Fatalf("MapSectionToNewLoad: %v", err)
	}

	h, err := readEhdr(out)
	if err != nil {
		t.Fatal(err)
	}
	// 1 original PT_LOAD + 1 promoted section + 1 self-covering PT_LOAD
	// for the relocated phdr table itself.
	if h.PhNum != 3 {
		t.Fatalf("PhNum = %d, want 3 (relocate branch must count its own covering segment)", h.PhNum)
	}

	var sawSelfCover bool
	for i := 0; i < int(h.PhNum); i++ {
		p := readPhdrAt(out, h.PhOff+uint64(i)*phdrSize)
		if p.Type == ptLoad && p.Offset == h.PhOff {
			sawSelfCover = true
			if h.PhOff < p.Offset || h.PhOff+uint64(h.PhNum)*phdrSize > p.Offset+p.Filesz {
				t.Fatalf("self-covering PT_LOAD %+v does not actually cover the phdr table at %#x", p, h.PhOff)
			}
		}
	}
	if !sawSelfCover {
		t.Fatal("no PT_LOAD segment covers the relocated phdr table")
	}
}
