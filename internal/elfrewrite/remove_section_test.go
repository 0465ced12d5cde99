package elfrewrite

import (
	"testing"

	"github.com/xyproto/kpacktool/internal/kperr"
)

// buildTestELF assembles a minimal, valid ELF64 little-endian image with
// one PT_LOAD spanning the whole file and three sections: the null
// section, a PROGBITS section named targetName, and a following
// PROGBITS section, so RemoveSection's address/offset shifting can be
// exercised end to end.
func buildTestELF(t *testing.T, targetName string, targetSize, followingSize int) (data []byte, followingAddrBefore uint64) {
	t.Helper()

	const (
		phOff = 64
		// leave room after phdr for the two sections' payloads
		targetOffset = 200
	)
	followingOffset := uint64(targetOffset + targetSize)
	strtabOffset := followingOffset + uint64(followingSize)

	names := []byte{0}
	targetNameIdx := uint32(len(names))
	names = append(names, append([]byte(targetName), 0)...)
	followingNameIdx := uint32(len(names))
	names = append(names, append([]byte(".following"), 0)...)
	shstrtabNameIdx := uint32(len(names))
	names = append(names, append([]byte(".shstrtab"), 0)...)

	strtabSize := uint64(len(names))
	shOff := roundUp(strtabOffset+strtabSize, 8)

	totalLen := shOff + 4*shdrSize
	data = make([]byte, totalLen)

	// ELF header.
	data[0], data[1], data[2], data[3] = 0x7f, 'E', 'L', 'F'
	data[4] = 2 // ELFCLASS64
	data[5] = 1 // little-endian
	writeEhdrEntry(data, 0)
	writeEhdrPhOff(data, phOff)
	writeEhdrShOff(data, shOff)
	data[54], data[55] = byte(phdrSize), 0
	writeEhdrPhNum(data, 1)
	data[58], data[59] = byte(shdrSize), 0
	data[60], data[61] = 4, 0 // shnum
	data[62], data[63] = 3, 0 // shstrndx

	// One PT_LOAD covering the whole file.
	writePhdrAt(data, phOff, phdr{
		Type: ptLoad, Flags: pfR,
		Offset: 0, Vaddr: 0, Paddr: 0,
		Filesz: totalLen, Memsz: totalLen, Align: pageSize,
	})

	targetAddr := uint64(0x2000)
	followingAddr := targetAddr + uint64(targetSize)

	copy(data[targetOffset:], bytesOf(targetSize, 0xAA))
	copy(data[followingOffset:], bytesOf(followingSize, 0xBB))
	copy(data[strtabOffset:], names)

	writeShdrAt(data, shOff+0*shdrSize, shdr{Type: shtNull})
	writeShdrAt(data, shOff+1*shdrSize, shdr{
		Name: targetNameIdx, Type: 1 /* PROGBITS */, Flags: 2, /* ALLOC */
		Addr: targetAddr, Offset: targetOffset, Size: uint64(targetSize),
	})
	writeShdrAt(data, shOff+2*shdrSize, shdr{
		Name: followingNameIdx, Type: 1, Flags: 2,
		Addr: followingAddr, Offset: followingOffset, Size: uint64(followingSize),
	})
	writeShdrAt(data, shOff+3*shdrSize, shdr{
		Name: shstrtabNameIdx, Type: 3, /* STRTAB */
		Addr: 0, Offset: strtabOffset, Size: strtabSize,
	})

	return data, followingAddr
}

func bytesOf(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestRemoveSectionShiftsFollowingSection(t *testing.T) {
	data, followingAddrBefore := buildTestELF(t, ".hip_fatbin", 100, 50)

	out, err := RemoveSection(data, ".hip_fatbin")
	if err != nil {
		t.Fatalf("RemoveSection: %v", err)
	}

	h, err := readEhdr(out)
	if err != nil {
		t.Fatalf("readEhdr: %v", err)
	}
	if len(out) != len(data)-100 {
		t.Fatalf("output length = %d, want %d", len(out), len(data)-100)
	}

	idx, target, ok := findSection(out, h, ".hip_fatbin")
	if !ok {
		t.Fatal("target section header should still exist (emptied, not removed)")
	}
	if target.Type != shtNull || target.Size != 0 {
		t.Fatalf("target section = %+v, want SHT_NULL/size 0", target)
	}
	_ = idx

	_, following, ok := findSection(out, h, ".following")
	if !ok {
		t.Fatal("following section not found")
	}
	if following.Addr != followingAddrBefore-100 {
		t.Fatalf("following.Addr = %#x, want %#x", following.Addr, followingAddrBefore-100)
	}
	if following.Offset != 200 {
		t.Fatalf("following.Offset = %d, want 200 (200+100-100)", following.Offset)
	}
}

func TestRemoveSectionMissingSection(t *testing.T) {
	data, _ := buildTestELF(t, ".hip_fatbin", 100, 50)
	_, err := RemoveSection(data, ".does_not_exist")
	if !kperr.Is(err, kperr.Missing) {
		t.Fatalf("expected Missing, got %v", err)
	}
}

func TestRemoveSectionRejectsNonELF(t *testing.T) {
	_, err := RemoveSection([]byte("not an elf file"), ".x")
	if !kperr.Is(err, kperr.FormatInvalid) {
		t.Fatalf("expected FormatInvalid, got %v", err)
	}
}
