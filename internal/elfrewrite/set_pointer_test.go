package elfrewrite

import (
	"encoding/binary"
	"testing"

	"github.com/xyproto/kpacktool/internal/kperr"
)

// buildELFForSetPointer builds a minimal ELF64 LE image with one PT_LOAD
// covering the whole file at vaddr 0 (so file offset == vaddr), and,
// when withRela is set, a .rela.dyn section holding a single
// R_X86_64_RELATIVE entry at r_offset=relOffset.
func buildELFForSetPointer(t *testing.T, etype uint16, withRela bool, relOffset uint64) []byte {
	t.Helper()

	const phOff = 64
	const dataOffset = 200 // room for pointer slot + padding

	var relaOffset, relaSize uint64
	names := []byte{0}
	relaNameIdx := uint32(0)
	shstrtabNameIdx := uint32(0)

	bodyEnd := uint64(dataOffset + 64)
	if withRela {
		relaOffset = bodyEnd
		relaSize = 24
		relaNameIdx = uint32(len(names))
		names = append(names, append([]byte(".rela.dyn"), 0)...)
		bodyEnd = relaOffset + relaSize
	}
	shstrtabNameIdx = uint32(len(names))
	names = append(names, append([]byte(".shstrtab"), 0)...)
	strtabOffset := bodyEnd
	strtabSize := uint64(len(names))

	shOff := roundUp(strtabOffset+strtabSize, 8)
	shnum := uint64(2)
	if withRela {
		shnum = 3
	}
	totalLen := shOff + shnum*shdrSize
	data := make([]byte, totalLen)

	data[0], data[1], data[2], data[3] = 0x7f, 'E', 'L', 'F'
	data[4] = 2
	data[5] = 1
	binary.LittleEndian.PutUint16(data[16:18], etype)
	writeEhdrEntry(data, 0)
	writeEhdrPhOff(data, phOff)
	writeEhdrShOff(data, shOff)
	data[54], data[55] = byte(phdrSize), 0
	writeEhdrPhNum(data, 1)
	data[58], data[59] = byte(shdrSize), 0
	binary.LittleEndian.PutUint16(data[60:62], uint16(shnum))
	binary.LittleEndian.PutUint16(data[62:64], uint16(shnum-1))

	writePhdrAt(data, phOff, phdr{
		Type: ptLoad, Flags: pfR,
		Offset: 0, Vaddr: 0, Paddr: 0,
		Filesz: totalLen, Memsz: totalLen, Align: pageSize,
	})

	if withRela {
		binary.LittleEndian.PutUint64(data[relaOffset:relaOffset+8], relOffset)
		binary.LittleEndian.PutUint64(data[relaOffset+8:relaOffset+16], rX8664Relative)
		binary.LittleEndian.PutUint64(data[relaOffset+16:relaOffset+24], 0)
	}
	copy(data[strtabOffset:], names)

	writeShdrAt(data, shOff+0*shdrSize, shdr{Type: shtNull})
	if withRela {
		writeShdrAt(data, shOff+1*shdrSize, shdr{
			Name: relaNameIdx, Type: 4, /* SHT_RELA */
			Offset: relaOffset, Size: relaSize,
		})
		writeShdrAt(data, shOff+2*shdrSize, shdr{
			Name: shstrtabNameIdx, Type: 3,
			Offset: strtabOffset, Size: strtabSize,
		})
	} else {
		writeShdrAt(data, shOff+1*shdrSize, shdr{
			Name: shstrtabNameIdx, Type: 3,
			Offset: strtabOffset, Size: strtabSize,
		})
	}

	return data
}

func TestSetPointerWritesValueWithoutRelocation(t *testing.T) {
	data := buildELFForSetPointer(t, etExec, false, 0)

	out, err := SetPointer(data, 200, 0xabcdef, false)
	if err != nil {
		t.Fatalf("SetPointer: %v", err)
	}
	if got := binary.LittleEndian.Uint64(out[200:208]); got != 0xabcdef {
		t.Fatalf("pointer = %#x, want %#x", got, 0xabcdef)
	}
}

func TestSetPointerUpdatesRelocation(t *testing.T) {
	data := buildELFForSetPointer(t, etDyn, true, 200)

	out, err := SetPointer(data, 200, 0xabcdef, true)
	if err != nil {
		t.Fatalf("SetPointer: %v", err)
	}
	relaOffset := uint64(264) // dataOffset(200) + 64
	got := binary.LittleEndian.Uint64(out[relaOffset+16 : relaOffset+24])
	if got != 0xabcdef {
		t.Fatalf("relocation addend = %#x, want %#x", got, 0xabcdef)
	}
}

func TestSetPointerMissingRelocationOnPIEIsFatal(t *testing.T) {
	data := buildELFForSetPointer(t, etDyn, false, 0)
	if _, err := SetPointer(data, 200, 0xabcdef, true); !kperr.Is(err, kperr.Missing) {
		t.Fatalf("expected Missing, got %v", err)
	}
}

func TestSetPointerMissingRelocationOnExecIsTolerated(t *testing.T) {
	data := buildELFForSetPointer(t, etExec, false, 0)
	if _, err := SetPointer(data, 200, 0xabcdef, true); err != nil {
		t.Fatalf("expected no error for ET_EXEC, got %v", err)
	}
}

func TestSetPointerNoContainingSegment(t *testing.T) {
	data := buildELFForSetPointer(t, etExec, false, 0)
	if _, err := SetPointer(data, 0xffffff, 0xabcdef, false); !kperr.Is(err, kperr.Missing) {
		t.Fatalf("expected Missing, got %v", err)
	}
}
