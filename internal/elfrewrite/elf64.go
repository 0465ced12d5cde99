// Package elfrewrite performs in-place surgical edits on ELF64
// little-endian binaries: removing a section's payload and shifting
// everything after it, promoting a non-allocated section to its own
// PT_LOAD segment, growing the program header table when it runs out of
// room, patching a pointer slot (and its matching relocation), and
// flipping the fat-binary marker magic. Nothing here reads or writes any
// other ELF class or byte order; anything else is rejected up front.
package elfrewrite

import (
	"encoding/binary"

	"github.com/xyproto/kpacktool/internal/kperr"
)

const component = "elfrewrite"

const (
	pageSize       = 4096
	phdrSpareSlots = 16

	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64

	shtNull   = 0
	shtNobits = 8

	ptLoad  = 1
	ptDynamic = 2
	ptInterp  = 3
	ptNote    = 4
	ptPhdr    = 6

	pfR = 4

	etExec = 2
	etDyn  = 3

	dtNull = 0
)

// addrBearingDynTags is the set of PT_DYNAMIC tags whose value is a
// virtual address and must be adjusted when bytes are removed from
// before it.
var addrBearingDynTags = map[int64]bool{
	3:          true, // DT_PLTGOT
	4:          true, // DT_HASH
	5:          true, // DT_STRTAB
	6:          true, // DT_SYMTAB
	7:          true, // DT_RELA
	17:         true, // DT_REL
	23:         true, // DT_JMPREL
	12:         true, // DT_INIT
	13:         true, // DT_FINI
	25:         true, // DT_INIT_ARRAY
	26:         true, // DT_FINI_ARRAY
	32:         true, // DT_PREINIT_ARRAY
	34:         true, // DT_SYMTAB_SHNDX
	0x6ffffff0: true, // DT_VERSYM
	0x6ffffffc: true, // DT_VERDEF
	0x6ffffffe: true, // DT_VERNEED
}

// ehdr is the subset of the ELF64 header this package reads and rewrites.
type ehdr struct {
	Entry   uint64
	PhOff   uint64
	ShOff   uint64
	PhEntSz uint16
	PhNum   uint16
	ShEntSz uint16
	ShNum   uint16
	ShStrNdx uint16
	EType   uint16
}

// phdr mirrors Elf64_Phdr.
type phdr struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// shdr mirrors Elf64_Shdr.
type shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

func validateHeader(data []byte) error {
	if len(data) < ehdrSize {
		return kperr.New(kperr.FormatInvalid, component, "file too small to be an ELF header")
	}
	if data[0] != 0x7f || data[1] != 'E' || data[2] != 'L' || data[3] != 'F' {
		return kperr.New(kperr.FormatInvalid, component, "bad ELF magic")
	}
	if data[4] != 2 {
		return kperr.New(kperr.FormatInvalid, component, "only ELFCLASS64 is supported")
	}
	if data[5] != 1 {
		return kperr.New(kperr.FormatInvalid, component, "only little-endian ELF is supported")
	}
	return nil
}

func readEhdr(data []byte) (ehdr, error) {
	if err := validateHeader(data); err != nil {
		return ehdr{}, err
	}
	var h ehdr
	h.EType = binary.LittleEndian.Uint16(data[16:18])
	h.Entry = binary.LittleEndian.Uint64(data[24:32])
	h.PhOff = binary.LittleEndian.Uint64(data[32:40])
	h.ShOff = binary.LittleEndian.Uint64(data[40:48])
	h.PhEntSz = binary.LittleEndian.Uint16(data[54:56])
	h.PhNum = binary.LittleEndian.Uint16(data[56:58])
	h.ShEntSz = binary.LittleEndian.Uint16(data[58:60])
	h.ShNum = binary.LittleEndian.Uint16(data[60:62])
	h.ShStrNdx = binary.LittleEndian.Uint16(data[62:64])
	return h, nil
}

func writeEhdrEntry(data []byte, v uint64)    { binary.LittleEndian.PutUint64(data[24:32], v) }
func writeEhdrShOff(data []byte, v uint64)    { binary.LittleEndian.PutUint64(data[40:48], v) }
func writeEhdrPhOff(data []byte, v uint64)    { binary.LittleEndian.PutUint64(data[32:40], v) }
func writeEhdrPhNum(data []byte, v uint16)    { binary.LittleEndian.PutUint16(data[56:58], v) }

func readPhdrAt(data []byte, off uint64) phdr {
	b := data[off : off+phdrSize]
	return phdr{
		Type:   binary.LittleEndian.Uint32(b[0:4]),
		Flags:  binary.LittleEndian.Uint32(b[4:8]),
		Offset: binary.LittleEndian.Uint64(b[8:16]),
		Vaddr:  binary.LittleEndian.Uint64(b[16:24]),
		Paddr:  binary.LittleEndian.Uint64(b[24:32]),
		Filesz: binary.LittleEndian.Uint64(b[32:40]),
		Memsz:  binary.LittleEndian.Uint64(b[40:48]),
		Align:  binary.LittleEndian.Uint64(b[48:56]),
	}
}

func writePhdrAt(data []byte, off uint64, p phdr) {
	b := data[off : off+phdrSize]
	binary.LittleEndian.PutUint32(b[0:4], p.Type)
	binary.LittleEndian.PutUint32(b[4:8], p.Flags)
	binary.LittleEndian.PutUint64(b[8:16], p.Offset)
	binary.LittleEndian.PutUint64(b[16:24], p.Vaddr)
	binary.LittleEndian.PutUint64(b[24:32], p.Paddr)
	binary.LittleEndian.PutUint64(b[32:40], p.Filesz)
	binary.LittleEndian.PutUint64(b[40:48], p.Memsz)
	binary.LittleEndian.PutUint64(b[48:56], p.Align)
}

func readShdrAt(data []byte, off uint64) shdr {
	b := data[off : off+shdrSize]
	return shdr{
		Name:      binary.LittleEndian.Uint32(b[0:4]),
		Type:      binary.LittleEndian.Uint32(b[4:8]),
		Flags:     binary.LittleEndian.Uint64(b[8:16]),
		Addr:      binary.LittleEndian.Uint64(b[16:24]),
		Offset:    binary.LittleEndian.Uint64(b[24:32]),
		Size:      binary.LittleEndian.Uint64(b[32:40]),
		Link:      binary.LittleEndian.Uint32(b[40:44]),
		Info:      binary.LittleEndian.Uint32(b[44:48]),
		AddrAlign: binary.LittleEndian.Uint64(b[48:56]),
		EntSize:   binary.LittleEndian.Uint64(b[56:64]),
	}
}

func writeShdrAt(data []byte, off uint64, s shdr) {
	b := data[off : off+shdrSize]
	binary.LittleEndian.PutUint32(b[0:4], s.Name)
	binary.LittleEndian.PutUint32(b[4:8], s.Type)
	binary.LittleEndian.PutUint64(b[8:16], s.Flags)
	binary.LittleEndian.PutUint64(b[16:24], s.Addr)
	binary.LittleEndian.PutUint64(b[24:32], s.Offset)
	binary.LittleEndian.PutUint64(b[32:40], s.Size)
	binary.LittleEndian.PutUint32(b[40:44], s.Link)
	binary.LittleEndian.PutUint32(b[44:48], s.Info)
	binary.LittleEndian.PutUint64(b[48:56], s.AddrAlign)
	binary.LittleEndian.PutUint64(b[56:64], s.EntSize)
}

func sectionNameAt(data []byte, strtabOff uint64, nameIdx uint32) string {
	start := strtabOff + uint64(nameIdx)
	if start >= uint64(len(data)) {
		return ""
	}
	end := start
	for end < uint64(len(data)) && data[end] != 0 {
		end++
	}
	return string(data[start:end])
}

// findSection returns the index and header of the section named name, or
// ok=false if absent.
func findSection(data []byte, h ehdr, name string) (idx int, sh shdr, ok bool) {
	strtab := readShdrAt(data, h.ShOff+uint64(h.ShStrNdx)*shdrSize)
	for i := 0; i < int(h.ShNum); i++ {
		s := readShdrAt(data, h.ShOff+uint64(i)*shdrSize)
		if sectionNameAt(data, strtab.Offset, s.Name) == name {
			return i, s, true
		}
	}
	return 0, shdr{}, false
}

func roundUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	rem := v % align
	if rem == 0 {
		return v
	}
	return v + (align - rem)
}
