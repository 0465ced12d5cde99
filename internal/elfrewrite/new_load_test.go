package elfrewrite

import (
	"testing"

	"github.com/xyproto/kpacktool/internal/kperr"
)

func TestMapSectionToNewLoadPromotesSection(t *testing.T) {
	data, _ := buildTestELF(t, ".hip_fatbin", 100, 50)
	h0, err := readEhdr(data)
	if err != nil {
		t.Fatal(err)
	}

	out, err := MapSectionToNewLoad(data, ".hip_fatbin", 0)
	if err != nil {
		t.Fatalf("MapSectionToNewLoad: %v", err)
	}

	h, err := readEhdr(out)
	if err != nil {
		t.Fatal(err)
	}
	if int(h.PhNum) != int(h0.PhNum)+1 {
		t.Fatalf("PhNum = %d, want %d", h.PhNum, h0.PhNum+1)
	}

	_, sh, ok := findSection(out, h, ".hip_fatbin")
	if !ok {
		t.Fatal("promoted section missing")
	}
	if sh.Flags&0x2 == 0 {
		t.Fatal("expected SHF_ALLOC set on promoted section")
	}

	var found bool
	for i := 0; i < int(h.PhNum); i++ {
		p := readPhdrAt(out, h.PhOff+uint64(i)*phdrSize)
		if p.Type == ptLoad && p.Vaddr == sh.Addr && p.Filesz == sh.Size {
			found = true
		}
	}
	if !found {
		t.Fatal("no new PT_LOAD segment matches the promoted section")
	}
}

func TestMapSectionToNewLoadMissingSection(t *testing.T) {
	data, _ := buildTestELF(t, ".hip_fatbin", 100, 50)
	if _, err := MapSectionToNewLoad(data, ".nope", 0); !kperr.Is(err, kperr.Missing) {
		t.Fatalf("expected Missing, got %v", err)
	}
}

func TestMapSectionToNewLoadRejectsNonELF(t *testing.T) {
	if _, err := MapSectionToNewLoad([]byte("nope"), ".x", 0); !kperr.Is(err, kperr.FormatInvalid) {
		t.Fatalf("expected FormatInvalid, got %v", err)
	}
}
