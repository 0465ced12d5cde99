package elfrewrite

import (
	"encoding/binary"

	"github.com/xyproto/kpacktool/internal/kperr"
)

const (
	hipfMagic = 0x48495046 // "HIPF"
	hipkMagic = 0x4b504948 // "HIPK"

	hipFatbinSegmentSection = ".hipFatBinSegment"
)

// RewriteHipFatbinMagic implements Primitive E: it flips the 4-byte magic
// at the start of .hipFatBinSegment from HIPF to HIPK and zeroes the
// trailing 8-byte pointer. If the magic is already HIPK this is a no-op
// (alreadyNeutralized=true, no error); any other value is rejected.
func RewriteHipFatbinMagic(data []byte) (newData []byte, alreadyNeutralized bool, err error) {
	if err := validateHeader(data); err != nil {
		return nil, false, err
	}
	h, err := readEhdr(data)
	if err != nil {
		return nil, false, err
	}
	_, sec, ok := findSection(data, h, hipFatbinSegmentSection)
	if !ok {
		return nil, false, kperr.Newf(kperr.Missing, component, "section %q not found", hipFatbinSegmentSection)
	}
	if sec.Offset+16 > uint64(len(data)) {
		return nil, false, kperr.New(kperr.FormatInvalid, component, "hipFatBinSegment section truncated")
	}

	current := binary.LittleEndian.Uint32(data[sec.Offset : sec.Offset+4])
	if current == hipkMagic {
		return data, true, nil
	}
	if current != hipfMagic {
		return nil, false, kperr.Newf(kperr.FormatInvalid, component, "unexpected hipFatBinSegment magic 0x%x", current)
	}

	newData = make([]byte, len(data))
	copy(newData, data)
	binary.LittleEndian.PutUint32(newData[sec.Offset:sec.Offset+4], hipkMagic)
	binary.LittleEndian.PutUint64(newData[sec.Offset+8:sec.Offset+16], 0)
	return newData, false, nil
}
