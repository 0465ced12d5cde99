package elfrewrite

import (
	"os"

	"github.com/xyproto/kpacktool/internal/fsutil"
	"github.com/xyproto/kpacktool/internal/kperr"
)

const hipFatbinSection = ".hip_fatbin"
const markerSection = ".rocm_kpack_ref"

// Stats describes what NeutralizeBinary did to one file.
type Stats struct {
	RemovedBytes       int
	AlreadyNeutralized bool
	HadFatbin          bool
}

// HasSection reports whether the ELF image in data has a .hip_fatbin
// section.
func HasSection(data []byte) (bool, error) {
	return hasNamedSection(data, hipFatbinSection)
}

func hasNamedSection(data []byte, name string) (bool, error) {
	if err := validateHeader(data); err != nil {
		return false, err
	}
	h, err := readEhdr(data)
	if err != nil {
		return false, err
	}
	_, _, ok := findSection(data, h, name)
	return ok, nil
}

// NeutralizeBinary runs the high-level kpack_offload_binary flow: remove
// .hip_fatbin (Primitive A), promote .rocm_kpack_ref to a PT_LOAD segment
// (Primitive B) so the runtime can find it via dl_iterate_phdr, and flip
// the fat-binary magic (Primitive E). The marker section must already be
// attached to input (installed by the caller via marker.Add) before this
// runs. Output is written to a sibling temp path and renamed into place
// so a crash never leaves a partial file visible.
func NeutralizeBinary(inputPath, outputPath string) (Stats, error) {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return Stats{}, kperr.Wrap(kperr.IO, component, err).WithPath(inputPath)
	}

	var stats Stats
	hasFatbin, err := hasNamedSection(data, hipFatbinSection)
	if err != nil {
		return Stats{}, err
	}
	stats.HadFatbin = hasFatbin

	if hasFatbin {
		before := len(data)
		data, err = RemoveSection(data, hipFatbinSection)
		if err != nil {
			return Stats{}, err
		}
		stats.RemovedBytes = before - len(data)
	}

	data, err = MapSectionToNewLoad(data, markerSection, 0)
	if err != nil {
		return Stats{}, err
	}

	if hasFatbin {
		var alreadyDone bool
		data, alreadyDone, err = RewriteHipFatbinMagic(data)
		if err != nil {
			return Stats{}, err
		}
		stats.AlreadyNeutralized = alreadyDone
	}

	mode, err := fsutil.FileMode(inputPath)
	if err != nil {
		mode = 0o755
	}
	if err := fsutil.WriteAtomic(outputPath, data, mode); err != nil {
		return Stats{}, err
	}
	return stats, nil
}
