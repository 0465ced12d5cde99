package manifest

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/xyproto/kpacktool/internal/kperr"
)

func TestKPMWriteReadRoundTrip(t *testing.T) {
	k := NewKPM("rocblas", "lib")
	k.KpackFiles["gfx900"] = KpackFile{File: "rocblas-gfx9.kpack", Size: 1024, KernelCount: 12}

	path := filepath.Join(t.TempDir(), "rocblas.kpm")
	if err := WriteKPM(path, k); err != nil {
		t.Fatal(err)
	}
	got, err := ReadKPM(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.KpackFiles, k.KpackFiles) {
		t.Fatalf("got %+v, want %+v", got.KpackFiles, k.KpackFiles)
	}
}

func TestArtifactManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := []string{"lib", "bin", "share/doc"}
	if err := WriteArtifactManifest(dir, want); err != nil {
		t.Fatal(err)
	}
	got, err := ReadArtifactManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestArtifactManifestIgnoresEmptyLines(t *testing.T) {
	dir := t.TempDir()
	if err := WriteArtifactManifest(dir, []string{"lib", "", "bin"}); err != nil {
		t.Fatal(err)
	}
	got, err := ReadArtifactManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"lib", "bin"}) {
		t.Fatalf("got %v", got)
	}
}

func TestMergeUnionsAgreeingEntries(t *testing.T) {
	a := NewKPM("rocblas", "lib")
	a.KpackFiles["gfx900"] = KpackFile{File: "a.kpack", Size: 100, KernelCount: 5}
	b := NewKPM("rocblas", "lib")
	b.KpackFiles["gfx942"] = KpackFile{File: "b.kpack", Size: 200, KernelCount: 7}

	merged, err := Merge(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if len(merged.KpackFiles) != 2 {
		t.Fatalf("merged has %d entries, want 2", len(merged.KpackFiles))
	}
}

func TestMergeConflictIsError(t *testing.T) {
	a := NewKPM("rocblas", "lib")
	a.KpackFiles["gfx1100"] = KpackFile{File: "a.kpack", Size: 100, KernelCount: 5}
	b := NewKPM("rocblas", "lib")
	b.KpackFiles["gfx1100"] = KpackFile{File: "a.kpack", Size: 101, KernelCount: 5}

	_, err := Merge(a, b)
	if !kperr.Is(err, kperr.Conflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestMergeIdempotentWhenAgreeing(t *testing.T) {
	a := NewKPM("rocblas", "lib")
	a.KpackFiles["gfx1100"] = KpackFile{File: "a.kpack", Size: 100, KernelCount: 5}
	b := NewKPM("rocblas", "lib")
	b.KpackFiles["gfx1100"] = KpackFile{File: "a.kpack", Size: 100, KernelCount: 5}

	merged, err := Merge(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if len(merged.KpackFiles) != 1 {
		t.Fatalf("want 1 entry, got %d", len(merged.KpackFiles))
	}
}
