package database

import "testing"

func TestRocBLASHandlerRecognizesLibraryFiles(t *testing.T) {
	h := NewRocBLASHandler()
	root := "/opt/rocm/lib"
	path := "/opt/rocm/lib/rocblas/library/Tensile_gfx942.co"

	if !h.CanRecognize(path, root) {
		t.Fatal("expected CanRecognize to match rocblas/library path")
	}
	arch, ok := h.Recognize(path, root)
	if !ok {
		t.Fatal("expected Recognize to succeed")
	}
	if arch != "gfx942" {
		t.Fatalf("arch = %q, want gfx942", arch)
	}
}

func TestRocBLASHandlerRejectsWrongExtension(t *testing.T) {
	h := NewRocBLASHandler()
	root := "/opt/rocm/lib"
	path := "/opt/rocm/lib/rocblas/library/README.gfx942.txt"
	if _, ok := h.Recognize(path, root); ok {
		t.Fatal("expected Recognize to reject non-kernel extension")
	}
}

func TestHipBLASLtHandlerDoesNotMatchRocBLASPaths(t *testing.T) {
	h := NewHipBLASLtHandler()
	root := "/opt/rocm/lib"
	path := "/opt/rocm/lib/rocblas/library/Tensile_gfx942.co"
	if h.CanRecognize(path, root) {
		t.Fatal("hipblaslt handler should not claim a rocblas path")
	}
}

func TestAotritonHandlerExtractsArchFromPathTriple(t *testing.T) {
	h := NewAotritonHandler()
	root := "/opt/aotriton-install"
	path := "/opt/aotriton-install/aotriton/kernels/gfx90a/flash_attn.so"

	arch, ok := h.Recognize(path, root)
	if !ok {
		t.Fatal("expected Recognize to succeed")
	}
	if arch != "gfx90a" {
		t.Fatalf("arch = %q, want gfx90a", arch)
	}
}

func TestAotritonHandlerRejectsUnrelatedPath(t *testing.T) {
	h := NewAotritonHandler()
	root := "/opt/aotriton-install"
	path := "/opt/aotriton-install/other/gfx90a/flash_attn.so"
	if _, ok := h.Recognize(path, root); ok {
		t.Fatal("expected rejection without the aotriton/kernels prefix")
	}
}

func TestKernelDatabaseTracksArchitectures(t *testing.T) {
	db := NewKernelDatabase("rocblas", "/opt/rocm/lib/rocblas")
	db.AddArtifact("lib/rocblas/library/Tensile_gfx900.co", "gfx900")
	db.AddArtifact("lib/rocblas/library/Tensile_gfx942.co", "gfx942")
	db.AddArtifact("lib/rocblas/library/Tensile_gfx900.co", "gfx900")

	archs := db.GetArchitectures()
	if len(archs) != 2 {
		t.Fatalf("got %d architectures, want 2: %v", len(archs), archs)
	}
	if len(db.GetKernelArtifacts()) != 3 {
		t.Fatalf("got %d artifacts, want 3", len(db.GetKernelArtifacts()))
	}
}

func TestGetUnknownHandler(t *testing.T) {
	if _, err := Get([]string{"not-a-handler"}); err == nil {
		t.Fatal("expected error for unknown handler name")
	}
}

func TestListAvailableIsSorted(t *testing.T) {
	names := ListAvailable()
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("ListAvailable not sorted: %v", names)
		}
	}
}
