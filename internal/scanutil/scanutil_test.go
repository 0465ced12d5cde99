package scanutil

import "testing"

func TestNormalizeStripsLeadingDotSlashAndBackslashes(t *testing.T) {
	if got := Normalize("./lib/foo.so"); got != "lib/foo.so" {
		t.Fatalf("got %q", got)
	}
	if got := Normalize(`lib\foo.so`); got != "lib/foo.so" {
		t.Fatalf("got %q", got)
	}
}

func TestRelNormalized(t *testing.T) {
	got, err := RelNormalized("/root/a", "/root/a/lib/foo.so")
	if err != nil {
		t.Fatal(err)
	}
	if got != "lib/foo.so" {
		t.Fatalf("got %q", got)
	}
}

func TestDepth(t *testing.T) {
	cases := map[string]int{
		"foo.so":             0,
		"lib/foo.so":         1,
		"lib/rocblas/foo.so": 2,
		"./foo.so":           0,
	}
	for p, want := range cases {
		if got := Depth(p); got != want {
			t.Errorf("Depth(%q) = %d, want %d", p, got, want)
		}
	}
}
