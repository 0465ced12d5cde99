package kpackconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xyproto/kpacktool/internal/kperr"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeConfig(t, `{
		"primary_shard": "shard-a",
		"architecture_groups": {"mi300": ["gfx942"], "rdna3": ["gfx1100", "gfx1101"]},
		"components": ["rocblas"]
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PrimaryShard != "shard-a" {
		t.Fatalf("primary shard = %q", cfg.PrimaryShard)
	}
	if cfg.GroupForArch("gfx1101") != "rdna3" {
		t.Fatalf("GroupForArch = %q", cfg.GroupForArch("gfx1101"))
	}
	if cfg.GroupForArch("gfx999") != "" {
		t.Fatal("expected no group for unknown architecture")
	}
}

func TestLoadMissingPrimaryShard(t *testing.T) {
	path := writeConfig(t, `{"architecture_groups": {"mi300": ["gfx942"]}}`)
	if _, err := Load(path); !kperr.Is(err, kperr.InputInvalid) {
		t.Fatalf("expected InputInvalid, got %v", err)
	}
}

func TestLoadArchitectureInTwoGroups(t *testing.T) {
	path := writeConfig(t, `{
		"primary_shard": "shard-a",
		"architecture_groups": {"mi300": ["gfx942"], "other": ["gfx942"]}
	}`)
	if _, err := Load(path); !kperr.Is(err, kperr.InputInvalid) {
		t.Fatalf("expected InputInvalid, got %v", err)
	}
}

func TestLoadEmptyGroup(t *testing.T) {
	path := writeConfig(t, `{
		"primary_shard": "shard-a",
		"architecture_groups": {"mi300": []}
	}`)
	if _, err := Load(path); !kperr.Is(err, kperr.InputInvalid) {
		t.Fatalf("expected InputInvalid, got %v", err)
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	path := writeConfig(t, `not json`)
	if _, err := Load(path); !kperr.Is(err, kperr.InputInvalid) {
		t.Fatalf("expected InputInvalid, got %v", err)
	}
}
