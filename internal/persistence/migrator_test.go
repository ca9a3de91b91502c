package persistence_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"PredictLedger/internal/persistence"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// =============================================================================
// Test: migration files are paired and ordered
// =============================================================================

func TestLoadMigrations_Repository(t *testing.T) {
	migs, err := persistence.LoadMigrations(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migs) < 3 {
		t.Fatalf("got %d migrations, want at least 3", len(migs))
	}
	for i, m := range migs {
		if m.Version != i+1 {
			t.Errorf("migration %d: got version %d, want %d", i, m.Version, i+1)
		}
		if m.DownFile == "" {
			t.Errorf("version %d: missing down file", m.Version)
		}
		if len(m.Checksum) != 64 {
			t.Errorf("version %d: checksum %q", m.Version, m.Checksum)
		}
	}
}

func TestLoadMigrations_OrdersNumerically(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"10_late.up.sql":     "SELECT 10;",
		"2_early.up.sql":     "SELECT 2;",
		"2_early.down.sql":   "SELECT -2;",
		"README.md":          "ignored",
		"0003_mid.up.sql":    "SELECT 3;",
		"0003_mid.notes.sql": "ignored",
	})
	migs, err := persistence.LoadMigrations(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var got []int
	for _, m := range migs {
		got = append(got, m.Version)
	}
	if len(got) != 3 || got[0] != 2 || got[1] != 3 || got[2] != 10 {
		t.Fatalf("versions: got %v, want [2 3 10]", got)
	}
	if migs[0].Name != "early" || migs[0].DownFile != "2_early.down.sql" {
		t.Errorf("first: got %+v", migs[0])
	}
	if migs[2].DownFile != "" {
		t.Errorf("10_late: got down file %q, want none", migs[2].DownFile)
	}
}

func TestLoadMigrations_ChecksumFollowsContent(t *testing.T) {
	a, err := persistence.LoadMigrations(writeFiles(t, map[string]string{"1_a.up.sql": "SELECT 1;"}))
	if err != nil {
		t.Fatal(err)
	}
	b, err := persistence.LoadMigrations(writeFiles(t, map[string]string{"1_a.up.sql": "SELECT 2;"}))
	if err != nil {
		t.Fatal(err)
	}
	if a[0].Checksum == b[0].Checksum {
		t.Error("checksum did not change with content")
	}
}

func TestLoadMigrations_Rejects(t *testing.T) {
	cases := []struct {
		name  string
		files map[string]string
		want  string
	}{
		{"duplicate version", map[string]string{"1_a.up.sql": "", "001_b.up.sql": ""}, "duplicate version"},
		{"no prefix", map[string]string{"records.up.sql": ""}, "missing version prefix"},
		{"bad version", map[string]string{"v1_a.up.sql": ""}, "bad version"},
		{"down without up", map[string]string{"4_a.down.sql": ""}, "no up file"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := persistence.LoadMigrations(writeFiles(t, tc.files))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("got %v, want error containing %q", err, tc.want)
			}
		})
	}
}
