package persistence

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeMigrations(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestLoadMigrations_PairsAndOrders(t *testing.T) {
	dir := writeMigrations(t,
		"000002_projections.up.sql",
		"000001_event_log.down.sql",
		"000001_event_log.up.sql",
		"000003_no_rollback.up.sql",
		"README.md",
	)

	steps, err := loadMigrations(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("got %d migrations, want 3", len(steps))
	}
	want := []migration{
		{version: "000001", up: "000001_event_log.up.sql", down: "000001_event_log.down.sql"},
		{version: "000002", up: "000002_projections.up.sql"},
		{version: "000003", up: "000003_no_rollback.up.sql"},
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Errorf("step %d: got %+v, want %+v", i, steps[i], want[i])
		}
	}
}

func TestLoadMigrations_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  string
	}{
		{"down without up", []string{"000001_a.down.sql"}, "has no .up.sql"},
		{"two ups for one version", []string{"000001_a.up.sql", "000001_b.up.sql"}, "already has"},
		{"non numeric version", []string{"v1_a.up.sql"}, "want {version}"},
		{"no direction", []string{"000001_a.sql"}, "want {version}"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadMigrations(writeMigrations(t, tc.files...))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("got %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestLoadMigrations_RepositoryFiles(t *testing.T) {
	steps, err := loadMigrations(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, s := range steps {
		if s.down == "" {
			t.Errorf("migration %s has no rollback", s.up)
		}
	}
}

func TestChecksum_TracksContent(t *testing.T) {
	a := checksum([]byte("CREATE TABLE t (id INT);"))
	b := checksum([]byte("CREATE TABLE t (id BIGINT);"))
	if a == b {
		t.Errorf("different scripts share checksum %s", a)
	}
	if len(a) != 64 {
		t.Errorf("checksum length: got %d, want 64", len(a))
	}
}
