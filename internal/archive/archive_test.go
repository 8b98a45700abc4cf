package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalArchiverWritesReport(t *testing.T) {
	dir := t.TempDir()
	a := &localArchiver{baseDir: dir}

	loc, err := a.Store(context.Background(), "nightshift/2025-06-01.json", []byte(`{"completed":2}`), "application/json")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	want := filepath.Join(dir, "nightshift", "2025-06-01.json")
	if loc != want {
		t.Fatalf("location %s, want %s", loc, want)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != `{"completed":2}` {
		t.Fatalf("unexpected content %s", data)
	}
}

func TestSanitizeKeyStripsTraversal(t *testing.T) {
	if got := sanitizeKey("../../etc/passwd"); got != "etc/passwd" {
		t.Fatalf("sanitize left traversal: %s", got)
	}
	if got := sanitizeKey("./reports/a.json"); got != "reports/a.json" {
		t.Fatalf("unexpected: %s", got)
	}
}
