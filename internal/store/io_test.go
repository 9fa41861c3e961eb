package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"pqratchet/internal/store"
)

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "device")

	b, err := store.ReadFileIfExists(path)
	if err != nil || b != nil {
		t.Fatalf("missing file: %q %v", b, err)
	}
	for _, body := range []string{"first\n", "second\n"} {
		if err := store.WriteFileAtomic(path, []byte(body), 0o600); err != nil {
			t.Fatalf("WriteFileAtomic: %v", err)
		}
		b, err := store.ReadFileIfExists(path)
		if err != nil || string(b) != body {
			t.Fatalf("read back %q %v, want %q", b, err, body)
		}
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("mode %v", fi.Mode().Perm())
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}
