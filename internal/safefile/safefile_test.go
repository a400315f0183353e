package safefile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestReadFileRejectsSymlink(t *testing.T) {
	target := writeTemp(t, "handbook.md", "# Permission Boundaries")
	link := filepath.Join(filepath.Dir(target), "link.md")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadFile(target); err != nil {
		t.Errorf("regular file should be readable: %v", err)
	}
	if _, err := ReadFile(link); !errors.Is(err, ErrSymlink) {
		t.Errorf("want ErrSymlink, got %v", err)
	}
	if _, err := ReadFileMax(link, 1024); !errors.Is(err, ErrSymlink) {
		t.Errorf("ReadFileMax: want ErrSymlink, got %v", err)
	}
}

func TestRejectSymlinkMissing(t *testing.T) {
	if err := RejectSymlink("/nonexistent/path/abc123"); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestReadFileMax(t *testing.T) {
	p := writeTemp(t, "invoice.txt", "please pay invoice 42")

	got, err := ReadFileMax(p, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "please pay invoice 42" {
		t.Errorf("got %q", got)
	}

	if _, err := ReadFileMax(p, 5); !errors.Is(err, ErrTooLarge) {
		t.Errorf("want ErrTooLarge, got %v", err)
	}
	if _, err := ReadFileMax(filepath.Dir(p), 1<<20); err == nil {
		t.Error("directories should be rejected")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "Done", "post-1.md")
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		t.Fatal(err)
	}

	if err := WriteFileAtomic(p, []byte("first"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(p, []byte("second"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "second" {
		t.Errorf("got %q, want second", got)
	}
	info, err := os.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("perm = %v, want 0600", info.Mode().Perm())
	}

	entries, err := os.ReadDir(filepath.Dir(p))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestMoveInto(t *testing.T) {
	root := t.TempDir()
	processed := filepath.Join(root, "processed")

	first := filepath.Join(root, "note.txt")
	if err := os.WriteFile(first, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst, err := MoveInto(first, processed)
	if err != nil {
		t.Fatal(err)
	}
	if dst != filepath.Join(processed, "note.txt") {
		t.Errorf("dst = %s", dst)
	}

	// Same name again gets a suffix instead of overwriting.
	if err := os.WriteFile(first, []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst, err = MoveInto(first, processed)
	if err != nil {
		t.Fatal(err)
	}
	if dst != filepath.Join(processed, "note-1.txt") {
		t.Errorf("dst = %s", dst)
	}
	if _, err := os.Stat(first); !errors.Is(err, os.ErrNotExist) {
		t.Error("source should be gone")
	}
}
