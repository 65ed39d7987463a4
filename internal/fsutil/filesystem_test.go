package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestOSFileSystem_Exists(t *testing.T) {
	fs := OSFileSystem{}

	if !fs.Exists("filesystem.go") {
		t.Error("expected filesystem.go to exist")
	}

	if fs.Exists("nonexistent_file_xyz.go") {
		t.Error("expected nonexistent file to not exist")
	}
}

func TestOSFileSystem_RenameAndReadDir(t *testing.T) {
	fs := OSFileSystem{}
	dir := t.TempDir()

	tmp := filepath.Join(dir, "a.tmp")
	if err := os.WriteFile(tmp, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := fs.Rename(tmp, filepath.Join(dir, "a.ckpt")); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	entries, err := fs.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "a.ckpt" || entries[0].IsDir {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestMemoryFileSystem_CreateAndRead(t *testing.T) {
	mfs := NewMemoryFileSystem()

	w, err := mfs.Create("/ckpt/created.txt")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := w.Write([]byte("created content")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := mfs.ReadFile("/ckpt/created.txt")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "created content" {
		t.Errorf("expected 'created content', got %q", data)
	}
	if !mfs.Exists("/ckpt") {
		t.Error("expected parent directory to exist")
	}
}

func TestMemoryFileSystem_Open(t *testing.T) {
	mfs := NewMemoryFileSystem()
	mfs.WriteFile("/data/file.bin", []byte("abc"))

	f, err := mfs.Open("/data/file.bin")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "abc" {
		t.Errorf("got %q, want %q", data, "abc")
	}

	if _, err := mfs.Open("/data/missing.bin"); err == nil {
		t.Error("expected error opening missing file")
	}
}

func TestMemoryFileSystem_ReadDir(t *testing.T) {
	mfs := NewMemoryFileSystem()
	mfs.WriteFile("/root/02958343/train/b.npy", nil)
	mfs.WriteFile("/root/02958343/train/a.npy", nil)
	mfs.WriteFile("/root/03001627/val/c.npy", nil)

	entries, err := mfs.ReadDir("/root")
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Name != "02958343" || !entries[0].IsDir {
		t.Errorf("unexpected root entries: %+v", entries)
	}

	files, err := mfs.ReadDir("/root/02958343/train")
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(files) != 2 || files[0].Name != "a.npy" || files[1].Name != "b.npy" {
		t.Errorf("expected sorted files, got %+v", files)
	}

	if _, err := mfs.ReadDir("/nope"); err == nil {
		t.Error("expected error for missing dir")
	}
}

func TestMemoryFileSystem_Rename(t *testing.T) {
	mfs := NewMemoryFileSystem()
	mfs.WriteFile("/c/x.tmp", []byte("state"))

	if err := mfs.Rename("/c/x.tmp", "/c/x.ckpt"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if mfs.Exists("/c/x.tmp") {
		t.Error("old path should be gone")
	}
	data, err := mfs.ReadFile("/c/x.ckpt")
	if err != nil || string(data) != "state" {
		t.Errorf("ReadFile after rename = %q, %v", data, err)
	}
	if err := mfs.Rename("/c/missing", "/c/y"); err == nil {
		t.Error("expected error renaming missing file")
	}
}

func TestMemoryFileSystem_Remove(t *testing.T) {
	mfs := NewMemoryFileSystem()
	mfs.WriteFile("/d/f", []byte("1"))

	if err := mfs.Remove("/d"); err == nil {
		t.Error("expected error removing non-empty directory")
	}
	if err := mfs.Remove("/d/f"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := mfs.Remove("/d"); err != nil {
		t.Fatalf("Remove dir failed: %v", err)
	}
	if mfs.Exists("/d") {
		t.Error("expected /d removed")
	}
}
