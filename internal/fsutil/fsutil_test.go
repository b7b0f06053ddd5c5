package fsutil

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestListSkipsSubdirectoriesAndSorts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.JPG", "a.png", "clip.MP4", "notes.txt", "sub/c.png"} {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	images, err := ListImages(dir)
	if err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	if len(images) != 2 || filepath.Base(images[0]) != "a.png" || filepath.Base(images[1]) != "b.JPG" {
		t.Fatalf("unexpected images %v", images)
	}

	for _, img := range images {
		if IsVideoFile(img) {
			t.Fatalf("%s taken for a video", img)
		}
	}
	if !IsVideoFile(filepath.Join(dir, "clip.MP4")) {
		t.Fatal("clip.MP4 not recognised as a video")
	}
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "pano.jpg")

	if err := WriteAtomic(path, func(w io.Writer) error {
		_, err := w.Write([]byte("pixels"))
		return err
	}); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "pixels" {
		t.Fatalf("read back %q, %v", data, err)
	}

	boom := errors.New("encode failed")
	err = WriteAtomic(filepath.Join(dir, "out", "broken.jpg"), func(w io.Writer) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected encode error, got %v", err)
	}
	entries, _ := os.ReadDir(filepath.Join(dir, "out"))
	if len(entries) != 1 {
		t.Fatalf("failed write left files behind: %v", entries)
	}
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "frames_out", "nested")
	if err := EnsureDir(dir); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("directory not created: %v", err)
	}
	if err := EnsureDir(""); err != nil {
		t.Fatalf("empty dir should be a no-op: %v", err)
	}
}
