package capture

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestDirSourceOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b_2.png", "a_1.jpg", "notes.txt", "c_3.JPEG"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.png"), 0o755); err != nil {
		t.Fatal(err)
	}

	src, err := NewDirSource(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	if src.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", src.Len())
	}

	var names []string
	for {
		f, err := src.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if string(f.Data) != f.Name {
			t.Errorf("frame %d data mismatch", f.Index)
		}
		names = append(names, f.Name)
	}
	want := []string{"a_1.jpg", "b_2.png", "c_3.JPEG"}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("order = %v, want %v", names, want)
			break
		}
	}
}

func TestFFmpegSourceSplitsStream(t *testing.T) {
	frame := func(b byte) []byte { return []byte{0xFF, 0xD8, b, b, 0xFF, 0xD9} }
	var stream bytes.Buffer
	stream.Write([]byte{0x00})
	stream.Write(frame(1))
	stream.Write(frame(2))
	stream.Write(frame(3))

	src := newFFmpegSource(nil, io.NopCloser(&stream), 2)
	defer src.Close()

	for i := 1; i <= 2; i++ {
		f, err := src.Next(context.Background())
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(f.Data, frame(byte(i))) || f.Index != i-1 {
			t.Errorf("frame %d = %X (index %d)", i, f.Data, f.Index)
		}
	}
	if _, err := src.Next(context.Background()); err != io.EOF {
		t.Errorf("expected io.EOF at limit, got %v", err)
	}
}

func TestLimit(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"1.png", "2.png", "3.png"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	ds, err := NewDirSource(dir)
	if err != nil {
		t.Fatal(err)
	}
	src := Limit(ds, 2)
	defer src.Close()

	n := 0
	for {
		_, err := src.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		n++
	}
	if n != 2 {
		t.Errorf("got %d frames, want 2", n)
	}
	if Limit(ds, 0) != Source(ds) {
		t.Error("a zero limit should return the source unchanged")
	}
}

func TestFileSourceRereads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.png")
	for i, content := range []string{"old", "new"} {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		src := &FileSource{Path: path, Index: i}
		task, err := src.Next(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if string(task.Data) != content || task.Index != i || task.Name != "frame.png" {
			t.Errorf("pass %d: got %+v", i, task)
		}
		if _, err := src.Next(context.Background()); err != io.EOF {
			t.Errorf("pass %d: expected io.EOF after one frame, got %v", i, err)
		}
	}
	if !IsImage("a.JPG") || IsImage("a.txt") {
		t.Error("IsImage misclassified an extension")
	}
}
