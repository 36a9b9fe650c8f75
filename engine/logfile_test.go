package engine

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestLogFileAppendRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.jsonl")
	f, err := OpenLogFile(path)
	if err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	defer f.Close()

	first := []byte(`{"a":1},`)
	second := []byte(`{"b":2},`)

	pos1, len1, err := f.Append(first)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if pos1 != 0 || len1 != len(first) {
		t.Errorf("first append: pos=%d len=%d, want 0 and %d", pos1, len1, len(first))
	}

	pos2, len2, err := f.Append(second)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	// Records are newline-framed on disk, so the second record starts one
	// byte past the first record's payload.
	if want := int64(len(first)) + 1; pos2 != want {
		t.Errorf("second append pos = %d, want %d", pos2, want)
	}
	if len2 != len(second) {
		t.Errorf("second append len = %d, want %d", len2, len(second))
	}

	got, err := f.ReadAt(pos1, len1)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, first) {
		t.Errorf("ReadAt = %q, want %q", got, first)
	}

	got, err = f.ReadAt(pos2, len2)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, second) {
		t.Errorf("ReadAt = %q, want %q", got, second)
	}
}

func TestLogFileReopenResumesAtEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.jsonl")

	f, err := OpenLogFile(path)
	if err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	if _, _, err := f.Append([]byte("hello")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err = OpenLogFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f.Close()

	pos, _, err := f.Append([]byte("world"))
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if want := int64(len("hello")) + 1; pos != want {
		t.Errorf("append after reopen pos = %d, want %d", pos, want)
	}
}

func TestLogFileRecordTooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.jsonl")
	f, err := OpenLogFile(path)
	if err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	defer f.Close()

	big := make([]byte, MaxRecordSize+1)
	if _, _, err := f.Append(big); err != ErrRecordTooLarge {
		t.Errorf("Append oversized record: err = %v, want ErrRecordTooLarge", err)
	}
}

func TestFilePoolEviction(t *testing.T) {
	dir := t.TempDir()
	pool := NewFilePool(2)
	defer pool.Close()

	paths := []string{
		filepath.Join(dir, "a.jsonl"),
		filepath.Join(dir, "b.jsonl"),
		filepath.Join(dir, "c.jsonl"),
	}
	for _, p := range paths {
		if _, err := pool.Get(p); err != nil {
			t.Fatalf("Get(%s): %v", p, err)
		}
	}

	if got := pool.Size(); got != 2 {
		t.Errorf("pool size = %d, want 2", got)
	}

	// The least recently used entry was evicted; its file must still be
	// reopenable and the data intact.
	f, err := pool.Get(paths[0])
	if err != nil {
		t.Fatalf("Get after eviction: %v", err)
	}
	if _, _, err := f.Append([]byte("x")); err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if _, err := os.Stat(paths[0]); err != nil {
		t.Fatalf("stat: %v", err)
	}
}
