package audiocache

import (
	"os"
	"testing"
)

func TestPutAndGet(t *testing.T) {
	cache, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	path, err := cache.Put("m1", []byte("audio-bytes"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read cached file: %v", err)
	}
	if string(data) != "audio-bytes" {
		t.Fatalf("unexpected cached content %q", data)
	}

	got, ok := cache.Get("m1")
	if !ok || got != path {
		t.Fatalf("expected cached path %q, got %q ok=%v", path, got, ok)
	}
}

func TestPutIsMonotonic(t *testing.T) {
	cache, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	first, err := cache.Put("m1", []byte("first"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	second, err := cache.Put("m1", []byte("second"))
	if err != nil {
		t.Fatalf("put again: %v", err)
	}
	if first != second {
		t.Fatalf("expected same path for repeated put, got %q and %q", first, second)
	}
	data, _ := os.ReadFile(first)
	if string(data) != "first" {
		t.Fatalf("cached content must not be overwritten, got %q", data)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected single entry, got %d", cache.Len())
	}
}

func TestClearRemovesFiles(t *testing.T) {
	cache, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	path, err := cache.Put("m1", []byte("x"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	cache.Clear()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected cached file removed, stat err=%v", err)
	}
	if _, ok := cache.Get("m1"); ok {
		t.Fatal("expected empty cache after clear")
	}
}
