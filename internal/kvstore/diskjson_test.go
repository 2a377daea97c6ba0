package kvstore

import (
	"os"
	"testing"
)

func TestJSONFileStoreWriteReadDelete(t *testing.T) {
	s, err := NewJSONFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Write("a/b:c", "value"); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, ok, err := s.Read("a/b:c")
	if err != nil || !ok || v != "value" {
		t.Fatalf("expected (value, true, nil), got (%q, %v, %v)", v, ok, err)
	}
	if err := s.Delete("a/b:c"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, _ = s.Read("a/b:c")
	if ok {
		t.Fatalf("expected key gone after delete")
	}
}

func TestJSONFileStoreCorruptRecordTreatedAsAbsent(t *testing.T) {
	dir := t.TempDir()
	s, err := NewJSONFileStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	path := s.keyPath("k")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("corrupt write: %v", err)
	}
	_, ok, err := s.Read("k")
	if err != nil {
		t.Fatalf("expected corrupt record to read as absent, not error: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for a corrupt record")
	}
}

func TestJSONFileStoreKeysSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewJSONFileStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	s.Write("good", "1")
	if err := os.WriteFile(s.keyPath("bad"), []byte("not json"), 0o644); err != nil {
		t.Fatalf("corrupt write: %v", err)
	}
	keys, err := s.Keys()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "good" {
		t.Fatalf("expected only the valid key, got %v", keys)
	}
}
