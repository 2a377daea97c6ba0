package kvstore

import "testing"

func TestNativeAdapterPushThenNext(t *testing.T) {
	a := NewNativeAdapter(NewMemoryStore())

	key, err := a.Push("payload")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if key == "" {
		t.Fatalf("expected a non-empty generated key")
	}

	gotKey, value, ok, err := a.Next(false)
	if err != nil || !ok {
		t.Fatalf("next: ok=%v err=%v", ok, err)
	}
	if gotKey != key || value != "payload" {
		t.Fatalf("expected (%q, payload), got (%q, %q)", key, gotKey, value)
	}
}

func TestNativeAdapterNextPopRemovesEntry(t *testing.T) {
	a := NewNativeAdapter(NewMemoryStore())
	a.Push("first")

	_, _, ok, err := a.Next(true)
	if err != nil || !ok {
		t.Fatalf("next pop: ok=%v err=%v", ok, err)
	}

	_, _, ok, err = a.Next(false)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ok {
		t.Fatalf("expected store empty after popping its only entry")
	}
}

func TestNativeAdapterNextOnEmptyStore(t *testing.T) {
	a := NewNativeAdapter(NewMemoryStore())
	_, _, ok, err := a.Next(false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false on empty store")
	}
}

func TestNativeAdapterReadPop(t *testing.T) {
	a := NewNativeAdapter(NewMemoryStore())
	a.Write("k", "v")

	value, ok, err := a.Read("k", true)
	if err != nil || !ok || value != "v" {
		t.Fatalf("read pop: value=%q ok=%v err=%v", value, ok, err)
	}
	_, ok, _ = a.Read("k", false)
	if ok {
		t.Fatalf("expected key removed after pop read")
	}
}
