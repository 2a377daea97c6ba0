package kvstore

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func startTestKVServer(t *testing.T, srv *Server) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	srv.Routes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func TestHTTPAdapterWriteReadDeleteRoundTrip(t *testing.T) {
	srv := NewServer(NewNativeAdapter(NewMemoryStore()))
	ts := startTestKVServer(t, srv)
	a := NewHTTPAdapter(ts.URL, 5*time.Second)

	if err := a.Write("k1", "v1"); err != nil {
		t.Fatalf("write: %v", err)
	}
	value, ok, err := a.Read("k1", false)
	if err != nil || !ok {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}
	if value != "v1" {
		t.Fatalf("expected v1, got %q", value)
	}

	if err := a.Delete("k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, err = a.Read("k1", false)
	if err != nil {
		t.Fatalf("read after delete: %v", err)
	}
	if ok {
		t.Fatalf("expected key gone after delete")
	}
}

func TestHTTPAdapterPushThenNext(t *testing.T) {
	srv := NewServer(NewNativeAdapter(NewMemoryStore()))
	ts := startTestKVServer(t, srv)
	a := NewHTTPAdapter(ts.URL, 5*time.Second)

	key, err := a.Push("queued")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if key == "" {
		t.Fatalf("expected a generated key")
	}

	gotKey, gotValue, ok, err := a.Next(true)
	if err != nil || !ok {
		t.Fatalf("next: ok=%v err=%v", ok, err)
	}
	if gotKey != key || gotValue != "queued" {
		t.Fatalf("expected (%s, queued), got (%s, %s)", key, gotKey, gotValue)
	}

	_, _, ok, err = a.Next(false)
	if err != nil {
		t.Fatalf("next after pop: %v", err)
	}
	if ok {
		t.Fatalf("expected the store to be empty after popping the only entry")
	}
}

func TestHTTPAdapterKeys(t *testing.T) {
	srv := NewServer(NewNativeAdapter(NewMemoryStore()))
	ts := startTestKVServer(t, srv)
	a := NewHTTPAdapter(ts.URL, 5*time.Second)

	a.Write("a", "1")
	a.Write("b", "2")

	keys, err := a.Keys()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
}

func TestHTTPAdapterReadMissingKeyReturnsNotOK(t *testing.T) {
	srv := NewServer(NewNativeAdapter(NewMemoryStore()))
	ts := startTestKVServer(t, srv)
	a := NewHTTPAdapter(ts.URL, 5*time.Second)

	_, ok, err := a.Read("absent", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for a missing key")
	}
}

func TestServerHandleReadReturns404ForMissingKey(t *testing.T) {
	srv := NewServer(NewNativeAdapter(NewMemoryStore()))
	ts := startTestKVServer(t, srv)

	resp, err := http.Get(ts.URL + "/db/absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
