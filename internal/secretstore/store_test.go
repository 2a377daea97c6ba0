package secretstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"orchestra/internal/controller"
)

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// openDB returns a database handle with the registry schema (app_settings,
// secrets) already migrated, the tables CredentialStore and Load depend on.
func openDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "controller.db")
	ctrl, err := controller.OpenSQLiteController(path, controller.Options{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open controller to run migrations: %v", err)
	}
	ctrl.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	m, err := New(key)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestCredentialStoreRoundTrip(t *testing.T) {
	db := openDB(t)
	store := NewCredentialStore(db, testManager(t))
	ctx := context.Background()

	if err := store.Set(ctx, "controller.bearer_token", []byte("s3cr3t")); err != nil {
		t.Fatalf("set: %v", err)
	}
	ok, err := store.Exists(ctx, "controller.bearer_token")
	if err != nil || !ok {
		t.Fatalf("exists: ok=%v err=%v", ok, err)
	}
	got, err := store.Get(ctx, "controller.bearer_token")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "s3cr3t" {
		t.Fatalf("expected 's3cr3t', got %q", got)
	}

	if err := store.Delete(ctx, "controller.bearer_token"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, err = store.Exists(ctx, "controller.bearer_token")
	if err != nil || ok {
		t.Fatalf("expected gone after delete: ok=%v err=%v", ok, err)
	}
}

func TestCredentialStoreGetMissingReturnsNilNil(t *testing.T) {
	db := openDB(t)
	store := NewCredentialStore(db, testManager(t))
	got, err := store.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for a missing secret, got %q", got)
	}
}

func TestCredentialStoreCachesUntilTTLExpires(t *testing.T) {
	db := openDB(t)
	store := NewCredentialStore(db, testManager(t))
	store.ttl = 20 * time.Millisecond
	ctx := context.Background()

	if err := store.Set(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := store.Get(ctx, "k"); err != nil {
		t.Fatalf("get: %v", err)
	}

	// overwrite the row directly, bypassing Set's cache invalidation, to
	// prove Get is serving the cached value rather than re-querying.
	nonce, ct, err := store.mgr.Encrypt([]byte("v2"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE secrets SET nonce=?, ciphertext=? WHERE name='k'`,
		b64(nonce), b64(ct)); err != nil {
		t.Fatalf("direct update: %v", err)
	}

	cached, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get cached: %v", err)
	}
	if string(cached) != "v1" {
		t.Fatalf("expected cached value 'v1', got %q", cached)
	}

	time.Sleep(30 * time.Millisecond)
	fresh, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if string(fresh) != "v2" {
		t.Fatalf("expected fresh value 'v2' after cache expiry, got %q", fresh)
	}
}
