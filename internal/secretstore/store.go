package secretstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"sync"
	"time"
)

// CredentialStore persists named secrets (bearer tokens for a remote
// controller, API keys for a job factory) encrypted at rest by a Manager's
// master key, with a short-lived in-memory cache to avoid re-decrypting on
// every call.
type CredentialStore struct {
	db  *sql.DB
	mgr *Manager
	ttl time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	val []byte
	exp time.Time
}

// NewCredentialStore returns a store using mgr for envelope encryption.
func NewCredentialStore(db *sql.DB, mgr *Manager) *CredentialStore {
	return &CredentialStore{db: db, mgr: mgr, ttl: 10 * time.Minute, cache: map[string]cacheEntry{}}
}

// Set stores a secret for the given name, encrypting it at rest.
func (s *CredentialStore) Set(ctx context.Context, name string, plaintext []byte) error {
	if name == "" {
		return sql.ErrNoRows
	}
	nonce, ct, err := s.mgr.Encrypt(plaintext)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO secrets(name, nonce, ciphertext) VALUES(?,?,?)
		ON CONFLICT(name) DO UPDATE SET nonce=excluded.nonce, ciphertext=excluded.ciphertext, updated_at=CURRENT_TIMESTAMP`,
		name, base64.StdEncoding.EncodeToString(nonce), base64.StdEncoding.EncodeToString(ct))
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
	return err
}

// Exists reports whether a secret with the given name is stored.
func (s *CredentialStore) Exists(ctx context.Context, name string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM secrets WHERE name=?`, name).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes a stored secret.
func (s *CredentialStore) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE name=?`, name)
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
	return err
}

// Get retrieves and decrypts the secret of the given name, returning
// (nil, nil) if it does not exist.
func (s *CredentialStore) Get(ctx context.Context, name string) ([]byte, error) {
	now := time.Now()
	s.mu.Lock()
	if e, ok := s.cache[name]; ok && now.Before(e.exp) {
		v := append([]byte(nil), e.val...)
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	var nonceB64, ctB64 string
	err := s.db.QueryRowContext(ctx, `SELECT nonce, ciphertext FROM secrets WHERE name=?`, name).Scan(&nonceB64, &ctB64)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, err
	}
	ct, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return nil, err
	}
	pt, err := s.mgr.Decrypt(nonce, ct)
	if err != nil {
		return nil, err
	}
	cached := append([]byte(nil), pt...)
	s.mu.Lock()
	s.cache[name] = cacheEntry{val: cached, exp: now.Add(s.ttl)}
	s.mu.Unlock()
	return append([]byte(nil), cached...), nil
}
