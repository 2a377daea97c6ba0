package kvstore

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// NativeAdapter wraps a Store behind a mutex, implementing Adapter directly
// against an in-process backend. It is designed to handle concurrent
// callers: every operation holds the adapter's lock for its duration, and
// Push retries key generation until it finds one unused in the backend.
type NativeAdapter struct {
	mu sync.Mutex
	db Store
}

// NewNativeAdapter wraps db in a NativeAdapter.
func NewNativeAdapter(db Store) *NativeAdapter {
	return &NativeAdapter{db: db}
}

func (a *NativeAdapter) Read(key string, pop bool) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	value, ok, err := a.db.Read(key)
	if err != nil || !ok {
		return value, ok, err
	}
	if pop {
		if err := a.db.Delete(key); err != nil {
			return value, ok, err
		}
	}
	return value, ok, nil
}

func (a *NativeAdapter) Write(key, value string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.db.Write(key, value)
}

// Push generates an unused key, writes value under it, and returns the key.
func (a *NativeAdapter) Push(value string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		key := uuid.NewString()
		_, ok, err := a.db.Read(key)
		if err != nil {
			return "", err
		}
		if ok {
			continue
		}
		if err := a.db.Write(key, value); err != nil {
			return "", err
		}
		return key, nil
	}
}

// Next returns the lexicographically first key present along with its
// value, for deterministic ordering across calls on the same backend
// snapshot. Returns ok=false if the store is empty.
func (a *NativeAdapter) Next(pop bool) (string, string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys, err := a.db.Keys()
	if err != nil {
		return "", "", false, err
	}
	if len(keys) == 0 {
		return "", "", false, nil
	}
	sort.Strings(keys)
	key := keys[0]
	value, ok, err := a.db.Read(key)
	if err != nil || !ok {
		return "", "", false, err
	}
	if pop {
		if err := a.db.Delete(key); err != nil {
			return "", "", false, err
		}
	}
	return key, value, true, nil
}

func (a *NativeAdapter) Delete(key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.db.Delete(key)
}

func (a *NativeAdapter) Keys() ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.db.Keys()
}
