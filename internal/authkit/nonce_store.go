package authkit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNonceNotFound indicates the OAuth state was not issued here or was already consumed.
	ErrNonceNotFound = errors.New("oauth_state.not_found")
	// ErrNonceExpired indicates the OAuth state outlived its TTL.
	ErrNonceExpired = errors.New("oauth_state.expired")
)

// NonceStore issues one-time OAuth state values.
type NonceStore interface {
	// Issue creates a new state value with the configured TTL.
	Issue(ctx context.Context) (string, error)
	// Consume validates and invalidates an issued state value.
	Consume(ctx context.Context, token string) error
}

type memoryNonceStore struct {
	mutex     sync.Mutex
	entries   map[string]time.Time
	ttl       time.Duration
	clock     Clock
	tokenSize int
}

// NewMemoryNonceStore constructs an in-memory NonceStore with the provided TTL.
func NewMemoryNonceStore(ttl time.Duration, clock Clock) NonceStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &memoryNonceStore{
		entries:   make(map[string]time.Time),
		ttl:       ttl,
		clock:     clock,
		tokenSize: 32,
	}
}

func (store *memoryNonceStore) Issue(ctx context.Context) (string, error) {
	token, err := store.randomToken()
	if err != nil {
		return "", err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[token] = store.clock.Now().Add(store.ttl)
	return token, nil
}

func (store *memoryNonceStore) Consume(ctx context.Context, token string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	defer store.purgeExpiredLocked()
	expiry, ok := store.entries[token]
	if !ok {
		return ErrNonceNotFound
	}
	delete(store.entries, token)
	if store.clock.Now().After(expiry) {
		return ErrNonceExpired
	}
	return nil
}

func (store *memoryNonceStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.clock.Now()
	for token, expiry := range store.entries {
		if now.After(expiry) {
			delete(store.entries, token)
		}
	}
}

func (store *memoryNonceStore) randomToken() (string, error) {
	buffer := make([]byte, store.tokenSize)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
