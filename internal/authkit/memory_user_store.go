package authkit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryUserStore is an in-memory store intended for tests and dev.
type MemoryUserStore struct {
	mutex   sync.Mutex
	records map[string]UserRecord
	clock   Clock
}

// NewMemoryUserStore creates an empty in-memory user store.
func NewMemoryUserStore(clock Clock) *MemoryUserStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &MemoryUserStore{
		records: make(map[string]UserRecord),
		clock:   clock,
	}
}

// GetUser returns a copy of the stored record.
func (store *MemoryUserStore) GetUser(ctx context.Context, userID string) (*UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.records[userID]
	if !ok {
		return nil, fmt.Errorf("user_store.get.memory: %w", ErrUserNotFound)
	}
	return &record, nil
}

// SaveLogin upserts the record, keeping the stored refresh token when none is supplied.
func (store *MemoryUserStore) SaveLogin(ctx context.Context, profile UserProfile, refreshToken string) (*UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var existing *UserRecord
	if record, ok := store.records[profile.Subject]; ok {
		existing = &record
	}
	merged := mergeLogin(existing, profile, refreshToken, store.clock.Now())
	store.records[merged.UserID] = merged
	return &merged, nil
}

// SetRefreshToken replaces the stored refresh token.
func (store *MemoryUserStore) SetRefreshToken(ctx context.Context, userID string, refreshToken string) error {
	return store.update(userID, func(record *UserRecord) {
		record.RefreshToken = refreshToken
	})
}

// SetRemoteFileID records the remote file id.
func (store *MemoryUserStore) SetRemoteFileID(ctx context.Context, userID string, fileID string) error {
	return store.update(userID, func(record *UserRecord) {
		record.RemoteFileID = fileID
	})
}

func (store *MemoryUserStore) update(userID string, mutate func(record *UserRecord)) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.records[userID]
	if !ok {
		return fmt.Errorf("user_store.update.memory: %w", ErrUserNotFound)
	}
	mutate(&record)
	record.UpdatedAt = store.clock.Now()
	store.records[userID] = record
	return nil
}
