package authkit

import (
	"sync"
	"time"
)

const (
	// AccessTokenExpiryMargin is subtracted from the provider lifetime so a
	// cached token is never handed out in its last minute.
	AccessTokenExpiryMargin = 60 * time.Second
	// DefaultAccessTokenLifetime applies when the provider omits expires_in.
	DefaultAccessTokenLifetime = time.Hour
	// DefaultTokenCacheSize bounds the number of cached users.
	DefaultTokenCacheSize = 10000
)

type cachedToken struct {
	token  string
	expiry time.Time
}

// TokenCache holds short-lived access tokens per user id.
type TokenCache struct {
	mutex      sync.Mutex
	entries    map[string]cachedToken
	clock      Clock
	maxEntries int
}

// NewTokenCache constructs a cache bounded to maxEntries users.
func NewTokenCache(clock Clock, maxEntries int) *TokenCache {
	if clock == nil {
		clock = NewSystemClock()
	}
	if maxEntries <= 0 {
		maxEntries = DefaultTokenCacheSize
	}
	return &TokenCache{
		entries:    make(map[string]cachedToken),
		clock:      clock,
		maxEntries: maxEntries,
	}
}

// Get returns the cached token while it is strictly before its expiry.
// Expired entries are dropped on read.
func (cache *TokenCache) Get(userID string) (string, bool) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	entry, ok := cache.entries[userID]
	if !ok {
		return "", false
	}
	if !cache.clock.Now().Before(entry.expiry) {
		delete(cache.entries, userID)
		return "", false
	}
	return entry.token, true
}

// Put caches token until now + max(0, expiresIn - AccessTokenExpiryMargin).
func (cache *TokenCache) Put(userID string, token string, expiresIn time.Duration) time.Time {
	if expiresIn <= 0 {
		expiresIn = DefaultAccessTokenLifetime
	}
	lifetime := expiresIn - AccessTokenExpiryMargin
	if lifetime < 0 {
		lifetime = 0
	}
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	now := cache.clock.Now()
	expiry := now.Add(lifetime)
	if _, exists := cache.entries[userID]; !exists && len(cache.entries) >= cache.maxEntries {
		cache.evictLocked(now)
	}
	cache.entries[userID] = cachedToken{token: token, expiry: expiry}
	return expiry
}

// Invalidate drops any cached token for the user.
func (cache *TokenCache) Invalidate(userID string) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	delete(cache.entries, userID)
}

// Len reports the number of cached entries, expired ones included.
func (cache *TokenCache) Len() int {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	return len(cache.entries)
}

func (cache *TokenCache) evictLocked(now time.Time) {
	for userID, entry := range cache.entries {
		if !now.Before(entry.expiry) {
			delete(cache.entries, userID)
		}
	}
	if len(cache.entries) < cache.maxEntries {
		return
	}
	var soonestID string
	var soonest time.Time
	for userID, entry := range cache.entries {
		if soonestID == "" || entry.expiry.Before(soonest) {
			soonestID = userID
			soonest = entry.expiry
		}
	}
	delete(cache.entries, soonestID)
}
