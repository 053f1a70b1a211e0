package authkit

import (
	"context"
	"sync"
	"time"
)

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type fakeProvider struct {
	mutex         sync.Mutex
	exchangeGrant TokenGrant
	exchangeErr   error
	refreshGrants []TokenGrant
	refreshErr    error
	refreshCalls  []string
	profile       UserProfile
	profileErr    error
	lastRedirect  string
}

func (provider *fakeProvider) AuthCodeURL(state string, redirectURI string) string {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.lastRedirect = redirectURI
	return "https://accounts.example.com/o/oauth2/auth?state=" + state
}

func (provider *fakeProvider) Exchange(ctx context.Context, code string, redirectURI string) (TokenGrant, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.lastRedirect = redirectURI
	if provider.exchangeErr != nil {
		return TokenGrant{}, provider.exchangeErr
	}
	return provider.exchangeGrant, nil
}

func (provider *fakeProvider) Refresh(ctx context.Context, refreshToken string) (TokenGrant, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.refreshCalls = append(provider.refreshCalls, refreshToken)
	if provider.refreshErr != nil {
		return TokenGrant{}, provider.refreshErr
	}
	if len(provider.refreshGrants) == 0 {
		return TokenGrant{}, nil
	}
	grant := provider.refreshGrants[0]
	if len(provider.refreshGrants) > 1 {
		provider.refreshGrants = provider.refreshGrants[1:]
	}
	return grant, nil
}

func (provider *fakeProvider) UserInfo(ctx context.Context, accessToken string) (UserProfile, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	if provider.profileErr != nil {
		return UserProfile{}, provider.profileErr
	}
	return provider.profile, nil
}

func (provider *fakeProvider) refreshCount() int {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	return len(provider.refreshCalls)
}
