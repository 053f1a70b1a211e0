package authkit

import (
	"context"
	"time"
)

// UserRecord is the persisted per-user state: identity, the long-lived
// refresh token, and the cached id of the user's remote data file.
type UserRecord struct {
	UserID       string
	Email        string
	DisplayName  string
	AvatarURL    string
	RefreshToken string
	RemoteFileID string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UserStore persists user records. Records are never deleted.
type UserStore interface {
	// GetUser returns ErrUserNotFound when no record exists.
	GetUser(ctx context.Context, userID string) (*UserRecord, error)
	// SaveLogin creates or updates the record for profile.Subject. An empty
	// refreshToken keeps the stored one.
	SaveLogin(ctx context.Context, profile UserProfile, refreshToken string) (*UserRecord, error)
	// SetRefreshToken replaces the stored refresh token; empty clears it.
	SetRefreshToken(ctx context.Context, userID string, refreshToken string) error
	// SetRemoteFileID records the located remote file id.
	SetRemoteFileID(ctx context.Context, userID string, fileID string) error
}

func mergeLogin(existing *UserRecord, profile UserProfile, refreshToken string, now time.Time) UserRecord {
	merged := UserRecord{
		UserID:      profile.Subject,
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing != nil {
		merged.RefreshToken = existing.RefreshToken
		merged.RemoteFileID = existing.RemoteFileID
		merged.CreatedAt = existing.CreatedAt
	}
	if refreshToken != "" {
		merged.RefreshToken = refreshToken
	}
	return merged
}
