package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var (
	errMissingProvider  = errors.New("credentials.missing_provider")
	errMissingUserStore = errors.New("credentials.missing_user_store")
)

// CredentialManagerConfig wires a CredentialManager.
type CredentialManagerConfig struct {
	Provider OAuthProvider
	Users    UserStore
	Cache    *TokenCache
	Logger   *zap.Logger
	Metrics  MetricsRecorder
}

// CredentialManager exchanges authorization codes, runs refresh grants, and
// hands out cached access tokens per user.
type CredentialManager struct {
	provider OAuthProvider
	users    UserStore
	cache    *TokenCache
	logger   *zap.Logger
	metrics  MetricsRecorder
}

// NewCredentialManager validates the configuration and fills defaults.
func NewCredentialManager(configuration CredentialManagerConfig) (*CredentialManager, error) {
	if configuration.Provider == nil {
		return nil, fmt.Errorf("credentials.new: %w", errMissingProvider)
	}
	if configuration.Users == nil {
		return nil, fmt.Errorf("credentials.new: %w", errMissingUserStore)
	}
	cache := configuration.Cache
	if cache == nil {
		cache = NewTokenCache(nil, 0)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := configuration.Metrics
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	return &CredentialManager{
		provider: configuration.Provider,
		users:    configuration.Users,
		cache:    cache,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// ExchangeCode trades an authorization code for tokens.
func (manager *CredentialManager) ExchangeCode(ctx context.Context, code string, redirectURI string) (TokenGrant, error) {
	grant, err := manager.provider.Exchange(ctx, code, redirectURI)
	if err != nil {
		return TokenGrant{}, newTokenExchangeError(err)
	}
	return grant, nil
}

// Refresh runs the refresh-token grant.
func (manager *CredentialManager) Refresh(ctx context.Context, refreshToken string) (TokenGrant, error) {
	grant, err := manager.provider.Refresh(ctx, refreshToken)
	if err != nil {
		return TokenGrant{}, newRefreshError(err)
	}
	return grant, nil
}

// Prime caches the access token obtained during login.
func (manager *CredentialManager) Prime(userID string, grant TokenGrant) {
	if userID == "" || grant.AccessToken == "" {
		return
	}
	manager.cache.Put(userID, grant.AccessToken, grant.ExpiresIn)
}

// GetAccessToken returns a usable access token for the user, refreshing
// through the stored refresh token when the cache has none. Every path
// that needs the user to sign in again yields *AuthRequiredError.
func (manager *CredentialManager) GetAccessToken(ctx context.Context, userID string) (string, error) {
	if token, ok := manager.cache.Get(userID); ok {
		manager.metrics.Increment(MetricTokenCacheHit)
		return token, nil
	}

	record, lookupErr := manager.users.GetUser(ctx, userID)
	if errors.Is(lookupErr, ErrUserNotFound) {
		return "", &AuthRequiredError{UserID: userID, Reason: "no_user_record"}
	}
	if lookupErr != nil {
		return "", fmt.Errorf("credentials.get_access_token: %w", lookupErr)
	}
	if strings.TrimSpace(record.RefreshToken) == "" {
		return "", &AuthRequiredError{UserID: userID, Reason: "missing_refresh_token"}
	}

	grant, refreshErr := manager.Refresh(ctx, record.RefreshToken)
	if refreshErr != nil {
		manager.metrics.Increment(MetricRefreshFailed)
		manager.discardRevokedToken(ctx, userID, refreshErr)
		manager.logger.Warn("access token refresh failed",
			zap.String("code", "credentials.refresh.failed"),
			zap.String("user_id", userID),
			zap.Error(refreshErr))
		return "", &AuthRequiredError{UserID: userID, Reason: "refresh_failed", Err: refreshErr}
	}
	if grant.AccessToken == "" {
		return "", &AuthRequiredError{UserID: userID, Reason: "empty_access_token"}
	}
	if grant.RefreshToken != "" && grant.RefreshToken != record.RefreshToken {
		if err := manager.users.SetRefreshToken(ctx, userID, grant.RefreshToken); err != nil {
			manager.logger.Error("rotated refresh token not persisted",
				zap.String("code", "credentials.refresh.persist_failed"),
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}
	manager.cache.Put(userID, grant.AccessToken, grant.ExpiresIn)
	manager.metrics.Increment(MetricTokenRefreshed)
	return grant.AccessToken, nil
}

// Invalidate drops the cached access token for the user.
func (manager *CredentialManager) Invalidate(userID string) {
	manager.cache.Invalidate(userID)
}

func (manager *CredentialManager) discardRevokedToken(ctx context.Context, userID string, refreshErr error) {
	var typed *RefreshError
	if !errors.As(refreshErr, &typed) || !typed.Revoked {
		return
	}
	if err := manager.users.SetRefreshToken(ctx, userID, ""); err != nil {
		manager.logger.Error("revoked refresh token not cleared",
			zap.String("code", "credentials.refresh.clear_failed"),
			zap.String("user_id", userID),
			zap.Error(err))
	}
}
