package session

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Manager.
type Config struct {
	SigningKey []byte
	CookieName string
	TTL        time.Duration
	Clock      Clock
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_user_id"

// DefaultCookieName is used when Config.CookieName is empty.
const DefaultCookieName = "focusnook_session"

// DefaultTTL is used when Config.TTL is zero.
const DefaultTTL = 30 * 24 * time.Hour

// Sentinel errors exposed by the manager.
var (
	ErrMissingSigningKey = errors.New("session.missing_signing_key")
	ErrInvalidTTL        = errors.New("session.invalid_ttl")
	ErrMissingUserID     = errors.New("session.missing_user_id")
	ErrMissingToken      = errors.New("session.missing_token")
	ErrMissingCookie     = errors.New("session.missing_cookie")
	ErrMalformed         = errors.New("session.malformed")
	ErrInvalidSignature  = errors.New("session.invalid_signature")
	ErrExpired           = errors.New("session.expired")
)

// Claims is the payload carried inside a session credential.
// Timestamps are unix milliseconds.
type Claims struct {
	UserID    string `json:"userId"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// GetUserID returns the user identifier from the session.
func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	return claims.UserID
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(claims.ExpiresAt).UTC()
}

// Manager issues and verifies signed session credentials of the form
// base64url(payload) "." base64url(HMAC-SHA256 signature).
type Manager struct {
	signingKey []byte
	cookieName string
	ttl        time.Duration
	clock      Clock
}

// New constructs a Manager after validating the supplied configuration.
func New(configuration Config) (*Manager, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("session.new: %w", ErrMissingSigningKey)
	}
	if configuration.TTL < 0 {
		return nil, fmt.Errorf("session.new: %w", ErrInvalidTTL)
	}
	cookieName := configuration.CookieName
	if strings.TrimSpace(cookieName) == "" {
		cookieName = DefaultCookieName
	}
	ttl := configuration.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Manager{
		signingKey: configuration.SigningKey,
		cookieName: cookieName,
		ttl:        ttl,
		clock:      clock,
	}, nil
}

// CookieName returns the cookie that carries the credential.
func (manager *Manager) CookieName() string {
	return manager.cookieName
}

// TTL returns the lifetime of issued credentials.
func (manager *Manager) TTL() time.Duration {
	return manager.ttl
}

// Issue creates a credential for the user valid for the configured TTL.
func (manager *Manager) Issue(userID string) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, fmt.Errorf("session.issue: %w", ErrMissingUserID)
	}
	issuedAt := manager.clock.Now()
	expiresAt := issuedAt.Add(manager.ttl)
	payload, marshalErr := json.Marshal(Claims{
		UserID:    userID,
		IssuedAt:  issuedAt.UnixMilli(),
		ExpiresAt: expiresAt.UnixMilli(),
	})
	if marshalErr != nil {
		return "", time.Time{}, fmt.Errorf("session.issue: %w", marshalErr)
	}
	credential, signErr := manager.Sign(base64.RawURLEncoding.EncodeToString(payload))
	if signErr != nil {
		return "", time.Time{}, fmt.Errorf("session.issue: %w", signErr)
	}
	return credential, expiresAt, nil
}

// Verify returns the user id carried by a valid credential. Any failure
// yields ok=false; use Inspect for the reason.
func (manager *Manager) Verify(credential string) (string, bool) {
	claims, err := manager.Inspect(credential)
	if err != nil {
		return "", false
	}
	return claims.UserID, true
}

// Inspect validates the credential and returns its claims.
func (manager *Manager) Inspect(credential string) (*Claims, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, fmt.Errorf("session.inspect: %w", ErrMissingToken)
	}
	encodedPayload, openErr := manager.Open(credential)
	if openErr != nil {
		return nil, fmt.Errorf("session.inspect: %w", openErr)
	}
	payload, decodeErr := base64.RawURLEncoding.DecodeString(encodedPayload)
	if decodeErr != nil {
		return nil, fmt.Errorf("session.inspect: %w", ErrMalformed)
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("session.inspect: %w", ErrMalformed)
	}
	if strings.TrimSpace(claims.UserID) == "" || claims.ExpiresAt == 0 {
		return nil, fmt.Errorf("session.inspect: %w", ErrMalformed)
	}
	if claims.ExpiresAt < manager.clock.Now().UnixMilli() {
		return nil, fmt.Errorf("session.inspect: %w", ErrExpired)
	}
	return &claims, nil
}

// Sign appends an HMAC-SHA256 signature to value. value must not contain ".".
func (manager *Manager) Sign(value string) (string, error) {
	if value == "" || strings.Contains(value, ".") {
		return "", fmt.Errorf("session.sign: %w", ErrMalformed)
	}
	signature, err := jwt.SigningMethodHS256.Sign(value, manager.signingKey)
	if err != nil {
		return "", fmt.Errorf("session.sign: %w", err)
	}
	return value + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}

// Open checks the signature produced by Sign in constant time and returns the value.
func (manager *Manager) Open(signed string) (string, error) {
	value, encodedSignature, found := strings.Cut(signed, ".")
	if !found || value == "" || encodedSignature == "" || strings.Contains(encodedSignature, ".") {
		return "", ErrMalformed
	}
	signature, decodeErr := base64.RawURLEncoding.DecodeString(encodedSignature)
	if decodeErr != nil {
		return "", ErrMalformed
	}
	if err := jwt.SigningMethodHS256.Verify(value, signature, manager.signingKey); err != nil {
		return "", ErrInvalidSignature
	}
	return value, nil
}

// ValidateRequest reads the configured cookie from the request and validates it.
func (manager *Manager) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("session.validate_request: %w", ErrMissingToken)
	}
	cookie, cookieErr := request.Cookie(manager.cookieName)
	if cookieErr != nil || cookie == nil || strings.TrimSpace(cookie.Value) == "" {
		return nil, fmt.Errorf("session.validate_request: %w", ErrMissingCookie)
	}
	return manager.Inspect(cookie.Value)
}

// GinMiddleware rejects requests without a valid session and stores the
// user id under contextKey.
func (manager *Manager) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := manager.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		contextGin.Set(contextKey, claims.UserID)
		contextGin.Next()
	}
}
