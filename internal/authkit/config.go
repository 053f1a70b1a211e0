package authkit

import (
	"net/http"
	"time"
)

// ServerConfig configures the OAuth client, cookies, and TTLs.
type ServerConfig struct {
	GoogleClientID     string
	GoogleClientSecret string
	SessionSigningKey  []byte
	SessionCookieName  string
	StateCookieName    string
	SessionTTL         time.Duration
	StateTTL           time.Duration
	PublicBaseURL      string
	AppBaseURL         string
	CookieDomain       string
	SameSiteMode       http.SameSite
	AllowInsecureHTTP  bool
}
