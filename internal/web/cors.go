package web

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("cors: wildcard origin not allowed when credentials are enabled")
	errEmptyAllowedOrigins = errors.New("cors: no explicit origins provided")
	errInvalidOrigin       = errors.New("cors: invalid origin format")
)

// ConfigureCORS lets an app served from another origin call the auth and
// document endpoints with its session cookie.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins, err := sanitizeOrigins(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", RequestIDHeader},
		ExposeHeaders:    []string{RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}), nil
}

// sanitizeOrigins normalizes each configured origin to scheme://host and
// returns them sorted without duplicates. Entries may hold comma separated
// lists, as APP_CORS_ALLOWED_ORIGINS does.
func sanitizeOrigins(logger *zap.Logger, allowed []string) ([]string, error) {
	var origins []string
	for _, entry := range allowed {
		for _, candidate := range strings.Split(entry, ",") {
			candidate = strings.TrimSpace(candidate)
			if candidate == "" {
				continue
			}
			origin, err := normalizeOrigin(candidate)
			if err != nil {
				return nil, err
			}
			if strings.HasPrefix(origin, "http://") && !isDevelopmentHost(origin) {
				logger.Warn("plain http cors origin",
					zap.String("code", "cors.origin.insecure"),
					zap.String("origin", origin))
			}
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	slices.Sort(origins)
	return slices.Compact(origins), nil
}

func normalizeOrigin(candidate string) (string, error) {
	if candidate == "*" {
		return "", errWildcardOrigin
	}
	parsed, err := url.Parse(candidate)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("%w: %s", errInvalidOrigin, candidate)
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch {
	case scheme != "https" && scheme != "http":
		return "", fmt.Errorf("%w: %s uses unsupported scheme", errInvalidOrigin, candidate)
	case strings.Trim(parsed.Path, "/") != "":
		return "", fmt.Errorf("%w: %s contains path segment", errInvalidOrigin, candidate)
	case parsed.RawQuery != "" || parsed.Fragment != "" || parsed.User != nil:
		return "", fmt.Errorf("%w: %s carries more than scheme and host", errInvalidOrigin, candidate)
	}
	return scheme + "://" + strings.ToLower(parsed.Host), nil
}

func isDevelopmentHost(origin string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// CookieSameSite picks the SameSite mode for auth cookies. Cookies stay Lax
// unless the app runs on a different site and cross_site_cookies opts into None.
func CookieSameSite(crossSite bool) http.SameSite {
	if crossSite {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}
