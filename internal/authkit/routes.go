package authkit

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/focusnook/pkg/session"
	"go.uber.org/zap"
)

// CallbackPath is where the provider redirects after consent.
const CallbackPath = "/auth/google/callback"

// AuthRoutes bundles the collaborators of the OAuth and session endpoints.
type AuthRoutes struct {
	Config      ServerConfig
	Sessions    *session.Manager
	Provider    OAuthProvider
	Credentials *CredentialManager
	Users       UserStore
	Nonces      NonceStore
	Logger      *zap.Logger
	Metrics     MetricsRecorder
}

// MountAuthRoutes registers /auth/google/start, /auth/google/callback,
// /auth/session, and /auth/logout.
func MountAuthRoutes(router gin.IRouter, routes AuthRoutes) {
	if routes.Logger == nil {
		routes.Logger = zap.NewNop()
	}
	if routes.Metrics == nil {
		routes.Metrics = NewCounterMetrics()
	}
	router.GET("/auth/google/start", routes.handleStart)
	router.GET(CallbackPath, routes.handleCallback)
	router.GET("/auth/session", routes.handleSession)
	router.POST("/auth/logout", routes.handleLogout)
}

func (routes AuthRoutes) handleStart(contextGin *gin.Context) {
	state, issueErr := routes.Nonces.Issue(contextGin)
	if issueErr != nil {
		routes.Logger.Error("oauth state issue failed", zap.String("code", "auth.start.state_failed"), zap.Error(issueErr))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "oauth_start_failed"})
		return
	}
	signedState, signErr := routes.Sessions.Sign(state)
	if signErr != nil {
		routes.Logger.Error("oauth state sign failed", zap.String("code", "auth.start.sign_failed"), zap.Error(signErr))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "oauth_start_failed"})
		return
	}
	routes.writeCookie(contextGin, routes.Config.StateCookieName, signedState, routes.Config.StateTTL)
	contextGin.Redirect(http.StatusFound, routes.Provider.AuthCodeURL(state, routes.callbackURL(contextGin.Request)))
}

func (routes AuthRoutes) handleCallback(contextGin *gin.Context) {
	stateCookie, _ := contextGin.Request.Cookie(routes.Config.StateCookieName)
	routes.clearCookie(contextGin, routes.Config.StateCookieName)

	state := contextGin.Query("state")
	if !routes.stateMatches(contextGin, stateCookie, state) {
		routes.Metrics.Increment(MetricLoginFailure)
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_oauth_state"})
		return
	}
	code := contextGin.Query("code")
	if strings.TrimSpace(code) == "" {
		routes.Metrics.Increment(MetricLoginFailure)
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_code"})
		return
	}

	grant, exchangeErr := routes.Credentials.ExchangeCode(contextGin, code, routes.callbackURL(contextGin.Request))
	if exchangeErr != nil {
		routes.failCallback(contextGin, "auth.callback.exchange_failed", exchangeErr)
		return
	}
	profile, profileErr := routes.Provider.UserInfo(contextGin, grant.AccessToken)
	if profileErr != nil {
		routes.failCallback(contextGin, "auth.callback.userinfo_failed", profileErr)
		return
	}

	if grant.RefreshToken == "" {
		existing, lookupErr := routes.Users.GetUser(contextGin, profile.Subject)
		if lookupErr != nil && !errors.Is(lookupErr, ErrUserNotFound) {
			routes.failCallback(contextGin, "auth.callback.lookup_failed", lookupErr)
			return
		}
		if existing == nil || existing.RefreshToken == "" {
			routes.Metrics.Increment(MetricLoginFailure)
			routes.Logger.Warn("login without refresh token",
				zap.String("code", "auth.callback.missing_refresh_token"),
				zap.String("user_id", profile.Subject))
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_refresh_token"})
			return
		}
	}

	record, saveErr := routes.Users.SaveLogin(contextGin, profile, grant.RefreshToken)
	if saveErr != nil {
		routes.failCallback(contextGin, "auth.callback.save_failed", saveErr)
		return
	}
	routes.Credentials.Prime(record.UserID, grant)

	credential, _, issueErr := routes.Sessions.Issue(record.UserID)
	if issueErr != nil {
		routes.failCallback(contextGin, "auth.callback.session_failed", issueErr)
		return
	}
	routes.writeCookie(contextGin, routes.Sessions.CookieName(), credential, routes.Sessions.TTL())
	routes.Metrics.Increment(MetricLoginSuccess)
	routes.Logger.Info("login completed", zap.String("code", "auth.callback.ok"), zap.String("user_id", record.UserID))
	contextGin.Redirect(http.StatusFound, routes.appURL(contextGin.Request))
}

func (routes AuthRoutes) stateMatches(contextGin *gin.Context, stateCookie *http.Cookie, state string) bool {
	if stateCookie == nil || stateCookie.Value == "" || state == "" {
		return false
	}
	cookieState, openErr := routes.Sessions.Open(stateCookie.Value)
	if openErr != nil {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(cookieState), []byte(state)) != 1 {
		return false
	}
	if consumeErr := routes.Nonces.Consume(contextGin, state); consumeErr != nil {
		routes.Logger.Warn("oauth state rejected", zap.String("code", "auth.callback.state_rejected"), zap.Error(consumeErr))
		return false
	}
	return true
}

func (routes AuthRoutes) failCallback(contextGin *gin.Context, code string, err error) {
	routes.Metrics.Increment(MetricLoginFailure)
	routes.Logger.Error("oauth callback failed", zap.String("code", code), zap.Error(err))
	contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "oauth_callback_failed"})
}

func (routes AuthRoutes) handleSession(contextGin *gin.Context) {
	claims, validateErr := routes.Sessions.ValidateRequest(contextGin.Request)
	if validateErr != nil {
		contextGin.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	record, lookupErr := routes.Users.GetUser(contextGin, claims.UserID)
	if lookupErr != nil {
		if !errors.Is(lookupErr, ErrUserNotFound) {
			routes.Logger.Error("session user lookup failed",
				zap.String("code", "auth.session.lookup_failed"),
				zap.String("user_id", claims.UserID),
				zap.Error(lookupErr))
		}
		contextGin.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"user": gin.H{
			"id":      record.UserID,
			"email":   record.Email,
			"name":    record.DisplayName,
			"picture": record.AvatarURL,
		},
	})
}

func (routes AuthRoutes) handleLogout(contextGin *gin.Context) {
	if claims, err := routes.Sessions.ValidateRequest(contextGin.Request); err == nil {
		routes.Credentials.Invalidate(claims.UserID)
	}
	routes.clearCookie(contextGin, routes.Sessions.CookieName())
	routes.Metrics.Increment(MetricLogout)
	contextGin.JSON(http.StatusOK, gin.H{"ok": true})
}

func (routes AuthRoutes) writeCookie(contextGin *gin.Context, name string, value string, ttl time.Duration) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   routes.Config.CookieDomain,
		MaxAge:   int(ttl.Seconds()),
		Expires:  time.Now().Add(ttl),
		Secure:   !routes.Config.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: routes.sameSite(),
	})
}

func (routes AuthRoutes) clearCookie(contextGin *gin.Context, name string) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   routes.Config.CookieDomain,
		MaxAge:   -1,
		Secure:   !routes.Config.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: routes.sameSite(),
	})
}

func (routes AuthRoutes) sameSite() http.SameSite {
	if routes.Config.SameSiteMode == 0 {
		return http.SameSiteLaxMode
	}
	return routes.Config.SameSiteMode
}

func (routes AuthRoutes) callbackURL(request *http.Request) string {
	return routes.baseURL(request) + CallbackPath
}

func (routes AuthRoutes) appURL(request *http.Request) string {
	if appBase := strings.TrimSpace(routes.Config.AppBaseURL); appBase != "" {
		return appBase
	}
	return routes.baseURL(request) + "/"
}

func (routes AuthRoutes) baseURL(request *http.Request) string {
	if publicBase := strings.TrimSpace(routes.Config.PublicBaseURL); publicBase != "" {
		return strings.TrimRight(publicBase, "/")
	}
	host := request.Host
	if forwardedHost := request.Header.Get("X-Forwarded-Host"); forwardedHost != "" {
		host = forwardedHost
	}
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s://%s", forwardedProto(request), host)
}

func forwardedProto(request *http.Request) string {
	if headerValue := request.Header.Get("X-Forwarded-Proto"); headerValue != "" {
		return strings.ToLower(strings.TrimSpace(strings.Split(headerValue, ",")[0]))
	}
	if request.TLS != nil {
		return "https"
	}
	forwarded := strings.ToLower(request.Header.Get("Forwarded"))
	if strings.Contains(forwarded, "proto=https") {
		return "https"
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr != nil {
		host = request.Host
	}
	if host == "localhost" || host == "127.0.0.1" {
		return "http"
	}
	return "https"
}
