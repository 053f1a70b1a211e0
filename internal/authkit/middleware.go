package authkit

import (
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/focusnook/pkg/session"
)

// UserIDContextKey is where RequireSession stores the authenticated user id.
const UserIDContextKey = "auth_user_id"

// RequireSession validates the session cookie and injects the user id.
func RequireSession(sessions *session.Manager) gin.HandlerFunc {
	return sessions.GinMiddleware(UserIDContextKey)
}

// UserIDFromContext returns the user id injected by RequireSession.
func UserIDFromContext(contextGin *gin.Context) (string, bool) {
	userID := contextGin.GetString(UserIDContextKey)
	return userID, userID != ""
}
