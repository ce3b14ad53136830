// Session-based authentication middleware for Gin, generalized from the
// teacher's bearer-JWT RequireAuth/OptionalAuth/RequireRole shape onto
// spec §4.2's server-side session: the cookie carries only an opaque
// session id, validated against the relational store on every request.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"apex-control-plane/internal/auth"
	"apex-control-plane/internal/store"
)

// RequireSession validates the session cookie and loads its owner into
// the gin context. A session due for rotation (spec §4.2's rotation
// policy) is rotated transparently and the response carries a fresh
// cookie.
func RequireSession(sessions *auth.SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := auth.GetSessionCookie(c)
		if err != nil || sessionID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required", "code": "AUTH_REQUIRED"})
			c.Abort()
			return
		}

		session, user, err := sessions.Validate(c.Request.Context(), sessionID)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired session", "code": "SESSION_INVALID"})
			c.Abort()
			return
		}

		current, rotated, err := sessions.MaybeRotate(c.Request.Context(), session)
		if err != nil {
			auth.ClearSessionCookie(c, nil)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired, re-authentication required", "code": "SESSION_EXPIRED"})
			c.Abort()
			return
		}
		if rotated {
			auth.SetSessionCookie(c, current.SessionID, nil)
		}

		c.Set("user_id", user.ID)
		c.Set("user", user)
		c.Set("role", string(user.Role))
		c.Set("authenticated", true)

		c.Next()
	}
}

// RequireSuperAdmin rejects any caller whose role is not super_admin.
// Must run after RequireSession.
func RequireSuperAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := GetUserRole(c)
		if role != string(store.RoleSuperAdmin) {
			c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions", "code": "FORBIDDEN"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// OptionalSession validates the session cookie if present but never
// rejects the request, used by endpoints that behave differently for
// anonymous vs. authenticated callers (e.g. deployment create).
func OptionalSession(sessions *auth.SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := auth.GetSessionCookie(c)
		if err != nil || sessionID == "" {
			c.Next()
			return
		}

		session, user, err := sessions.Validate(c.Request.Context(), sessionID)
		if err != nil {
			c.Next()
			return
		}

		current, rotated, err := sessions.MaybeRotate(c.Request.Context(), session)
		if err != nil {
			c.Next()
			return
		}
		if rotated {
			auth.SetSessionCookie(c, current.SessionID, nil)
		}

		c.Set("user_id", user.ID)
		c.Set("user", user)
		c.Set("role", string(user.Role))
		c.Set("authenticated", true)
		c.Next()
	}
}

// GetUserID extracts the authenticated caller's id from context. Absent
// means anonymous, which callers treat as user_id == 0 per spec.
func GetUserID(c *gin.Context) (uint, bool) {
	v, exists := c.Get("user_id")
	if !exists {
		return 0, false
	}
	id, ok := v.(uint)
	return id, ok
}

func GetUserRole(c *gin.Context) (string, bool) {
	v, exists := c.Get("role")
	if !exists {
		return "", false
	}
	role, ok := v.(string)
	return role, ok
}

func IsAuthenticated(c *gin.Context) bool {
	v, exists := c.Get("authenticated")
	if !exists {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}
