package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"

	authpkg "apex-control-plane/internal/auth"
	"apex-control-plane/internal/quota"
	"apex-control-plane/internal/store"
)

// AuthHandler covers the federated-login lifecycle (spec §4.2): begin
// login, conclude login, report the current session, and log out.
type AuthHandler struct {
	identity *authpkg.IdentityService
	sessions *authpkg.SessionManager
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(identity *authpkg.IdentityService, sessions *authpkg.SessionManager) *AuthHandler {
	return &AuthHandler{identity: identity, sessions: sessions}
}

const oauthStateCookie = "apex_oauth_state"

// Login redirects to the named provider's consent screen. The provider
// is selected by the `provider` query parameter, defaulting to "google".
// POST /api/v1/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	name := c.DefaultQuery("provider", "google")
	provider, ok := h.identity.Provider(name)
	if !ok {
		apiError(c, http.StatusBadRequest, "VALIDATION_FAILED", "unknown login provider")
		return
	}

	state, err := randomState()
	if err != nil {
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to start login")
		return
	}
	c.SetCookie(oauthStateCookie, state, 600, "/", "", true, true)

	c.Redirect(http.StatusFound, provider.GetAuthURL(state))
}

// Callback exchanges the provider's authorization code, completes login,
// and sets the session cookie.
// GET /api/v1/auth/callback
func (h *AuthHandler) Callback(c *gin.Context) {
	name := c.DefaultQuery("provider", "google")
	provider, ok := h.identity.Provider(name)
	if !ok {
		apiError(c, http.StatusBadRequest, "VALIDATION_FAILED", "unknown login provider")
		return
	}

	expectedState, err := c.Cookie(oauthStateCookie)
	if err != nil || expectedState == "" || c.Query("state") != expectedState {
		apiError(c, http.StatusUnauthorized, "OAUTH_STATE_MISMATCH", "login state mismatch")
		return
	}
	c.SetCookie(oauthStateCookie, "", -1, "/", "", true, true)

	token, err := provider.ExchangeCode(c.Query("code"))
	if err != nil {
		apiError(c, http.StatusUnauthorized, "OAUTH_EXCHANGE_FAILED", "login code exchange failed")
		return
	}

	info, err := provider.GetUserInfo(token)
	if err != nil {
		apiError(c, http.StatusUnauthorized, "OAUTH_PROFILE_FAILED", "failed to load login profile")
		return
	}

	_, session, err := h.identity.CompleteLogin(c.Request.Context(), info)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to complete login")
		return
	}

	authpkg.SetSessionCookie(c, session.SessionID, nil)
	c.Redirect(http.StatusFound, "/")
}

// Me reports the authenticated caller's profile and effective quota.
// GET /api/v1/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	v, _ := c.Get("user")
	user, ok := v.(*store.User)
	if !ok {
		apiError(c, http.StatusUnauthorized, "AUTH_REQUIRED", "authentication required")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user": user,
		"quota": gin.H{
			"max_deployments": quota.EffectiveMax(user),
			"tier":            user.EffectiveTier(),
		},
	})
}

// Logout ends the current session.
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	sessionID, err := authpkg.GetSessionCookie(c)
	if err == nil && sessionID != "" {
		_ = h.sessions.Logout(c.Request.Context(), sessionID)
	}
	authpkg.ClearSessionCookie(c, nil)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
