package auth

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
)

// CookieConfig holds the session cookie's fixed attributes (spec §4.1's
// "Session cookie" bullet: name fixed, httpOnly, secure, SameSite=Lax,
// path /, max-age = session duration).
type CookieConfig struct {
	Name     string
	Domain   string
	Path     string
	MaxAge   time.Duration
	Secure   bool
	HTTPOnly bool
	SameSite http.SameSite
}

// DefaultCookieConfig returns production-safe cookie defaults.
func DefaultCookieConfig() *CookieConfig {
	secure := os.Getenv("ENVIRONMENT") == "production"
	return &CookieConfig{
		Name:     "apex_session",
		Domain:   os.Getenv("COOKIE_DOMAIN"),
		Path:     "/",
		MaxAge:   SessionDuration,
		Secure:   secure,
		HTTPOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// SetSessionCookie writes the session id as an httpOnly cookie. A
// rotation calls this again with the new id, emitting a fresh cookie in
// the same response (spec §4.1).
func SetSessionCookie(c *gin.Context, sessionID string, cfg *CookieConfig) {
	if cfg == nil {
		cfg = DefaultCookieConfig()
	}
	c.SetSameSite(cfg.SameSite)
	c.SetCookie(cfg.Name, sessionID, int(cfg.MaxAge.Seconds()), cfg.Path, cfg.Domain, cfg.Secure, cfg.HTTPOnly)
}

// ClearSessionCookie removes the session cookie on logout.
func ClearSessionCookie(c *gin.Context, cfg *CookieConfig) {
	if cfg == nil {
		cfg = DefaultCookieConfig()
	}
	c.SetSameSite(cfg.SameSite)
	c.SetCookie(cfg.Name, "", -1, cfg.Path, cfg.Domain, cfg.Secure, cfg.HTTPOnly)
}

// GetSessionCookie reads the session id from the request cookie.
func GetSessionCookie(c *gin.Context) (string, error) {
	return c.Cookie(DefaultCookieConfig().Name)
}
