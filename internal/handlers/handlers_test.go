package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	authpkg "apex-control-plane/internal/auth"
	"apex-control-plane/internal/db"
	"apex-control-plane/internal/routing"
	"apex-control-plane/internal/store"
	"apex-control-plane/internal/subdomain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&store.User{}, &store.Session{}, &store.Deployment{}, &store.ReleaseAuditRecord{}))
	return gdb
}

func newTestRoutingLedger(t *testing.T) *routing.Ledger {
	t.Helper()
	mr := miniredis.RunT(t)
	host, portStr, _ := strings.Cut(mr.Addr(), ":")
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := db.DefaultRedisConfig()
	cfg.Host = host
	cfg.Port = port
	client, err := db.NewRedisClient(cfg)
	require.NoError(t, err)
	return routing.New(client)
}

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSubdomainCheckAvailable(t *testing.T) {
	gdb := newTestDB(t)
	ledger := newTestRoutingLedger(t)
	sub := subdomain.New(gdb, ledger)
	h := NewSubdomainHandler(sub)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/subdomain/check/brandnew", nil)
	c.Params = gin.Params{{Key: "label", Value: "brandnew"}}

	h.Check(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"available":true`)
}

func TestSubdomainCheckReserved(t *testing.T) {
	gdb := newTestDB(t)
	ledger := newTestRoutingLedger(t)
	sub := subdomain.New(gdb, ledger)
	h := NewSubdomainHandler(sub)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/subdomain/check/api", nil)
	c.Params = gin.Params{{Key: "label", Value: "api"}}

	h.Check(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"reason":"reserved"`)
}

func TestSubdomainReleaseRequiresAuth(t *testing.T) {
	gdb := newTestDB(t)
	ledger := newTestRoutingLedger(t)
	sub := subdomain.New(gdb, ledger)
	h := NewSubdomainHandler(sub)

	d := &store.Deployment{ID: "d1", UserID: 5, Subdomain: "someapp", Status: store.StatusActive}
	require.NoError(t, gdb.Create(d).Error)
	ok, err := ledger.ClaimSubdomain(context.Background(), "someapp", d.ID)
	require.NoError(t, err)
	require.True(t, ok)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/subdomain/release/someapp", nil)
	c.Params = gin.Params{{Key: "label", Value: "someapp"}}

	h.Release(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// fakeOAuthProvider is a minimal OAuthProvider double so the login/
// callback handlers can be exercised without reaching a real provider.
type fakeOAuthProvider struct {
	authURL string
	info    *authpkg.OAuthUserInfo
}

func (f *fakeOAuthProvider) GetAuthURL(state string) string { return f.authURL + "?state=" + state }
func (f *fakeOAuthProvider) ExchangeCode(code string) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "tok-" + code}, nil
}
func (f *fakeOAuthProvider) GetUserInfo(token *oauth2.Token) (*authpkg.OAuthUserInfo, error) {
	return f.info, nil
}

func newTestAuthHandler(t *testing.T) (*AuthHandler, *gorm.DB) {
	t.Helper()
	gdb := newTestDB(t)
	sessions := authpkg.NewSessionManager(gdb)
	oauth := authpkg.NewOAuthService()
	oauth.RegisterProvider("google", &fakeOAuthProvider{
		authURL: "https://accounts.example/auth",
		info:    &authpkg.OAuthUserInfo{ID: "1", Email: "dev@example.com", Name: "Dev"},
	})
	identity := authpkg.NewIdentityService(gdb, sessions, oauth)
	return NewAuthHandler(identity, sessions), gdb
}

func TestAuthLoginRedirectsAndSetsStateCookie(t *testing.T) {
	h, _ := newTestAuthHandler(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/auth/login", nil)

	h.Login(c)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Contains(t, w.Header().Get("Location"), "accounts.example")
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, oauthStateCookie, cookies[0].Name)
	assert.NotEmpty(t, cookies[0].Value)
}

func TestAuthCallbackRejectsStateMismatch(t *testing.T) {
	h, _ := newTestAuthHandler(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=abc&state=mismatched", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "expected"})
	c.Request = req

	h.Callback(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthCallbackCompletesLoginOnStateMatch(t *testing.T) {
	h, gdb := newTestAuthHandler(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=abc&state=expected", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "expected"})
	c.Request = req

	h.Callback(c)

	assert.Equal(t, http.StatusFound, w.Code)

	var u store.User
	require.NoError(t, gdb.Where("email = ?", "dev@example.com").First(&u).Error)
	assert.Equal(t, store.RoleUser, u.Role)

	var count int64
	gdb.Model(&store.Session{}).Where("user_id = ?", u.ID).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestAuthLogoutClearsSession(t *testing.T) {
	h, gdb := newTestAuthHandler(t)
	sessions := authpkg.NewSessionManager(gdb)
	u := &store.User{Email: "x@example.com", Role: store.RoleUser, Tier: store.TierFree, TierStatus: store.TierStatusActive}
	require.NoError(t, gdb.Create(u).Error)
	session, err := sessions.Create(context.Background(), u.ID)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: "apex_session", Value: session.SessionID})
	c.Request = req

	h.Logout(c)

	assert.Equal(t, http.StatusOK, w.Code)

	var count int64
	gdb.Model(&store.Session{}).Where("session_id = ?", session.SessionID).Count(&count)
	assert.Equal(t, int64(0), count)
}
