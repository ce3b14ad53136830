package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apex-control-plane/internal/db"
	"apex-control-plane/internal/routing"
	"apex-control-plane/internal/store"
)

func newTestLedger(t *testing.T) *routing.Ledger {
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

func TestFirstHostComponent(t *testing.T) {
	assert.Equal(t, "hello", firstHostComponent("hello.apex.example.com"))
	assert.Equal(t, "hello", firstHostComponent("hello.apex.example.com:8080"))
	assert.Equal(t, "", firstHostComponent("localhost"))
}

func TestServeHTTPReservedLabelHitsApexHandler(t *testing.T) {
	ledger := newTestLedger(t)
	called := false
	apex := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	p := New(ledger, apex)

	req := httptest.NewRequest(http.MethodGet, "http://www.apex.example.com/", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.True(t, called)
}

func TestServeHTTPUnknownSubdomainRendersNotFound(t *testing.T) {
	ledger := newTestLedger(t)
	p := New(ledger, nil)

	req := httptest.NewRequest(http.MethodGet, "http://ghost.apex.example.com/", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeHTTPNonActiveRendersStatusPage(t *testing.T) {
	ledger := newTestLedger(t)
	p := New(ledger, nil)

	ok, err := ledger.ClaimSubdomain(context.Background(), "hello", "dep-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, ledger.Put(context.Background(), &routing.Record{
		DeploymentID: "dep-1",
		Subdomain:    "hello",
		Status:       store.StatusBuilding,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}))

	req := httptest.NewRequest(http.MethodGet, "http://hello.apex.example.com/", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "refresh")
}

func TestServeHTTPFailedRendersErrorPage(t *testing.T) {
	ledger := newTestLedger(t)
	p := New(ledger, nil)

	ok, err := ledger.ClaimSubdomain(context.Background(), "broken", "dep-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, ledger.Put(context.Background(), &routing.Record{
		DeploymentID: "dep-2",
		Subdomain:    "broken",
		Status:       store.StatusFailed,
		Error:        "build failed",
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}))

	req := httptest.NewRequest(http.MethodGet, "http://broken.apex.example.com/", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServeHTTPActiveProxiesToOrigin(t *testing.T) {
	ledger := newTestLedger(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Powered-By", "leaky-framework")
		w.Write([]byte("hello from origin"))
	}))
	defer upstream.Close()

	p := New(ledger, nil)
	ok, err := ledger.ClaimSubdomain(context.Background(), "live", "dep-3")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, ledger.Put(context.Background(), &routing.Record{
		DeploymentID: "dep-3",
		Subdomain:    "live",
		Status:       store.StatusActive,
		Origin:       upstream.URL,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}))

	req := httptest.NewRequest(http.MethodGet, "http://live.apex.example.com/", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello from origin", rec.Body.String())
	assert.Empty(t, rec.Header().Get("X-Powered-By"))
}
