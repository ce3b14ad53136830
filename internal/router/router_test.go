package router

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apex-control-plane/internal/db"
	"apex-control-plane/internal/proxy"
	"apex-control-plane/internal/routing"
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

func TestHostRouterDispatchesAPIHosts(t *testing.T) {
	apiHit := false
	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiHit = true
		w.WriteHeader(http.StatusOK)
	})
	wildcard := proxy.New(nil, api)

	r := New("apex.run", api, wildcard)

	for _, host := range []string{"apex.run", "www.apex.run", "api.apex.run", "localhost", "localhost:8080"} {
		apiHit = false
		req := httptest.NewRequest(http.MethodGet, "http://"+host+"/health", nil)
		req.Host = host
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.True(t, apiHit, "expected host %q to dispatch to the API engine", host)
	}
}

func TestHostRouterDispatchesWildcardHosts(t *testing.T) {
	apiHit := false
	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiHit = true
	})

	ledger := newTestLedger(t)
	wildcard := proxy.New(ledger, api)

	r := New("apex.run", api, wildcard)

	req := httptest.NewRequest(http.MethodGet, "http://myapp.apex.run/", nil)
	req.Host = "myapp.apex.run"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.False(t, apiHit)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
