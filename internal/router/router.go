// Package router implements the host-and-path dispatch half of the
// Control-Plane Router (C13): spec §4.1's "single HTTP ingress
// dispatching on host and path". Grounded on the teacher's
// setupRoutes/cmd/main.go (one gin engine, grouped route registration)
// generalized with a host switch in front of it, since the teacher never
// needed to send any traffic anywhere but its own API.
package router

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"apex-control-plane/internal/proxy"
)

// HostRouter dispatches incoming requests: the apex, its www alias, the
// api subdomain, and loopback hosts (for local development) enter the
// gin API engine; every other host enters the wildcard proxy (C10).
type HostRouter struct {
	apex    string
	api     http.Handler
	wildcard *proxy.Proxy
}

// New constructs a HostRouter. apexDomain is the bare apex, e.g.
// "apex.run", with no scheme or port.
func New(apexDomain string, api http.Handler, wildcard *proxy.Proxy) *HostRouter {
	return &HostRouter{apex: apexDomain, api: api, wildcard: wildcard}
}

func (r *HostRouter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	host := req.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	if r.isAPIHost(host) {
		r.api.ServeHTTP(w, req)
		return
	}
	r.wildcard.ServeHTTP(w, req)
}

func (r *HostRouter) isAPIHost(host string) bool {
	switch host {
	case r.apex, "www." + r.apex, "api." + r.apex, "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
