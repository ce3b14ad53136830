// Package proxy implements the Wildcard Proxy (C10): on every request to
// *.<apex>, resolve the subdomain to an origin via the routing ledger and
// reverse-proxy, or render a status page when the deployment is not yet
// live. Grounded on internal/hosting/proxy.go's HostingProxy
// (reverse-proxy-per-target construction, status-code-by-state dispatch,
// HTML status pages), re-targeted from a relational lookup-with-cache to
// the routing ledger as the single source of truth per spec §4.8.
package proxy

import (
	"fmt"
	"html"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"apex-control-plane/internal/logging"
	"apex-control-plane/internal/metrics"
	"apex-control-plane/internal/routing"
	"apex-control-plane/internal/store"
)

// hopByHopHeaders are stripped from both the forwarded request and the
// upstream response (spec §4.8 step 4).
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// Proxy resolves subdomain -> origin against the routing ledger and
// reverse-proxies live deployments.
type Proxy struct {
	ledger      *routing.Ledger
	apexHandler http.Handler // served for the reserved-set apex labels
}

// New constructs a Proxy. apexHandler serves requests for reserved labels
// (www, api, app, ...) — the control plane's own static site/API.
func New(ledger *routing.Ledger, apexHandler http.Handler) *Proxy {
	return &Proxy{ledger: ledger, apexHandler: apexHandler}
}

// ServeHTTP implements the full C10 algorithm.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	outcome := "apex"
	defer func() {
		metrics.RecordProxyRequest(outcome, time.Since(start))
	}()

	label := firstHostComponent(r.Host)
	if label == "" || store.IsReserved(label) {
		if p.apexHandler != nil {
			p.apexHandler.ServeHTTP(w, r)
			return
		}
		outcome = "not_found"
		renderNotFound(w)
		return
	}

	rec, ok, err := p.ledger.ResolveSubdomain(r.Context(), label)
	if err != nil {
		outcome = "lookup_error"
		logging.L().Error("proxy: resolve subdomain failed", zap.String("label", label), zap.Error(err))
		renderError(w, "Lookup failed, please retry.")
		return
	}
	if !ok {
		outcome = "not_found"
		renderNotFound(w)
		return
	}

	record, err := p.ledger.Get(r.Context(), rec)
	if err != nil {
		outcome = "lookup_error"
		logging.L().Error("proxy: load routing record failed", zap.String("deployment_id", rec), zap.Error(err))
		renderError(w, "Lookup failed, please retry.")
		return
	}
	if record == nil {
		outcome = "not_found"
		renderNotFound(w)
		return
	}

	if record.Status != store.StatusActive || record.Origin == "" {
		outcome = "pending"
		renderStatusPage(w, record)
		return
	}

	target, err := url.Parse(record.Origin)
	if err != nil {
		outcome = "misconfigured"
		logging.L().Error("proxy: malformed origin", zap.String("deployment_id", record.DeploymentID), zap.Error(err))
		renderError(w, "Deployment misconfigured.")
		return
	}

	outcome = "proxied"
	p.reverseProxy(target, record).ServeHTTP(w, r)
}

func (p *Proxy) reverseProxy(target *url.URL, record *routing.Record) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host

			stripHopByHop(req.Header)
			// The control plane's session cookie must never reach the
			// deployed service (spec design note: "strip Cookie on the
			// proxy path unless a future policy explicitly opts in").
			req.Header.Del("Cookie")
			req.Header.Set("X-Forwarded-Host", req.Host)
			req.Header.Set("X-Forwarded-Proto", "https")
			req.Header.Set("X-Real-IP", clientIP(req))
			req.Header.Set("X-Apex-Deployment-Id", record.DeploymentID)
		},
		ModifyResponse: func(resp *http.Response) error {
			stripHopByHop(resp.Header)
			resp.Header.Del("X-Powered-By")
			resp.Header.Del("Server")
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logging.L().Warn("proxy: upstream connection failed",
				zap.String("deployment_id", record.DeploymentID), zap.Error(err))
			w.Header().Set("Retry-After", "5")
			renderError(w, "Upstream unavailable, please retry.")
		},
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func firstHostComponent(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	first, _, ok := strings.Cut(host, ".")
	if !ok {
		return ""
	}
	return first
}

func renderStatusPage(w http.ResponseWriter, record *routing.Record) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	switch record.Status {
	case store.StatusFailed:
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, statusPage("Deployment failed", html.EscapeString(record.Error), false))
	case store.StatusExpired:
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, statusPage("Deployment expired", "This deployment has expired and is no longer available.", false))
	default:
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, statusPage("Deploying", fmt.Sprintf("Your deployment is %s. This page refreshes automatically.", record.Status), true))
	}
}

func renderNotFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprint(w, statusPage("Not found", "No deployment is registered at this address.", false))
}

func renderError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprint(w, statusPage("Unavailable", message, false))
}

func statusPage(title, message string, autoRefresh bool) string {
	refresh := ""
	if autoRefresh {
		refresh = `<meta http-equiv="refresh" content="5">`
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>%s</title>%s</head>
<body>
<h1>%s</h1>
<p>%s</p>
</body>
</html>`, html.EscapeString(title), refresh, html.EscapeString(title), message)
}
