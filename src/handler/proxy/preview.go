// Package proxy forwards developer dev-servers through the daemon's
// origin: path-prefixed HTTP under /preview/{port}/, a fixed set of
// dev-server absolute prefixes resolved against the last active preview
// port, websocket tunnelling for both, and a kill-port escape hatch.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// upstreamTimeout bounds how long a proxied request may wait on the
	// dev-server before the client gets a 502.
	upstreamTimeout = 30 * time.Second
)

// DevServerPrefixes are the absolute paths dev-servers request without the
// /preview/{port} prefix. They are resolved to a port via the Referer
// header or the last active preview port.
var DevServerPrefixes = []string{
	"/_next",
	"/@vite",
	"/@fs",
	"/@id",
	"/__vite",
	"/__webpack_hmr",
	"/node_modules/.vite",
}

var previewRefererRe = regexp.MustCompile(`/preview/(\d+)/`)

// Preview proxies localhost dev-servers through the daemon origin. The
// last active preview port is process-wide state: set on any prefixed hit,
// HTTP or websocket, and never cleared until the daemon restarts.
type Preview struct {
	lastActivePort atomic.Int64

	// siblingPort is the fixed sibling service /memory and /stream
	// websocket upgrades forward to; zero means no sibling is configured.
	siblingPort int

	transport http.RoundTripper
}

// NewPreview creates the proxy core.
func NewPreview(siblingPort int) *Preview {
	return &Preview{
		siblingPort: siblingPort,
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: upstreamTimeout,
			}).DialContext,
			ResponseHeaderTimeout: upstreamTimeout,
		},
	}
}

// LastActivePort returns the most recently observed preview port, or zero
// if no preview has been requested since startup.
func (p *Preview) LastActivePort() int {
	return int(p.lastActivePort.Load())
}

// TouchPort records a preview port as the most recently active one.
func (p *Preview) TouchPort(port int) {
	p.lastActivePort.Store(int64(port))
}

// ValidPort reports whether a preview port is in the routable range.
func ValidPort(port int) bool {
	return port >= 1 && port <= 65535
}

// ServePrefixed forwards a /preview/{port}/... request to
// http://localhost:{port} with the prefix stripped. The caller has already
// validated the port and recorded it as active.
func (p *Preview) ServePrefixed(w http.ResponseWriter, r *http.Request, port int, rest string) {
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	if IsWebSocketUpgrade(r) {
		p.serveWebSocket(w, r, port, rest)
		return
	}
	p.forward(w, r, port, rest)
}

// ServeAbsolute forwards a dev-server absolute-prefix request. The port is
// taken from a /preview/{port}/ Referer first, then the last active
// preview port. With neither there is no preview to route to.
func (p *Preview) ServeAbsolute(w http.ResponseWriter, r *http.Request) {
	port := p.resolveAbsolutePort(r)
	if port == 0 {
		writeJSONError(w, http.StatusBadRequest, "No active preview")
		return
	}
	if IsWebSocketUpgrade(r) {
		p.serveWebSocket(w, r, port, r.URL.Path)
		return
	}
	p.forward(w, r, port, r.URL.Path)
}

// ServeSibling forwards a /memory or /stream websocket upgrade to the
// fixed sibling service. Anything else on those paths is rejected.
func (p *Preview) ServeSibling(w http.ResponseWriter, r *http.Request) {
	if p.siblingPort == 0 || !IsWebSocketUpgrade(r) {
		writeJSONError(w, http.StatusNotFound, "no sibling service")
		return
	}
	p.serveWebSocket(w, r, p.siblingPort, r.URL.Path)
}

func (p *Preview) resolveAbsolutePort(r *http.Request) int {
	if m := previewRefererRe.FindStringSubmatch(r.Header.Get("Referer")); m != nil {
		if port, err := strconv.Atoi(m[1]); err == nil && ValidPort(port) {
			return port
		}
	}
	return p.LastActivePort()
}

// forward runs one reverse-proxied request against localhost:port. Upstream
// refusal or timeout turns into a 502 naming the attempted target; the
// proxy never takes the daemon down.
func (p *Preview) forward(w http.ResponseWriter, r *http.Request, port int, path string) {
	target := fmt.Sprintf("localhost:%d", port)

	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = target
			req.URL.Path = path
			req.Host = target
		},
		Transport: p.transport,
		ModifyResponse: func(resp *http.Response) error {
			setCORSHeaders(resp.Header)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logrus.Warnf("Preview proxy to %s failed: %v", target, err)
			setCORSHeaders(w.Header())
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprintf(w, `{"error":"upstream unavailable","target":%q}`, target)
		},
	}

	// A cancelable context keeps ReverseProxy on its context path; on a
	// context without a Done channel it type-asserts the writer to
	// http.CloseNotifier, which not every ResponseWriter supports.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	rp.ServeHTTP(w, r.WithContext(ctx))
}

// IsWebSocketUpgrade reports whether a request asks for a websocket.
func IsWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func setCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
}

// WriteCORSPreflight answers an OPTIONS preflight with 204.
func WriteCORSPreflight(w http.ResponseWriter) {
	setCORSHeaders(w.Header())
	w.WriteHeader(http.StatusNoContent)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, msg)
}

// buildUpstreamURL forms the ws:// URL for a tunnelled upgrade.
func buildUpstreamURL(port int, path, rawQuery string) *url.URL {
	return &url.URL{
		Scheme:   "ws",
		Host:     fmt.Sprintf("localhost:%d", port),
		Path:     path,
		RawQuery: rawQuery,
	}
}
