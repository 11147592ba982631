package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kerpopule/terminal-tunnel/src/handler/proxy"
)

// PreviewHandler exposes the port proxy: prefixed /preview/{port} routes,
// the dev-server absolute prefixes, sibling websocket paths and the
// kill-port endpoint.
type PreviewHandler struct {
	*BaseHandler
	preview *proxy.Preview

	// ownPort is the daemon's listening port; kill-port refuses it.
	ownPort int
}

// NewPreviewHandler creates a new preview handler.
func NewPreviewHandler(preview *proxy.Preview, ownPort int) *PreviewHandler {
	return &PreviewHandler{
		BaseHandler: NewBaseHandler(),
		preview:     preview,
		ownPort:     ownPort,
	}
}

// HandlePrefixed handles any-method requests to /preview/:port/*path.
func (h *PreviewHandler) HandlePrefixed(c *gin.Context) {
	if c.Request.Method == http.MethodOptions {
		proxy.WriteCORSPreflight(c.Writer)
		c.Abort()
		return
	}

	port, err := strconv.Atoi(c.Param("port"))
	if err != nil || !proxy.ValidPort(port) {
		h.SendError(c, http.StatusBadRequest, fmt.Errorf("invalid preview port %q", c.Param("port")))
		return
	}

	// Every prefixed hit refreshes the port used for absolute-prefix
	// routing.
	h.preview.TouchPort(port)

	h.preview.ServePrefixed(c.Writer, c.Request, port, c.Param("path"))
}

// HandleAbsolute handles the dev-server absolute prefixes (/_next, /@vite,
// /@fs, /@id, /__vite, /__webpack_hmr, /node_modules/.vite).
func (h *PreviewHandler) HandleAbsolute(c *gin.Context) {
	if c.Request.Method == http.MethodOptions {
		proxy.WriteCORSPreflight(c.Writer)
		c.Abort()
		return
	}
	h.preview.ServeAbsolute(c.Writer, c.Request)
}

// HandleSibling handles /memory/* and /stream/* websocket upgrades, which
// forward to the fixed sibling service when one is configured.
func (h *PreviewHandler) HandleSibling(c *gin.Context) {
	h.preview.ServeSibling(c.Writer, c.Request)
}

// HandleKillPort handles POST requests to /api/kill-port/:port. The
// daemon's own port and privileged ports are refused.
func (h *PreviewHandler) HandleKillPort(c *gin.Context) {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil || !proxy.ValidPort(port) {
		h.SendError(c, http.StatusBadRequest, fmt.Errorf("invalid port %q", c.Param("port")))
		return
	}
	if port == h.ownPort {
		h.SendError(c, http.StatusForbidden, fmt.Errorf("refusing to kill the daemon's own port %d", port))
		return
	}
	if port < 1024 {
		h.SendError(c, http.StatusForbidden, fmt.Errorf("refusing to kill privileged port %d", port))
		return
	}

	killed, err := proxy.KillPort(port)
	if err != nil {
		h.SendError(c, http.StatusInternalServerError, err)
		return
	}
	if len(killed) == 0 {
		h.SendError(c, http.StatusNotFound, fmt.Errorf("no process listening on port %d", port))
		return
	}
	h.SendJSON(c, http.StatusOK, gin.H{
		"port":   port,
		"killed": killed,
	})
}
