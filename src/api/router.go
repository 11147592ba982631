// Package api wires the HTTP surface: health, settings, tabs, the
// websocket transport and the preview port proxy.
package api

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/kerpopule/terminal-tunnel/src/handler"
	"github.com/kerpopule/terminal-tunnel/src/handler/proxy"
	"github.com/kerpopule/terminal-tunnel/src/handler/ws"
	"github.com/kerpopule/terminal-tunnel/src/store"
)

// Deps carries the long-lived collaborators the router mounts handlers
// over.
type Deps struct {
	Adapter   *ws.Adapter
	Preview   *proxy.Preview
	Tabs      *store.TabStore
	Settings  *store.SettingsStore
	Favorites *store.CollectionStore
	Commands  *store.CollectionStore
	OwnPort   int

	// DisableRequestLogging skips the logrus middleware, for tests.
	DisableRequestLogging bool
}

// SetupRouter configures all the routes for the daemon.
func SetupRouter(deps Deps) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(noCacheMiddleware())
	if !deps.DisableRequestLogging {
		r.Use(logrusMiddleware())
	}

	systemHandler := handler.NewSystemHandler()
	settingsHandler := handler.NewSettingsHandler(deps.Settings)
	tabsHandler := handler.NewTabsHandler(deps.Tabs, deps.Favorites, deps.Commands, deps.Adapter)
	socketHandler := handler.NewSocketHandler(deps.Adapter)
	previewHandler := handler.NewPreviewHandler(deps.Preview, deps.OwnPort)

	r.GET("/health", systemHandler.HandleHealth)

	r.GET("/api/pin-settings", settingsHandler.HandleGetPinSettings)
	r.PUT("/api/pin-settings", settingsHandler.HandlePutPinSettings)

	r.GET("/api/tabs", tabsHandler.HandleGetTabs)
	r.POST("/api/tabs", tabsHandler.HandleAddTab)
	r.PUT("/api/tabs/:id", tabsHandler.HandleRenameTab)
	r.DELETE("/api/tabs/:id", tabsHandler.HandleRemoveTab)

	r.GET("/api/favorites", tabsHandler.HandleGetFavorites)
	r.PUT("/api/favorites", tabsHandler.HandlePutFavorites)
	r.GET("/api/commands", tabsHandler.HandleGetCommands)
	r.PUT("/api/commands", tabsHandler.HandlePutCommands)

	r.POST("/api/kill-port/:port", previewHandler.HandleKillPort)

	r.GET("/ws", socketHandler.HandleWS)

	r.Any("/preview/:port/*path", previewHandler.HandlePrefixed)

	// Dev-server absolute prefixes are string prefixes of the raw path
	// (vite requests /__vite_ping, not /__vite/ping), so they route
	// through the no-route fallthrough rather than the route tree.
	r.NoRoute(func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, prefix := range proxy.DevServerPrefixes {
			if strings.HasPrefix(path, prefix) {
				previewHandler.HandleAbsolute(c)
				return
			}
		}
		if strings.HasPrefix(path, "/memory/") || strings.HasPrefix(path, "/stream/") {
			previewHandler.HandleSibling(c)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return r
}

// corsMiddleware adds CORS headers to all responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "*")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// noCacheMiddleware adds no-cache headers to all responses to prevent
// stale tab or settings reads through the tunnel
func noCacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Writer.Header().Set("Pragma", "no-cache")
		c.Writer.Header().Set("X-Content-Type-Options", "nosniff")

		c.Next()
	}
}

// sensitiveQueryParams contains query parameter names that should be redacted from logs
var sensitiveQueryParams = []string{
	"token", "access_token", "auth_token", "bearer",
	"password", "passwd", "pwd",
	"pin", "pinhash", "pin_hash",
	"secret", "key",
	"authorization", "auth",
	"session", "session_id", "sessionid",
}

// redactSecrets redacts sensitive information from a URL path with query string
func redactSecrets(pathWithQuery string) string {
	parts := strings.SplitN(pathWithQuery, "?", 2)
	if len(parts) != 2 {
		return pathWithQuery
	}

	basePath := parts[0]
	values, err := url.ParseQuery(parts[1])
	if err != nil {
		return redactQueryPatterns(pathWithQuery)
	}

	redacted := false
	for key := range values {
		for _, param := range sensitiveQueryParams {
			if strings.EqualFold(key, param) {
				values.Set(key, "[REDACTED]")
				redacted = true
				break
			}
		}
	}
	if !redacted {
		return pathWithQuery
	}
	return basePath + "?" + values.Encode()
}

// redactQueryPatterns redacts secrets using regex patterns when URL parsing fails
func redactQueryPatterns(pathWithQuery string) string {
	result := pathWithQuery
	for _, param := range sensitiveQueryParams {
		pattern := regexp.MustCompile(`(?i)(` + regexp.QuoteMeta(param) + `=)[^&\s]*`)
		result = pattern.ReplaceAllString(result, "${1}[REDACTED]")
	}
	return result
}

func logrusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// other handlers can change c.Path so:
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}
		sanitizedPath := redactSecrets(path)

		start := time.Now()
		c.Next()
		stop := time.Since(start)
		latency := int(math.Ceil(float64(stop.Nanoseconds()) / 1000000.0))
		statusCode := c.Writer.Status()
		dataLength := c.Writer.Size()
		if dataLength < 0 {
			dataLength = 0
		}

		if len(c.Errors) > 0 {
			logrus.Error(c.Errors.ByType(gin.ErrorTypePrivate).String())
			return
		}

		msg := fmt.Sprintf("%s %s %d %d %dms", c.Request.Method, sanitizedPath, statusCode, dataLength, latency)
		if statusCode >= http.StatusBadRequest {
			logrus.Error(msg)
		} else {
			logrus.Info(msg)
		}
	}
}
