package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// SystemHandler handles system-level operations
type SystemHandler struct {
	*BaseHandler
}

// NewSystemHandler creates a new system handler
func NewSystemHandler() *SystemHandler {
	return &SystemHandler{
		BaseHandler: NewBaseHandler(),
	}
}

// HandleHealth handles GET requests to /health. Unauthenticated: tunnel
// clients probe it before logging in.
func (h *SystemHandler) HandleHealth(c *gin.Context) {
	h.SendJSON(c, http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}
