package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kerpopule/terminal-tunnel/src/store"
)

// SettingsHandler serves the PIN and theme settings.
type SettingsHandler struct {
	*BaseHandler
	settings *store.SettingsStore
}

// NewSettingsHandler creates a new settings handler.
func NewSettingsHandler(settings *store.SettingsStore) *SettingsHandler {
	return &SettingsHandler{
		BaseHandler: NewBaseHandler(),
		settings:    settings,
	}
}

// HandleGetPinSettings handles GET requests to /api/pin-settings.
// Unauthenticated: tunnel clients need the PIN state before they can
// authenticate.
func (h *SettingsHandler) HandleGetPinSettings(c *gin.Context) {
	h.SendJSON(c, http.StatusOK, h.settings.Get())
}

// HandlePutPinSettings handles PUT requests to /api/pin-settings. Any
// subset of {pinEnabled, pinHash, themeName} may be supplied.
func (h *SettingsHandler) HandlePutPinSettings(c *gin.Context) {
	var patch store.PinSettingsPatch
	if err := h.BindJSON(c, &patch); err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}

	updated, err := h.settings.Update(patch)
	if err != nil {
		if errors.Is(err, store.ErrBadPinHash) {
			h.SendError(c, http.StatusBadRequest, err)
			return
		}
		h.SendError(c, http.StatusInternalServerError, err)
		return
	}
	h.SendJSON(c, http.StatusOK, updated)
}
