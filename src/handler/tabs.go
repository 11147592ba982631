package handler

import (
	encjson "encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kerpopule/terminal-tunnel/src/store"
)

// Syncer is the slice of the transport the HTTP handlers push through:
// every successful mutation is re-broadcast to connected clients.
type Syncer interface {
	BroadcastTabs()
	BroadcastFavorites()
	BroadcastCommands()
}

// TabsHandler serves the tab index plus the favorites and commands
// collections. All endpoints are thin reflect-and-broadcast shims over the
// stores.
type TabsHandler struct {
	*BaseHandler
	tabs      *store.TabStore
	favorites *store.CollectionStore
	commands  *store.CollectionStore
	syncer    Syncer
}

// NewTabsHandler creates a new tabs handler.
func NewTabsHandler(tabs *store.TabStore, favorites, commands *store.CollectionStore, syncer Syncer) *TabsHandler {
	return &TabsHandler{
		BaseHandler: NewBaseHandler(),
		tabs:        tabs,
		favorites:   favorites,
		commands:    commands,
		syncer:      syncer,
	}
}

// tabRequest covers the tab mutation bodies.
type tabRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SessionID string `json:"sessionId"`
}

// HandleGetTabs handles GET requests to /api/tabs.
func (h *TabsHandler) HandleGetTabs(c *gin.Context) {
	h.SendJSON(c, http.StatusOK, h.tabs.Get())
}

// HandleAddTab handles POST requests to /api/tabs.
func (h *TabsHandler) HandleAddTab(c *gin.Context) {
	var req tabRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	file, err := h.tabs.Add(req.ID, req.Name)
	if err != nil {
		h.sendTabError(c, err)
		return
	}
	h.syncer.BroadcastTabs()
	h.SendJSON(c, http.StatusOK, file)
}

// HandleRenameTab handles PUT requests to /api/tabs/:id.
func (h *TabsHandler) HandleRenameTab(c *gin.Context) {
	id, err := h.GetPathParam(c, "id")
	if err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	var req tabRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	file, err := h.tabs.Rename(id, req.Name)
	if err != nil {
		h.sendTabError(c, err)
		return
	}
	h.syncer.BroadcastTabs()
	h.SendJSON(c, http.StatusOK, file)
}

// HandleRemoveTab handles DELETE requests to /api/tabs/:id.
func (h *TabsHandler) HandleRemoveTab(c *gin.Context) {
	id, err := h.GetPathParam(c, "id")
	if err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	file, err := h.tabs.Remove(id)
	if err != nil {
		h.sendTabError(c, err)
		return
	}
	h.syncer.BroadcastTabs()
	h.SendJSON(c, http.StatusOK, file)
}

func (h *TabsHandler) sendTabError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrTabNotFound):
		h.SendError(c, http.StatusNotFound, err)
	case errors.Is(err, store.ErrMaxTabs), errors.Is(err, store.ErrNameTaken):
		h.SendError(c, http.StatusConflict, err)
	default:
		h.SendError(c, http.StatusInternalServerError, err)
	}
}

// itemsRequest covers the favorites and commands bodies.
type itemsRequest struct {
	Items []encjson.RawMessage `json:"items"`
}

// HandleGetFavorites handles GET requests to /api/favorites.
func (h *TabsHandler) HandleGetFavorites(c *gin.Context) {
	h.SendJSON(c, http.StatusOK, h.favorites.Get())
}

// HandlePutFavorites handles PUT requests to /api/favorites.
func (h *TabsHandler) HandlePutFavorites(c *gin.Context) {
	var req itemsRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	file, err := h.favorites.SetItems(req.Items)
	if err != nil {
		h.SendError(c, http.StatusInternalServerError, err)
		return
	}
	h.syncer.BroadcastFavorites()
	h.SendJSON(c, http.StatusOK, file)
}

// HandleGetCommands handles GET requests to /api/commands.
func (h *TabsHandler) HandleGetCommands(c *gin.Context) {
	h.SendJSON(c, http.StatusOK, h.commands.Get())
}

// HandlePutCommands handles PUT requests to /api/commands.
func (h *TabsHandler) HandlePutCommands(c *gin.Context) {
	var req itemsRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	file, err := h.commands.SetItems(req.Items)
	if err != nil {
		h.SendError(c, http.StatusInternalServerError, err)
		return
	}
	h.syncer.BroadcastCommands()
	h.SendJSON(c, http.StatusOK, file)
}
