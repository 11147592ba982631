package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/kerpopule/terminal-tunnel/src/handler/ws"
)

// SocketHandler upgrades /ws connections and hands them to the transport
// adapter.
type SocketHandler struct {
	*BaseHandler
	adapter  *ws.Adapter
	upgrader websocket.Upgrader
}

// NewSocketHandler creates a new socket handler around the adapter.
func NewSocketHandler(adapter *ws.Adapter) *SocketHandler {
	return &SocketHandler{
		BaseHandler: NewBaseHandler(),
		adapter:     adapter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // clients arrive via the external tunnel origin
			},
		},
	}
}

// HandleWS handles GET requests to /ws.
func (h *SocketHandler) HandleWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Errorf("Failed to upgrade WebSocket: %v", err)
		return
	}
	h.adapter.HandleConnection(conn)
}
