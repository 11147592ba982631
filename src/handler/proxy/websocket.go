package proxy

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // same CORS posture as the HTTP side
	},
}

var wsDialer = &websocket.Dialer{
	HandshakeTimeout: 10 * time.Second,
}

// hopHeaders never cross the tunnel; gorilla sets its own handshake set.
var hopHeaders = map[string]struct{}{
	"Upgrade":                  {},
	"Connection":               {},
	"Sec-Websocket-Key":        {},
	"Sec-Websocket-Version":    {},
	"Sec-Websocket-Extensions": {},
	"Sec-Websocket-Protocol":   {},
}

// serveWebSocket tunnels a websocket upgrade to localhost:port, copying
// frames in both directions until either side closes.
func (p *Preview) serveWebSocket(w http.ResponseWriter, r *http.Request, port int, path string) {
	upstreamURL := buildUpstreamURL(port, path, r.URL.RawQuery)

	header := http.Header{}
	for k, vs := range r.Header {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		if strings.EqualFold(k, "Host") {
			continue
		}
		header[k] = vs
	}

	upstream, resp, err := wsDialer.Dial(upstreamURL.String(), header)
	if err != nil {
		logrus.Warnf("WebSocket dial to %s failed: %v", upstreamURL.Host, err)
		if resp != nil {
			_ = resp.Body.Close()
		}
		writeJSONError(w, http.StatusBadGateway, "upstream unavailable: "+upstreamURL.Host)
		return
	}
	defer upstream.Close()

	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Warnf("WebSocket upgrade failed: %v", err)
		return
	}
	defer client.Close()

	errCh := make(chan error, 2)
	go pumpFrames(client, upstream, errCh)
	go pumpFrames(upstream, client, errCh)
	<-errCh
}

// pumpFrames copies websocket messages from src to dst, preserving the
// message type so binary frames survive.
func pumpFrames(dst, src *websocket.Conn, errCh chan<- error) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			errCh <- err
			return
		}
	}
}
