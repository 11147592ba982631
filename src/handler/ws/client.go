package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// sendQueueSize bounds the per-client outbound queue. A client that
	// cannot drain it loses frames rather than stalling session fanout.
	sendQueueSize = 256

	writeTimeout = 10 * time.Second
)

// Client is one connected viewer. All outbound frames pass through a
// single buffered channel drained by one writer goroutine, so delivery
// order per client matches enqueue order.
type Client struct {
	ID      string
	conn    *websocket.Conn
	adapter *Adapter

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn, adapter *Adapter) *Client {
	return &Client{
		ID:      id,
		conn:    conn,
		adapter: adapter,
		send:    make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
	}
}

// enqueue queues a marshaled frame for delivery. Full queue means the
// client is too slow; the frame is dropped with a warning.
func (c *Client) enqueue(frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		logrus.Warnf("Dropping frame for slow client %s", c.ID)
	}
}

// Emit marshals and queues one event for this client only.
func (c *Client) Emit(event string, payload any) {
	frame, err := marshalFrame(event, payload)
	if err != nil {
		logrus.Errorf("Marshal %s for client %s failed: %v", event, c.ID, err)
		return
	}
	c.enqueue(frame)
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writePump drains the send queue onto the socket.
func (c *Client) writePump() {
	defer c.close()
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump decodes inbound frames and dispatches them on the event tag.
// It returns when the connection drops; the adapter then detaches the
// client's terminals without killing any session.
func (c *Client) readPump() {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("readPump panic for client %s: %v", c.ID, r)
		}
		c.close()
		c.adapter.removeClient(c)
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.Debugf("Client %s read error: %v", c.ID, err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logrus.Warnf("Invalid frame from client %s: %v", c.ID, err)
			continue
		}
		c.adapter.dispatch(c, env)
	}
}
