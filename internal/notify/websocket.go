package notify

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	remote string
}

// Handler upgrades requests to websocket connections that receive every
// broadcast event as a JSON text message
func (h *Hub) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// the agent only listens on a local address
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("Websocket upgrade failed", "error", err)
			return
		}

		c := &wsClient{
			conn:   conn,
			send:   make(chan []byte, sendBuffer),
			remote: r.RemoteAddr,
		}
		if !h.register(c) {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
			conn.Close()
			return
		}

		h.logger.Debug("Websocket client connected", "remote", c.remote)
		go h.writePump(c)
		go h.readPump(c)
	})
}

// readPump discards client messages; it exists to process control frames
// and notice disconnects
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
		h.logger.Debug("Websocket client disconnected", "remote", c.remote)
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("Websocket read error", "remote", c.remote, "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
