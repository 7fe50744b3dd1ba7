package hub

import (
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024 * 1024
)

// frame is one outbound websocket message. Binary frames carry the opaque
// replicated-text protocol and are never decoded.
type frame struct {
	kind int // websocket.TextMessage or websocket.BinaryMessage
	data []byte
}

// connection is one live websocket participant in a room.
type connection struct {
	id   string
	ws   *websocket.Conn
	send chan frame
	hub  *roomHub
}

// readPump forwards every inbound frame to the room sequencer. It owns
// the read side of the socket.
func (c *connection) readPump() {
	defer c.hub.unregister(c)
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("hub: connection %s read error: %v", c.id, err)
			}
			return
		}
		switch kind {
		case websocket.TextMessage, websocket.BinaryMessage:
			c.hub.inbound <- inboundFrame{conn: c, frame: frame{kind: kind, data: data}}
		}
	}
}

// writePump drains the send channel onto the socket. It owns the write
// side of the socket.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(f.kind, f.data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue drops the frame if the connection's buffer is full; a stalled
// client recovers via the fresh sync it receives on reconnect.
func (c *connection) enqueue(f frame) {
	select {
	case c.send <- f:
	default:
		log.Printf("hub: connection %s send buffer full, dropping frame", c.id)
	}
}
