package ws

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
)

type Connection struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan Message
	log  logr.Logger

	closeOnce sync.Once
}

func NewConnection(conn *websocket.Conn, hub *Hub, id string) *Connection {
	return &Connection{
		id:   id,
		conn: conn,
		hub:  hub,
		send: make(chan Message, connectionSendBufferSize),
		log:  hub.log.WithName("Connection").WithValues("connection", id),
	}
}

// CloseSend stops the write pump, which then closes the websocket.
func (c *Connection) CloseSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (c *Connection) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	for {
		var msg Message
		err := c.conn.ReadJSON(&msg)
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			c.log.Info("Unexpected close", "error", err.Error())
			break
		}
		if err != nil {
			break
		}
		c.hub.SendCommand(msg)
	}
}

func (c *Connection) WritePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for message := range c.send {
		if err := c.conn.WriteJSON(message); err != nil {
			c.log.Info("Write error", "error", err.Error())
			return
		}
	}
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		c.log.V(1).Info("Failed to send close message", "error", err.Error())
	}
}
