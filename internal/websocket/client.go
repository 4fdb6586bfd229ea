package websocket

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

// Client is one subscriber connection. It belongs to exactly one subject.
type Client struct {
	Conn    *websocket.Conn
	Send    chan []byte
	Subject string

	open atomic.Bool
	// sendClosed is guarded by the owning hub's mutex.
	sendClosed bool
}

func NewClient(conn *websocket.Conn, subject string) *Client {
	c := &Client{
		Conn:    conn,
		Send:    make(chan []byte, sendBuffer),
		Subject: subject,
	}
	c.open.Store(true)
	return c
}

// Open reports whether the connection is still usable. The hub skips and
// unregisters clients that are no longer open.
func (c *Client) Open() bool {
	return c.open.Load()
}

func (c *Client) markClosed() {
	c.open.Store(false)
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.markClosed()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump discards inbound frames and unsubscribes c from hub once the
// peer goes away.
func (c *Client) ReadPump(hub *Hub) {
	defer func() {
		c.markClosed()
		hub.Unsubscribe(c.Subject, c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			return
		}
	}
}
