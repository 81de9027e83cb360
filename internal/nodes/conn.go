package nodes

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/pkg/models"
)

// FrameConn is one bidirectional frame stream. The websocket transport
// implements it in production; tests use in-memory pipes.
type FrameConn interface {
	ReadFrame() (*models.NodeMessage, error)
	WriteFrame(msg *models.NodeMessage) error
	Close() error
}

// wsFrameConn adapts a gorilla websocket connection. Writes are
// serialized; gorilla allows only one concurrent writer.
type wsFrameConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// NewWSFrameConn wraps a websocket connection as a FrameConn.
func NewWSFrameConn(ws *websocket.Conn) FrameConn {
	return &wsFrameConn{ws: ws}
}

func (c *wsFrameConn) ReadFrame() (*models.NodeMessage, error) {
	var msg models.NodeMessage
	if err := c.ws.ReadJSON(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *wsFrameConn) WriteFrame(msg *models.NodeMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(msg)
}

func (c *wsFrameConn) Close() error {
	return c.ws.Close()
}
