package wire

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Conn frames AgentMessage/ControllerCommand values as JSON text frames
// over a websocket connection. gorilla/websocket already delivers one
// frame per Read/WriteMessage call, so the "framed messages" of
// spec.md §6 fall directly out of the transport without an extra
// length-prefix layer.
type Conn struct {
	ws *websocket.Conn
}

func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// SendUpdate writes one AgentMessage frame (agent → parent direction).
func (c *Conn) SendUpdate(msg AgentMessage) error {
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("write agent message: %w", err)
	}
	return nil
}

// RecvUpdate reads one AgentMessage frame.
func (c *Conn) RecvUpdate() (AgentMessage, error) {
	var msg AgentMessage
	if err := c.ws.ReadJSON(&msg); err != nil {
		return AgentMessage{}, fmt.Errorf("read agent message: %w", err)
	}
	return msg, nil
}

// SendCommand writes one ControllerCommand frame (parent → agent
// direction).
func (c *Conn) SendCommand(cmd ControllerCommand) error {
	if err := c.ws.WriteJSON(cmd); err != nil {
		return fmt.Errorf("write controller command: %w", err)
	}
	return nil
}

// RecvCommand reads one ControllerCommand frame.
func (c *Conn) RecvCommand() (ControllerCommand, error) {
	var cmd ControllerCommand
	if err := c.ws.ReadJSON(&cmd); err != nil {
		return ControllerCommand{}, fmt.Errorf("read controller command: %w", err)
	}
	return cmd, nil
}

// SetReadDeadline forwards to the underlying connection; callers use it
// to detect a dead parent/child link without a dedicated heartbeat frame.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *Conn) Close() error {
	return c.ws.Close()
}
