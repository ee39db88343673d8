package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pulse-live/internal/events"
)

// client is one open socket. The write loop is the only writer of data
// frames; control frames use WriteControl, which gorilla allows concurrently.
type client struct {
	gateway *Gateway
	conn    *websocket.Conn
	handle  string
	userID  string
	logger  *slog.Logger

	send chan []byte
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

// enqueue never blocks. A full buffer counts as a failed delivery.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("send buffer full, dropping frame")
		return false
	}
}

func (c *client) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
		c.cancel()
	})
}

func (c *client) writeLoop() {
	g := c.gateway
	ticker := time.NewTicker(g.heartbeat)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(g.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(g.writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("ping failed", "error", err)
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			if c.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.writeTimeout))
			}
			return
		}
	}
}

func (c *client) readLoop() {
	g := c.gateway
	defer func() {
		c.shutdown(websocket.CloseNormalClosure, "")
		g.disconnect(c)
	}()

	pongWait := 2 * g.heartbeat
	c.conn.SetReadLimit(g.readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		g.registry.Touch(c.handle)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		g.registry.Touch(c.handle)
		if msgType != websocket.TextMessage {
			continue
		}
		c.process(data)
	}
}

// process decodes and dispatches one inbound frame. Commands from a channel
// run in arrival order.
func (c *client) process(data []byte) {
	in, err := events.DecodeInbound(data)
	if err != nil {
		c.sendError("", errMalformedFrame)
		return
	}
	result, err := c.gateway.dispatch(c, in)
	if err != nil {
		c.sendError(in.RequestID, err)
		return
	}
	if result.frameType == "" {
		return
	}
	frame, err := events.EncodeFrame(events.Frame{Type: result.frameType, RequestID: in.RequestID, Data: result.data})
	if err != nil {
		c.logger.Error("encode reply", "command", in.Type, "error", err)
		return
	}
	c.enqueue(frame)
}

func (c *client) sendError(requestID string, err error) {
	frame, encErr := errorFrame(requestID, err)
	if encErr != nil {
		c.logger.Error("encode error frame", "error", errors.Join(err, encErr))
		return
	}
	c.enqueue(frame)
}
