package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/live"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sseHeartbeatComment = ": heartbeat\n\n"
	wsMaxMessageBytes   = 512
)

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The live feed is public and read-only.
	CheckOrigin: func(*http.Request) bool { return true },
}

type websocketFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// handleEventStream relays live events as Server-Sent Events until the client leaves.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	subscription := h.live.Attach(c.Request.Context())
	defer subscription.Close()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	controller := http.NewResponseController(c.Writer)
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-subscription.Done():
			return
		case event := <-subscription.Events():
			err := h.writeEventStream(c.Writer, controller, func(w io.Writer) error {
				return sse.Encode(w, sse.Event{Event: event.Topic, Data: event.Payload})
			})
			if err != nil {
				subscription.Fail(err)
				return
			}
		case <-heartbeat.C:
			err := h.writeEventStream(c.Writer, controller, func(w io.Writer) error {
				_, err := io.WriteString(w, sseHeartbeatComment)
				return err
			})
			if err != nil {
				subscription.Fail(err)
				return
			}
		}
	}
}

func (h *httpHandler) writeEventStream(writer gin.ResponseWriter, controller *http.ResponseController, write func(io.Writer) error) error {
	if err := controller.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if err := write(writer); err != nil {
		return err
	}
	writer.Flush()
	return nil
}

// handleWebSocket relays live events as JSON text frames with ping keepalive.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	conn, err := websocketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	subscription := h.live.Attach(ctx)
	defer subscription.Close()

	pongWait := 2 * h.heartbeat
	go h.readWebSocket(conn, pongWait, cancel)

	ping := time.NewTicker(h.heartbeat)
	defer ping.Stop()

	for {
		select {
		case <-subscription.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(h.writeTimeout))
			return
		case event := <-subscription.Events():
			if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
				subscription.Fail(err)
				return
			}
			if err := conn.WriteJSON(websocketFrame{Event: event.Topic, Data: event.Payload}); err != nil {
				subscription.Fail(err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				subscription.Fail(err)
				return
			}
		}
	}
}

// readWebSocket drains client frames so control messages are processed and
// cancels the subscription once the peer goes away.
func (h *httpHandler) readWebSocket(conn *websocket.Conn, pongWait time.Duration, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(wsMaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed", zap.Error(err))
			}
			return
		}
	}
}

var _ LiveChannel = (*live.Hub)(nil)
