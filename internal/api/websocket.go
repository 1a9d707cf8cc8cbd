package api

import (
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"quantback/internal/backtest"
	"quantback/internal/logger"
	"quantback/internal/monitoring"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// WebSocketHandler streams backtest progress frames to clients.
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	service     *backtest.Service
	metrics     *monitoring.Metrics
	log         logger.Logger
	connections atomic.Int64
}

func NewWebSocketHandler(upgrader websocket.Upgrader, service *backtest.Service, metrics *monitoring.Metrics, log logger.Logger) *WebSocketHandler {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &WebSocketHandler{
		upgrader: upgrader,
		service:  service,
		metrics:  metrics,
		log:      log,
	}
}

// BacktestProgress upgrades the connection and forwards progress frames
// for the requested run until it completes or the client disconnects.
func (h *WebSocketHandler) BacktestProgress(c *gin.Context) {
	id := c.Param("id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "id", id, "error", err)
		return
	}
	defer conn.Close()

	h.metrics.SetWebsocketConnections(float64(h.connections.Add(1)))
	defer func() {
		h.metrics.SetWebsocketConnections(float64(h.connections.Add(-1)))
	}()

	// A finished run has no further progress: replay the terminal state.
	if result, ok := h.service.GetResult(id); ok {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		conn.WriteJSON(backtest.Progress{
			Date:    result.Config.EndDate,
			Percent: 100,
			Equity:  result.FinalValue,
			Done:    true,
		})
		return
	}

	frames, cancel := h.service.SubscribeProgress(id)
	defer cancel()

	// Reader goroutine drains client messages so close frames are seen.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				h.log.Debug("websocket write failed", "id", id, "error", err)
				return
			}
			if frame.Done {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
