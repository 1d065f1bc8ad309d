package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dexroute/swapd/pkg/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// handleOrderStream upgrades the connection and relays every published
// update for the order until the client goes away. Updates are live-only:
// a subscriber sees nothing that was published before it connected.
func (s *Server) handleOrderStream(c *gin.Context) {
	orderID := c.Param("orderID")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	defer conn.Close()

	updates, unsubscribe, err := s.notifier.SubscribeOrder(c.Request.Context(), orderID)
	if err != nil {
		s.logger.Error("order subscription failed", zap.String("order_id", orderID), zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription failed"),
			time.Now().Add(wsWriteTimeout))
		return
	}
	defer unsubscribe()

	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()

	ack := gin.H{
		"type":     "connected",
		"order_id": orderID,
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(ack); err != nil {
		return
	}

	// reader goroutine: the client sends nothing meaningful, but reading is
	// how close frames and connection loss are noticed
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(update); err != nil {
				s.logger.Debug("websocket write failed, dropping client",
					zap.String("order_id", orderID), zap.Error(err))
				return
			}
		case <-done:
			return
		}
	}
}
