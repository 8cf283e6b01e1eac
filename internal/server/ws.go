package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// events handles GET /events, streaming job lifecycle events over a
// WebSocket until the peer disconnects.
func (h *handlers) events(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "index builds are not configured"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if h.m != nil {
		h.m.IncWSConnections()
		defer h.m.DecWSConnections()
	}

	events, cancel := h.jobs.Subscribe()
	defer cancel()

	welcome := map[string]interface{}{
		"type":      "connected",
		"message":   "streaming index job events",
		"timestamp": time.Now().Unix(),
	}
	if err := conn.WriteJSON(welcome); err != nil {
		return
	}

	// Inbound frames are discarded; the read pump exists to notice the
	// peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg := map[string]interface{}{
				"type":      "job",
				"event":     ev,
				"timestamp": time.Now().Unix(),
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
