package api

import (
	"net/http"
	"sync"

	"podforge/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn serializes writes to one WebSocket. The hub and the heartbeat
// reply path both write, and gorilla connections allow one writer at a
// time.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) WriteJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

// serveWS upgrades the request and parks the connection in the hub. The
// read loop only answers heartbeats; all real traffic flows outward.
func (s *Server) serveWS(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user id"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.String("user_id", uid), zap.Error(err))
		return
	}

	wc := &wsConn{conn: conn}
	s.hub.Register(wc, uid)

	defer func() {
		s.hub.Unregister(wc)
		wc.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("WebSocket closed unexpectedly",
					zap.String("user_id", uid),
					zap.Error(err))
			}
			return
		}

		if string(message) == "ping" {
			if err := wc.WriteJSON(map[string]string{"type": "pong"}); err != nil {
				return
			}
		}
	}
}
