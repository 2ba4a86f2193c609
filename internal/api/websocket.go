package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/mnemon/internal/session"
)

// Dispatcher accepts inbound messages. *session.Dispatcher implements it.
type Dispatcher interface {
	Submit(sessionID, text string, reply session.ReplyFunc) error
}

const (
	// wsWriteWait bounds a single frame write.
	wsWriteWait = 10 * time.Second
	// wsPongWait is how long the peer may stay silent before the
	// connection is considered dead.
	wsPongWait = 60 * time.Second
	// wsPingPeriod must be shorter than wsPongWait.
	wsPingPeriod = wsPongWait * 9 / 10
	// wsMaxMessage caps an inbound frame.
	wsMaxMessage = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsConn serializes writes; replies arrive from the session worker
// while the ping loop writes from its own goroutine.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(messageType, data)
}

// handleWebSocket runs one chat over a WebSocket. Each connection is a
// fresh session; text frames in are messages, text frames out are
// replies.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sessionID := "ws:" + uuid.NewString()
	logger := s.logger.With("session", sessionID, "remote", r.RemoteAddr)
	logger.Info("websocket connected")

	wc := &wsConn{conn: conn}
	conn.SetReadLimit(wsMaxMessage)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := wc.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("websocket read error", "error", err)
			}
			logger.Info("websocket disconnected")
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		err = s.dispatcher.Submit(sessionID, string(data), func(reply string) {
			if err := wc.write(websocket.TextMessage, []byte(reply)); err != nil {
				logger.Debug("websocket reply write failed", "error", err)
			}
		})
		if err != nil {
			logger.Error("websocket message not dispatched", "error", err)
			wc.write(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}
