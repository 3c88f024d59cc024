package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"review-sentiment/internal/store"
)

const (
	streamReadLimit = 1 << 20
	streamIdle      = 2 * time.Minute
)

// wsClient wraps a websocket connection with write locking.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) writeJSON(payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(payload)
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		HandshakeTimeout:  5 * time.Second,
		EnableCompression: true,
		CheckOrigin: func(r *http.Request) bool {
			if len(s.allowedOrigins) == 0 {
				return true
			}
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			for _, allowed := range s.allowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			return false
		},
	}
}

// handlePredictStream answers every {"text": ...} frame with a prediction or
// error frame until the client disconnects.
func (s *Server) handlePredictStream(c *gin.Context) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Warn("upgrade websocket")
		return
	}
	client := &wsClient{conn: conn}
	remote := conn.RemoteAddr().String()
	logrus.WithField("remote", remote).Info("predict websocket connected")
	defer conn.Close()

	conn.SetReadLimit(streamReadLimit)
	for {
		conn.SetReadDeadline(time.Now().Add(streamIdle))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.WithField("remote", remote).Info("predict websocket closed")
			} else {
				logrus.WithError(err).Warn("predict websocket unexpected close")
			}
			return
		}

		event := s.streamEvent(data)
		if err := client.writeJSON(event); err != nil {
			logrus.WithError(err).WithField("remote", remote).Warn("write websocket frame")
			return
		}
	}
}

func (s *Server) streamEvent(data []byte) StreamEvent {
	now := time.Now().UTC()
	var req PredictRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return StreamEvent{Type: "error", Message: fmt.Sprintf("invalid frame: %v", err), Timestamp: now}
	}
	requestID := uuid.NewString()
	res, err := s.classify(requestID, store.SourceStream, req.Text)
	if err != nil {
		return StreamEvent{Type: "error", RequestID: requestID, Message: err.Error(), Timestamp: now}
	}
	return StreamEvent{
		Type:         "prediction",
		RequestID:    requestID,
		Label:        res.Label,
		Tokens:       res.Tokens,
		ProcessingMs: durationMillis(res.Duration),
		Timestamp:    now,
	}
}
