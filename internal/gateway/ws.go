package gateway

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/nadzzz/showrunner/internal/events"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

// handleEvents streams a session's transitions over a WebSocket. The first
// frame is a snapshot; the stream ends after the terminal transition.
//
// @Summary     Stream session events
// @Tags        shows
// @Param       session_id  path  string  true  "Session ID"
// @Success     101  {object}  StreamMessage  "WebSocket stream of snapshot and transition frames"
// @Failure     404  {object}  ErrorResponse
// @Router      /api/v1/shows/{session_id}/events [get]
func (s *Server) handleEvents(c *gin.Context) {
	id := c.Param("session_id")

	// Subscribe before reading the snapshot so no transition falls between them.
	feed, unsubscribe := s.events.Subscribe(events.SessionTopic(id))
	defer unsubscribe()

	sess, err := s.sessions.Get(c.Request.Context(), id)
	if err != nil {
		s.storeError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("session_id", id).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Reader loop only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(msg StreamMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}

	view := newSessionView(sess)
	if err := write(StreamMessage{Type: "snapshot", Session: &view}); err != nil {
		return
	}
	if sess.Status.Terminal() {
		s.closeStream(conn)
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-feed:
			if !ok {
				s.closeStream(conn)
				return
			}
			// Events committed before the snapshot are already reflected in it.
			if !ev.At.After(sess.UpdatedAt) {
				continue
			}
			if err := write(StreamMessage{Type: "transition", Event: &ev}); err != nil {
				return
			}
			if ev.To.Terminal() {
				s.closeStream(conn)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (s *Server) closeStream(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
