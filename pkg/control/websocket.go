package control

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The surface is meant for a UI driver on the same host.
	CheckOrigin: func(*http.Request) bool { return true },
}

// A command sent by the UI driver over the socket.
type Command struct {
	Op    string `json:"op"`
	Muted bool   `json:"muted,omitempty"`
}

// Pushed to the UI driver: the latest snapshot, or the failure of a command.
type Event struct {
	Type     string        `json:"type"`
	Op       string        `json:"op,omitempty"`
	Snapshot *SnapshotView `json:"snapshot,omitempty"`
	Error    *ErrorView    `json:"error,omitempty"`
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("failed to upgrade websocket")
		return
	}

	logger := s.logger.WithField("remote_addr", r.RemoteAddr)
	logger.Info("UI driver connected")

	updates, stop := s.call.Watch()
	failures := make(chan Event, 8)
	done := make(chan struct{})
	written := make(chan struct{})

	// The only goroutine that writes to the connection.
	go func() {
		defer close(written)

		for {
			var event Event
			select {
			case <-done:
				return
			case snapshot, ok := <-updates:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "call closed"),
						time.Now().Add(writeTimeout))
					return
				}
				view := NewSnapshotView(snapshot)
				event = Event{Type: "snapshot", Snapshot: &view}
			case event = <-failures:
			}

			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(event); err != nil {
				logger.WithError(err).Debug("failed to push to the UI driver")
				return
			}
		}
	}()

	defer func() {
		stop()
		close(done)
		<-written
		conn.Close()
		logger.Info("UI driver disconnected")
	}()

	for {
		var command Command
		if err := conn.ReadJSON(&command); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithError(err).Warn("unexpected websocket close")
			}
			return
		}

		if err := s.execute(r.Context(), command.Op, command.Muted); err != nil {
			select {
			case failures <- Event{Type: "error", Op: command.Op, Error: NewErrorView(err)}:
			default:
				logger.WithError(err).Warn("dropped command failure")
			}
		}
	}
}
