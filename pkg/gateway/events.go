package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/ikki-wiki/telescope-control-platform/pkg/mount"
)

const (
	shutdownTimeout = 5 * time.Second
	writeWait       = 10 * time.Second
	eventBuffer     = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams vector updates as JSON text messages until the client
// goes away.
func (s *Server) handleEvents(c echo.Context) error {
	watcher, ok := s.telescope.(Watcher)
	if !ok {
		return respondError(c, mount.ErrNotImplemented)
	}
	updates, cancel, err := watcher.Watch(eventBuffer)
	if err != nil {
		return respondError(c, err)
	}
	defer cancel()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Errorf("Error upgrading to websocket: %v", err)
		return nil
	}
	defer conn.Close()

	logger := s.logger.WithField("remote", c.RealIP())
	logger.Debug("Event stream opened")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					logger.Debugf("Event stream closed: %v", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return nil
		case v, ok := <-updates:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "mount disconnected"),
					time.Now().Add(writeWait))
				return nil
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(v); err != nil {
				logger.Debugf("Error writing event: %v", err)
				return nil
			}
		}
	}
}
