package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/modelgate/modelgate/core/infra/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return isAllowedOrigin(r) },
}

const wsWriteTimeout = 10 * time.Second

// handleEvents streams task and batch lifecycle transitions to a websocket
// client until it disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if err := s.requireAdmin(p); err != nil {
		s.writeError(w, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("gateway", "ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()
	logging.Info("gateway", "ws connected", "remote", r.RemoteAddr, "identity", p.identity.ID)

	ch, cancel := s.hub.Subscribe()
	defer cancel()

	// Drain client frames so close/ping control messages are processed.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
