// internal/realtime/handler.go
package realtime

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/shieldchat/presence/internal/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins (CORS handled elsewhere)
	},
}

// IsUpgrade reports whether r asks for a WebSocket upgrade.
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// HandleWebSocket handles WebSocket upgrade requests
func (s *Service) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("realtime: upgrade failed", "error", err.Error())
		return
	}

	conn := s.hub.NewConn(ws)
	log.Debug("realtime: new connection", log.KeyConnID, conn.ID(), "remote", r.RemoteAddr)

	go conn.WritePump()
	go conn.ReadPump()
}
