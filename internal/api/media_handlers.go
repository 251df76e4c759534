package api

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// SessionFactory runs a call session over an accepted media-stream
// websocket and blocks until the session ends.
type SessionFactory func(conn *websocket.Conn) (run func(), err error)

// upgrader accepts the carrier's media-stream websocket. The carrier does
// not send an Origin header, so no origin check applies.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleMediaStream upgrades the carrier's media-stream connection and
// runs the call session on it. The handler blocks for the life of the
// call; chi serves each connection on its own goroutine.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("media stream upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	run, err := s.sessions(conn)
	if err != nil {
		s.logger.Error("session setup failed", "error", err)
		conn.Close()
		return
	}

	done := s.tracker.Add()
	defer done()
	run()
}
