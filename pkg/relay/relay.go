// Package relay implements the signaling relay: it pairs anonymous clients
// into rooms and forwards opaque negotiation envelopes between them. The
// relay owns no negotiation semantics, only room membership and fan-out.
// All state is in-memory; restarting the process loses every room, and
// clients are expected to reconnect and rejoin rather than resume.
package relay

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kinovideo/kino/pkg/protocol"
)

// Server manages WebSocket connections and room routing.
type Server struct {
	hub      *hub
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewServer creates a relay server. The logger is injected so tests can
// capture output.
func NewServer(log zerolog.Logger) *Server {
	return &Server{
		hub: newHub(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log.With().Str("sub", "relay").Logger(),
	}
}

// Router builds the HTTP surface: a health probe and the room endpoint.
// The connection target path convention is /{roomCode}.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/:roomCode", s.handleRoom)

	return router
}

// handleRoom upgrades the connection and attaches it to the room actor.
// Errors before the session exists are converted to an immediate close
// frame carrying the description, so clients can tell "handshake rejected"
// from "network lost".
func (s *Server) handleRoom(c *gin.Context) {
	roomCode := protocol.NormalizeRoomCode(c.Param("roomCode"))

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	if !protocol.ValidateRoomCode(roomCode) {
		reason := fmt.Sprintf("invalid room code %q", roomCode)
		s.log.Warn().Str("room", roomCode).Msg("rejecting connection")
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason))
		conn.Close()
		return
	}

	room := s.hub.acquire(roomCode)
	room.attach(conn)
}

// RoomCount reports how many rooms currently exist. Exposed for tests and
// operational logging.
func (s *Server) RoomCount() int {
	return s.hub.roomCount()
}
