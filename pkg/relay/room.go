package relay

import (
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kinovideo/kino/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // SDP blobs and trackInfo stay well under this
)

// hub is the reference-counted map from room code to room actor. Rooms are
// created on first connect and torn down when the member count reaches
// zero, all under one coordinating lock.
type hub struct {
	mu    sync.Mutex
	rooms map[string]*room
	log   zerolog.Logger
}

func newHub(log zerolog.Logger) *hub {
	return &hub{
		rooms: make(map[string]*room),
		log:   log.With().Str("sub", "relay").Logger(),
	}
}

func (h *hub) acquire(code string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, exists := h.rooms[code]
	if !exists {
		r = &room{
			code:     code,
			hub:      h,
			commands: make(chan roomCmd, 64),
			quit:     make(chan struct{}),
			members:  make(map[*session]struct{}),
			log:      h.log.With().Str("room", code).Logger(),
		}
		h.rooms[code] = r
		go r.run()
		r.log.Info().Msg("room created")
	}
	r.refs++
	return r
}

// release drops one reference. The last release removes the room from the
// map and stops its actor.
func (h *hub) release(r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r.refs--
	if r.refs > 0 {
		return
	}
	if current, ok := h.rooms[r.code]; ok && current == r {
		delete(h.rooms, r.code)
	}
	close(r.quit)
	r.log.Info().Msg("room destroyed")
}

func (h *hub) roomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

type roomCmd interface{ apply(*room) }

type joinCmd struct{ s *session }
type leaveCmd struct{ s *session }
type forwardCmd struct {
	from *session
	data []byte
}

// room is one actor: membership and fan-out state is only touched by run(),
// so two connection handlers can never mutate it concurrently. refs is
// owned by the hub and guarded by its lock.
type room struct {
	code     string
	hub      *hub
	refs     int
	commands chan roomCmd
	quit     chan struct{}
	members  map[*session]struct{}
	log      zerolog.Logger
}

func (r *room) run() {
	for {
		select {
		case cmd := <-r.commands:
			cmd.apply(r)
		case <-r.quit:
			return
		}
	}
}

func (r *room) post(cmd roomCmd) {
	select {
	case r.commands <- cmd:
	case <-r.quit:
	}
}

// attach registers a freshly upgraded connection with the room actor and
// starts its pumps.
func (r *room) attach(conn *websocket.Conn) {
	s := &session{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 256),
		room: r,
	}
	r.post(joinCmd{s})
	go s.writePump()
	go s.readPump()
}

func (cmd joinCmd) apply(r *room) {
	s := cmd.s
	r.members[s] = struct{}{}
	r.log.Info().Str("session", s.id).Int("count", len(r.members)).Msg("client connected")
	r.broadcastClientCount()
}

func (cmd leaveCmd) apply(r *room) {
	s := cmd.s
	if _, ok := r.members[s]; !ok {
		return
	}
	delete(r.members, s)
	close(s.send)
	r.log.Info().Str("session", s.id).Int("count", len(r.members)).Msg("client disconnected")
	r.broadcastClientCount()
	r.hub.release(r)
}

// apply forwards a member's frame, unchanged, to every OTHER member. The
// relay only deserializes far enough to log the outer type; envelope
// semantics stay opaque.
func (cmd forwardCmd) apply(r *room) {
	var head struct {
		Type string `json:"type"`
	}
	if err := sonic.Unmarshal(cmd.data, &head); err != nil {
		r.log.Warn().Str("session", cmd.from.id).Err(err).Msg("dropping malformed frame")
		return
	}
	r.log.Debug().Str("session", cmd.from.id).Str("type", head.Type).Msg("forwarding")

	for member := range r.members {
		if member == cmd.from {
			continue
		}
		select {
		case member.send <- cmd.data:
		default:
			// Member buffer full, skip.
		}
	}
}

// broadcastClientCount tells every member, including a newly joined one,
// how many clients are in the room.
func (r *room) broadcastClientCount() {
	data, err := sonic.Marshal(protocol.ClientCount{
		Type:  protocol.TypeClientCount,
		Count: len(r.members),
	})
	if err != nil {
		return
	}
	for member := range r.members {
		select {
		case member.send <- data:
		default:
		}
	}
}

// session is the relay-side record for one connected member. It is owned by
// the room actor; the pumps only touch the connection and the send channel.
type session struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	room *room
}

func (s *session) readPump() {
	defer func() {
		s.room.post(leaveCmd{s})
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.room.log.Warn().Str("session", s.id).Err(err).Msg("read error")
			}
			return
		}
		s.room.post(forwardCmd{from: s, data: data})
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
