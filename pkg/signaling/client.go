// Package signaling maintains a client's connection to the relay: it joins
// a room, delivers decoded relay messages as events, and transparently
// reconnects with a bounded delay when the connection drops. Negotiation
// state is never resumed across a reconnect; the consumer is told to start
// over via ReconnectedEvent.
package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kinovideo/kino/pkg/protocol"
)

const (
	keepAliveInterval = 30 * time.Second
	reconnectDelay    = 5 * time.Second
	writeWait         = 10 * time.Second
	pongWait          = 75 * time.Second
)

var ErrNotConnected = errors.New("signaling: not connected")

// Event is an item on the client's event stream: MessageEvent,
// DisconnectedEvent or ReconnectedEvent.
type Event interface{ signalingEvent() }

// MessageEvent carries one decoded relay message.
type MessageEvent struct{ Msg protocol.Message }

// DisconnectedEvent reports a lost relay connection. A reconnect attempt
// follows automatically.
type DisconnectedEvent struct{ Err error }

// ReconnectedEvent fires after the connection has been re-established and
// the room re-joined. In-flight negotiation is stale at this point and must
// be restarted from scratch.
type ReconnectedEvent struct{}

func (MessageEvent) signalingEvent()      {}
func (DisconnectedEvent) signalingEvent() {}
func (ReconnectedEvent) signalingEvent()  {}

// Client is a relay connection for one room membership.
type Client struct {
	serverURL string
	roomCode  string
	log       zerolog.Logger

	// redialDelay spaces reconnect attempts. Tests shrink it.
	redialDelay time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn

	events    chan Event
	quit      chan struct{}
	closeOnce sync.Once
}

// NewClient prepares a client for the given relay URL (ws:// or wss://,
// no trailing slash) and room code.
func NewClient(serverURL, roomCode string, log zerolog.Logger) *Client {
	return &Client{
		serverURL:   serverURL,
		roomCode:    protocol.NormalizeRoomCode(roomCode),
		log:         log.With().Str("sub", "signaling").Str("room", roomCode).Logger(),
		redialDelay: reconnectDelay,
		events:      make(chan Event, 64),
		quit:        make(chan struct{}),
	}
}

// Connect dials the relay and announces the join. The initial dial error is
// returned to the caller; later failures are handled by the internal
// reconnect loop.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.setConn(conn)
	if err := c.sendJoin(); err != nil {
		conn.Close()
		return err
	}
	go c.run(ctx, conn)
	return nil
}

// Events returns the inbound event stream. It is never closed while the
// client is open.
func (c *Client) Events() <-chan Event {
	return c.events
}

// RoomCode reports the room this client is a member of.
func (c *Client) RoomCode() string {
	return c.roomCode
}

// Send encodes and transmits one envelope.
func (c *Client) Send(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close shuts the client down. No further events are delivered.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.connMu.Unlock()
	})
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	url := c.serverURL + "/" + c.roomCode
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.log.Info().Str("url", url).Msg("connected to relay")
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) sendJoin() error {
	return c.Send(protocol.NewJoin(c.roomCode, "joining room"))
}

// run owns the connection lifecycle: read until failure, then reconnect
// with a bounded delay and rejoin, forever, until Close or ctx cancel.
func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	for {
		stopPing := make(chan struct{})
		go c.keepAlive(conn, stopPing)
		err := c.readLoop(conn)
		close(stopPing)
		conn.Close()

		select {
		case <-c.quit:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.log.Warn().Err(err).Msg("relay connection lost")
		c.emit(DisconnectedEvent{Err: err})

		var reconnected bool
		for !reconnected {
			select {
			case <-c.quit:
				return
			case <-ctx.Done():
				return
			case <-time.After(c.redialDelay):
			}

			next, err := c.dial(ctx)
			if err != nil {
				c.log.Warn().Err(err).Msg("reconnect failed, retrying")
				continue
			}
			c.setConn(next)
			if err := c.sendJoin(); err != nil {
				next.Close()
				continue
			}
			c.emit(ReconnectedEvent{})
			conn = next
			reconnected = true
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			// A single malformed message is dropped; the channel stays up.
			c.log.Warn().Err(err).Msg("dropping undecodable relay message")
			continue
		}
		c.emit(MessageEvent{Msg: msg})
	}
}

// keepAlive pings the relay on a fixed interval so dead connections are
// detected; a failed write closes the connection, which unblocks readLoop
// and triggers the reconnect path.
func (c *Client) keepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.quit:
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.connMu.Unlock()
			if err != nil {
				c.log.Warn().Err(err).Msg("keep-alive failed")
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.quit:
	}
}
