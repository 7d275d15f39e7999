package signaling

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kinovideo/kino/pkg/protocol"
	"github.com/kinovideo/kino/pkg/relay"
)

func startRelay(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ts := httptest.NewServer(relay.NewServer(zerolog.Nop()).Router())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func nextMessage(t *testing.T, c *Client) protocol.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if msg, ok := ev.(MessageEvent); ok {
				return msg.Msg
			}
		case <-deadline:
			t.Fatal("timed out waiting for message")
		}
	}
}

func expectType(t *testing.T, c *Client, want protocol.MessageType) protocol.Message {
	t.Helper()
	msg := nextMessage(t, c)
	if msg.MessageType() != want {
		t.Fatalf("message type = %v, want %v", msg.MessageType(), want)
	}
	return msg
}

func TestConnectJoinAndExchange(t *testing.T) {
	wsURL := startRelay(t)
	code := protocol.GenerateRoomCode()

	a := NewClient(wsURL, code, zerolog.Nop())
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("a.Connect: %v", err)
	}
	defer a.Close()
	if msg := expectType(t, a, protocol.TypeClientCount); msg.(*protocol.ClientCount).Count != 1 {
		t.Fatalf("expected count 1, got %+v", msg)
	}

	b := NewClient(wsURL, code, zerolog.Nop())
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("b.Connect: %v", err)
	}
	defer b.Close()

	if msg := expectType(t, b, protocol.TypeClientCount); msg.(*protocol.ClientCount).Count != 2 {
		t.Fatalf("expected count 2, got %+v", msg)
	}

	// a sees the membership update, then b's join announcement.
	expectType(t, a, protocol.TypeClientCount)
	expectType(t, a, protocol.TypeJoin)

	if err := a.Send(protocol.NewOffer(code, "v=0 offer-sdp")); err != nil {
		t.Fatalf("a.Send: %v", err)
	}
	msg := expectType(t, b, protocol.TypeOffer)
	env := msg.(*protocol.Envelope)
	if env.Payload.SDP == nil || env.Payload.SDP.SDP != "v=0 offer-sdp" {
		t.Fatalf("offer payload not preserved: %+v", env.Payload)
	}
}

func TestSendBeforeConnectFails(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1", "KINO-ABCDE", zerolog.Nop())
	err := c.Send(protocol.NewJoin("KINO-ABCDE", "hello"))
	if err == nil {
		t.Fatal("expected error before Connect")
	}
}

func TestRoomCodeNormalized(t *testing.T) {
	c := NewClient("ws://example", " kino-abcde ", zerolog.Nop())
	if c.RoomCode() != "KINO-ABCDE" {
		t.Fatalf("RoomCode = %q", c.RoomCode())
	}
}

// trackedListener records accepted connections so a test can sever them;
// closing the http.Server alone leaves hijacked websocket connections up.
type trackedListener struct {
	net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

func (l *trackedListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		l.mu.Lock()
		l.conns = append(l.conns, conn)
		l.mu.Unlock()
	}
	return conn, err
}

func (l *trackedListener) severAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, conn := range l.conns {
		conn.Close()
	}
	l.conns = nil
}

// serveRelay starts a relay on addr ("127.0.0.1:0" picks a port) and
// returns the server, its listener and the concrete address. Binding
// retries briefly so a restart can reclaim the same port.
func serveRelay(t *testing.T, addr string) (*http.Server, *trackedListener, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var ln net.Listener
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for {
		ln, err = net.Listen("tcp", addr)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("listen %s: %v", addr, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	tracked := &trackedListener{Listener: ln}
	srv := &http.Server{Handler: relay.NewServer(zerolog.Nop()).Router()}
	go srv.Serve(tracked)
	t.Cleanup(func() { srv.Close() })
	return srv, tracked, tracked.Addr().String()
}

func nextEventMatching(t *testing.T, c *Client, what string, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func TestReconnectAfterRelayRestart(t *testing.T) {
	srv, ln, addr := serveRelay(t, "127.0.0.1:0")
	code := protocol.GenerateRoomCode()

	c := NewClient("ws://"+addr, code, zerolog.Nop())
	c.redialDelay = 50 * time.Millisecond
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	expectType(t, c, protocol.TypeClientCount)

	// Kill the relay and every live connection.
	srv.Close()
	ln.severAll()
	nextEventMatching(t, c, "disconnect notice", func(ev Event) bool {
		_, ok := ev.(DisconnectedEvent)
		return ok
	})

	// A relay comes back on the same address; the client must redial,
	// rejoin the room and announce the recovery.
	serveRelay(t, addr)
	nextEventMatching(t, c, "reconnect notice", func(ev Event) bool {
		_, ok := ev.(ReconnectedEvent)
		return ok
	})

	// The rejoin registers with the fresh relay: it counts one member.
	msg := expectType(t, c, protocol.TypeClientCount)
	if msg.(*protocol.ClientCount).Count != 1 {
		t.Fatalf("post-reconnect count = %+v", msg)
	}
}
