package relay

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kinovideo/kino/pkg/protocol"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := NewServer(zerolog.Nop())
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, roomCode string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/" + roomCode
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func expectClientCount(t *testing.T, conn *websocket.Conn, want int) {
	t.Helper()
	msg := readMessage(t, conn)
	count, ok := msg.(*protocol.ClientCount)
	if !ok {
		t.Fatalf("expected clientCount, got %T", msg)
	}
	if count.Count != want {
		t.Fatalf("clientCount = %d, want %d", count.Count, want)
	}
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no message, got %s", data)
	}
	var netErr interface{ Timeout() bool }
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestInvalidRoomCodeClosesWithReason(t *testing.T) {
	_, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/NOTAROOM"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The handshake itself succeeds; the rejection arrives as a close frame
	// carrying the error description.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != websocket.CloseInternalServerErr {
		t.Errorf("close code = %d", closeErr.Code)
	}
	if !strings.Contains(closeErr.Text, "invalid room code") {
		t.Errorf("close text = %q", closeErr.Text)
	}
}

func TestClientCountBroadcasts(t *testing.T) {
	_, ts := newTestServer(t)
	code := protocol.GenerateRoomCode()

	a := dial(t, ts, code)
	expectClientCount(t, a, 1)

	b := dial(t, ts, code)
	expectClientCount(t, b, 2)
	expectClientCount(t, a, 2)

	// Disconnecting one client triggers exactly one broadcast with the
	// decremented count.
	b.Close()
	expectClientCount(t, a, 1)
	expectSilence(t, a)
}

func TestFanoutExcludesSender(t *testing.T) {
	_, ts := newTestServer(t)
	code := protocol.GenerateRoomCode()

	a := dial(t, ts, code)
	expectClientCount(t, a, 1)
	b := dial(t, ts, code)
	expectClientCount(t, b, 2)
	expectClientCount(t, a, 2)
	c := dial(t, ts, code)
	expectClientCount(t, c, 3)
	expectClientCount(t, a, 3)
	expectClientCount(t, b, 3)

	offer, err := protocol.Encode(protocol.NewOffer(code, "v=0 test"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := a.WriteMessage(websocket.TextMessage, offer); err != nil {
		t.Fatalf("write: %v", err)
	}

	for _, conn := range []*websocket.Conn{b, c} {
		msg := readMessage(t, conn)
		env, ok := msg.(*protocol.Envelope)
		if !ok || env.Type != protocol.TypeOffer {
			t.Fatalf("expected forwarded offer, got %#v", msg)
		}
		if env.Payload.SDP == nil || env.Payload.SDP.SDP != "v=0 test" {
			t.Fatalf("payload not preserved: %+v", env.Payload)
		}
	}

	// The sender never hears its own message back.
	expectSilence(t, a)
}

func TestRoomsAreIsolated(t *testing.T) {
	_, ts := newTestServer(t)

	a := dial(t, ts, "KINO-AAAAA")
	expectClientCount(t, a, 1)
	b := dial(t, ts, "KINO-BBBBB")
	expectClientCount(t, b, 1)

	join, _ := protocol.Encode(protocol.NewJoin("KINO-AAAAA", "hello"))
	if err := a.WriteMessage(websocket.TextMessage, join); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectSilence(t, b)
}

func TestMalformedFrameIsDroppedNotFatal(t *testing.T) {
	_, ts := newTestServer(t)
	code := protocol.GenerateRoomCode()

	a := dial(t, ts, code)
	expectClientCount(t, a, 1)
	b := dial(t, ts, code)
	expectClientCount(t, b, 2)
	expectClientCount(t, a, 2)

	if err := a.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectSilence(t, b)

	// The connection survives and later frames still flow.
	join, _ := protocol.Encode(protocol.NewJoin(code, "still here"))
	if err := a.WriteMessage(websocket.TextMessage, join); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readMessage(t, b)
	if msg.MessageType() != protocol.TypeJoin {
		t.Fatalf("expected join, got %v", msg.MessageType())
	}
}

func TestEmptyRoomIsCollected(t *testing.T) {
	s, ts := newTestServer(t)
	code := protocol.GenerateRoomCode()

	a := dial(t, ts, code)
	expectClientCount(t, a, 1)
	a.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.RoomCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("room not collected, count = %d", s.RoomCount())
}
