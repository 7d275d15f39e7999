package protocol

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestOfferEnvelopeRoundTrip(t *testing.T) {
	env := NewOffer("KINO-ABCDE", "v=0 fake sdp")

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	decoded, ok := msg.(*Envelope)
	if !ok {
		t.Fatalf("expected *Envelope, got %T", msg)
	}
	if decoded.Type != TypeOffer {
		t.Errorf("type = %q, want offer", decoded.Type)
	}
	if decoded.RoomCode != "KINO-ABCDE" {
		t.Errorf("roomCode = %q", decoded.RoomCode)
	}
	if decoded.Payload.SDP == nil || decoded.Payload.SDP.SDP != "v=0 fake sdp" {
		t.Errorf("sdp payload not preserved: %+v", decoded.Payload)
	}
}

func TestICECandidateRoundTrip(t *testing.T) {
	mid := "0"
	env := NewICECandidate("KINO-ABCDE", ICECandidate{
		Candidate:     "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host",
		SDPMLineIndex: 0,
		SDPMid:        &mid,
	})

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	decoded := msg.(*Envelope)
	if decoded.Payload.ICE == nil {
		t.Fatal("ice payload missing")
	}
	if decoded.Payload.ICE.SDPMid == nil || *decoded.Payload.ICE.SDPMid != "0" {
		t.Errorf("sdpMid not preserved: %+v", decoded.Payload.ICE)
	}
}

func TestTrackInfoRoundTrip(t *testing.T) {
	env := NewTrackInfo("KINO-ABCDE", TrackInfo{
		ParticipantID: "p1",
		VideoTrackID:  "video0",
		AudioTrackID:  "audio0",
		Participant:   ParticipantInfo{ID: "p1", Name: "Ada", IsHost: true},
	})
	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	ti := msg.(*Envelope).Payload.TrackInfo
	if ti == nil || ti.Participant.Name != "Ada" || !ti.Participant.IsHost {
		t.Errorf("trackInfo not preserved: %+v", ti)
	}
}

// An offer envelope whose inner sdp payload claims to be an answer violates
// the tag invariant and must fail to decode.
func TestMismatchedInnerTypeIsDecodeError(t *testing.T) {
	raw := `{"type":"offer","roomCode":"KINO-ABCDE","payload":{"type":"sdp","data":{"sdp":"v=0","type":"answer"}}}`
	_, err := Decode([]byte(raw))
	if !errors.Is(err, ErrPayloadMismatch) {
		t.Fatalf("expected ErrPayloadMismatch, got %v", err)
	}
}

func TestOfferWithICEPayloadIsDecodeError(t *testing.T) {
	raw := `{"type":"offer","roomCode":"KINO-ABCDE","payload":{"type":"ice","data":{"candidate":"c","sdpMLineIndex":0,"sdpMid":"0"}}}`
	_, err := Decode([]byte(raw))
	if !errors.Is(err, ErrPayloadMismatch) {
		t.Fatalf("expected ErrPayloadMismatch, got %v", err)
	}
}

func TestICECandidateWithSDPPayloadIsDecodeError(t *testing.T) {
	raw := `{"type":"iceCandidate","roomCode":"KINO-ABCDE","payload":{"type":"sdp","data":{"sdp":"v=0","type":"offer"}}}`
	_, err := Decode([]byte(raw))
	if !errors.Is(err, ErrPayloadMismatch) {
		t.Fatalf("expected ErrPayloadMismatch, got %v", err)
	}
}

func TestDecodeClientCount(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"clientCount","count":2}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	count, ok := msg.(*ClientCount)
	if !ok {
		t.Fatalf("expected *ClientCount, got %T", msg)
	}
	if count.Count != 2 {
		t.Errorf("count = %d, want 2", count.Count)
	}
}

func TestDecodeUnknownTypeFails(t *testing.T) {
	_, err := Decode([]byte(`{"type":"mystery","roomCode":"KINO-ABCDE","payload":{"type":"plain","data":"hi"}}`))
	if !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
}

func TestDecodeMalformedJSONFails(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestGenerateRoomCode(t *testing.T) {
	for i := 0; i < 100; i++ {
		code := GenerateRoomCode()
		if !ValidateRoomCode(code) {
			t.Fatalf("generated invalid code %q", code)
		}
		if !strings.HasPrefix(code, "KINO-") {
			t.Fatalf("missing prefix: %q", code)
		}
		for _, c := range []string{"I", "O", "0", "1"} {
			if strings.Contains(strings.TrimPrefix(code, "KINO-"), c) {
				t.Fatalf("ambiguous character %s in %q", c, code)
			}
		}
	}
}

func TestGenerateRoomCodeConcurrent(t *testing.T) {
	// Hosts on separate goroutines may mint codes at the same time; every
	// code must still come out well formed. Run with -race to catch shared
	// generator state.
	var wg sync.WaitGroup
	codes := make(chan string, 200)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				codes <- GenerateRoomCode()
			}
		}()
	}
	wg.Wait()
	close(codes)
	for code := range codes {
		if !ValidateRoomCode(code) {
			t.Fatalf("generated invalid code %q", code)
		}
	}
}

func TestValidateRoomCode(t *testing.T) {
	cases := []struct {
		code  string
		valid bool
	}{
		{"KINO-ABCDE", true},
		{"KINO-23456", true},
		{"KINO-ABCD", false},
		{"KINO-ABCDEF", false},
		{"ROOM-ABCDE", false},
		{"KINO-ABC0E", false},
		{"KINO-ABCIE", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := ValidateRoomCode(tc.code); got != tc.valid {
			t.Errorf("ValidateRoomCode(%q) = %v, want %v", tc.code, got, tc.valid)
		}
	}
}

func TestNormalizeRoomCode(t *testing.T) {
	if got := NormalizeRoomCode("  kino-abcde "); got != "KINO-ABCDE" {
		t.Errorf("NormalizeRoomCode = %q", got)
	}
}
