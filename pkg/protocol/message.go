// Package protocol defines the wire types exchanged through the signaling
// relay and the helpers for encoding and decoding them. The relay itself
// never interprets these beyond the outer type tag; clients rely on the
// full envelope shape.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// MessageType is the outer discriminator of a relay message.
type MessageType string

const (
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "iceCandidate"
	TypeJoin         MessageType = "join"
	TypeLeave        MessageType = "leave"
	TypeTrackInfo    MessageType = "trackInfo"

	// TypeClientCount is relay-originated only and never forwarded from a
	// client.
	TypeClientCount MessageType = "clientCount"
)

// PayloadKind is the inner discriminator of an envelope payload.
type PayloadKind string

const (
	KindSDP       PayloadKind = "sdp"
	KindICE       PayloadKind = "ice"
	KindTrackInfo PayloadKind = "trackInfo"
	KindPlain     PayloadKind = "plain"
)

// SDPType distinguishes offers from answers inside an SDP payload.
type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrUnknownPayloadKind = errors.New("unknown payload kind")
	ErrPayloadMismatch    = errors.New("payload kind does not match envelope type")
	ErrEmptyPayload       = errors.New("empty payload")
)

// SDPMessage carries a session description blob.
type SDPMessage struct {
	SDP  string  `json:"sdp"`
	Type SDPType `json:"type"`
}

// ICECandidate carries one connectivity candidate.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMLineIndex uint16  `json:"sdpMLineIndex"`
	SDPMid        *string `json:"sdpMid"`
}

// ParticipantInfo identifies a room member for presentation purposes.
type ParticipantInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IsHost bool   `json:"isHost"`
}

// TrackInfo maps inbound media track ids to a participant identity. It is
// exchanged independently of the SDP/ICE flow because track events and
// envelope delivery are not ordered relative to each other.
type TrackInfo struct {
	ParticipantID string          `json:"participantId"`
	VideoTrackID  string          `json:"videoTrackId"`
	AudioTrackID  string          `json:"audioTrackId"`
	Participant   ParticipantInfo `json:"participantInfo"`
}

// Payload is a tagged union: exactly one field is non-nil. On the wire it
// has the shape {"type": <kind>, "data": <value>} so heterogeneous payloads
// share one envelope shape.
type Payload struct {
	SDP       *SDPMessage
	ICE       *ICECandidate
	TrackInfo *TrackInfo
	Plain     *string
}

// Kind reports which variant is set, or "" when none is.
func (p Payload) Kind() PayloadKind {
	switch {
	case p.SDP != nil:
		return KindSDP
	case p.ICE != nil:
		return KindICE
	case p.TrackInfo != nil:
		return KindTrackInfo
	case p.Plain != nil:
		return KindPlain
	}
	return ""
}

type payloadWire struct {
	Type PayloadKind     `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (p Payload) MarshalJSON() ([]byte, error) {
	var inner any
	switch p.Kind() {
	case KindSDP:
		inner = p.SDP
	case KindICE:
		inner = p.ICE
	case KindTrackInfo:
		inner = p.TrackInfo
	case KindPlain:
		inner = p.Plain
	default:
		return nil, ErrEmptyPayload
	}
	data, err := sonic.Marshal(inner)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(payloadWire{Type: p.Kind(), Data: data})
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var wire payloadWire
	if err := sonic.Unmarshal(data, &wire); err != nil {
		return err
	}
	*p = Payload{}
	switch wire.Type {
	case KindSDP:
		p.SDP = new(SDPMessage)
		return sonic.Unmarshal(wire.Data, p.SDP)
	case KindICE:
		p.ICE = new(ICECandidate)
		return sonic.Unmarshal(wire.Data, p.ICE)
	case KindTrackInfo:
		p.TrackInfo = new(TrackInfo)
		return sonic.Unmarshal(wire.Data, p.TrackInfo)
	case KindPlain:
		p.Plain = new(string)
		return sonic.Unmarshal(wire.Data, p.Plain)
	}
	return fmt.Errorf("%w: %q", ErrUnknownPayloadKind, wire.Type)
}

// Envelope is the unit the relay forwards between room members.
type Envelope struct {
	Type     MessageType `json:"type"`
	RoomCode string      `json:"roomCode"`
	Payload  Payload     `json:"payload"`
}

// Validate enforces the inner/outer tag invariant: offer and answer
// envelopes must carry an sdp payload whose own type matches, and an
// iceCandidate envelope must carry an ice payload. A violation is a decode
// error, never a silent default.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeOffer:
		if e.Payload.SDP == nil || e.Payload.SDP.Type != SDPOffer {
			return fmt.Errorf("%w: offer envelope needs sdp/offer payload, got %q", ErrPayloadMismatch, e.Payload.Kind())
		}
	case TypeAnswer:
		if e.Payload.SDP == nil || e.Payload.SDP.Type != SDPAnswer {
			return fmt.Errorf("%w: answer envelope needs sdp/answer payload, got %q", ErrPayloadMismatch, e.Payload.Kind())
		}
	case TypeICECandidate:
		if e.Payload.ICE == nil {
			return fmt.Errorf("%w: iceCandidate envelope needs ice payload, got %q", ErrPayloadMismatch, e.Payload.Kind())
		}
	case TypeJoin, TypeLeave, TypeTrackInfo:
		if e.Payload.Kind() == "" {
			return ErrEmptyPayload
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, e.Type)
	}
	return nil
}

// ClientCount is the relay-originated membership update sent to every room
// member when someone connects or disconnects.
type ClientCount struct {
	Type  MessageType `json:"type"`
	Count int         `json:"count"`
}

// Message is any decodable relay message: *Envelope or *ClientCount.
type Message interface {
	MessageType() MessageType
}

func (e *Envelope) MessageType() MessageType    { return e.Type }
func (c *ClientCount) MessageType() MessageType { return c.Type }

// Encode validates and serializes an envelope.
func Encode(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return sonic.Marshal(e)
}

// Decode parses a relay frame into a typed message. The outer type tag
// decides the shape; envelope invariants are checked before returning.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := sonic.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode message header: %w", err)
	}
	if head.Type == TypeClientCount {
		count := &ClientCount{}
		if err := sonic.Unmarshal(data, count); err != nil {
			return nil, fmt.Errorf("decode clientCount: %w", err)
		}
		return count, nil
	}
	env := &Envelope{}
	if err := sonic.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// NewOffer builds an offer envelope for a room.
func NewOffer(roomCode, sdp string) *Envelope {
	return &Envelope{
		Type:     TypeOffer,
		RoomCode: roomCode,
		Payload:  Payload{SDP: &SDPMessage{SDP: sdp, Type: SDPOffer}},
	}
}

// NewAnswer builds an answer envelope for a room.
func NewAnswer(roomCode, sdp string) *Envelope {
	return &Envelope{
		Type:     TypeAnswer,
		RoomCode: roomCode,
		Payload:  Payload{SDP: &SDPMessage{SDP: sdp, Type: SDPAnswer}},
	}
}

// NewICECandidate builds an iceCandidate envelope for a room.
func NewICECandidate(roomCode string, candidate ICECandidate) *Envelope {
	return &Envelope{
		Type:     TypeICECandidate,
		RoomCode: roomCode,
		Payload:  Payload{ICE: &candidate},
	}
}

// NewJoin builds the join announcement sent right after connecting.
func NewJoin(roomCode, note string) *Envelope {
	return &Envelope{
		Type:     TypeJoin,
		RoomCode: roomCode,
		Payload:  Payload{Plain: &note},
	}
}

// NewTrackInfo builds a trackInfo envelope for a room.
func NewTrackInfo(roomCode string, info TrackInfo) *Envelope {
	return &Envelope{
		Type:     TypeTrackInfo,
		RoomCode: roomCode,
		Payload:  Payload{TrackInfo: &info},
	}
}
