// Package rtc drives peer transport negotiation. The peer-transport engine
// (ICE/DTLS/SRTP internals) is treated as a black box behind the Engine
// interface; the production implementation wraps pion, tests use a fake.
// All engine callbacks are funneled through a single event queue so that
// exactly one goroutine per room membership touches negotiation state.
package rtc

import (
	"context"

	"github.com/kinovideo/kino/pkg/protocol"
)

// Data channel labels. Receivers dispatch by label, never by open order.
const (
	SyncChannelLabel = "KinoSync"
	FileChannelLabel = "KinoFile"
)

// ConnState mirrors the transport engine's connection lifecycle.
type ConnState string

const (
	ConnStateNew          ConnState = "new"
	ConnStateConnecting   ConnState = "connecting"
	ConnStateConnected    ConnState = "connected"
	ConnStateDisconnected ConnState = "disconnected"
	ConnStateFailed       ConnState = "failed"
	ConnStateClosed       ConnState = "closed"
)

// TrackKind distinguishes inbound media track types.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// DataChannel is an ordered reliable messaging stream on the peer session.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	Close() error
}

// Event is an item on the engine's event queue: CandidateEvent,
// ConnStateEvent, ChannelOpenEvent, ChannelMessageEvent or TrackEvent.
type Event interface{ engineEvent() }

// CandidateEvent reports a locally generated ICE candidate that must be
// relayed to the peer.
type CandidateEvent struct{ Candidate protocol.ICECandidate }

// ConnStateEvent reports a connection state transition.
type ConnStateEvent struct{ State ConnState }

// ChannelOpenEvent reports that a data channel reached the open state.
type ChannelOpenEvent struct{ Channel DataChannel }

// ChannelMessageEvent carries one inbound data channel message.
type ChannelMessageEvent struct {
	Label string
	Data  []byte
}

// TrackEvent reports an inbound media track. Track events are not ordered
// relative to trackInfo envelope delivery; the participant registry
// tolerates both orders.
type TrackEvent struct {
	TrackID string
	Kind    TrackKind
}

func (CandidateEvent) engineEvent()      {}
func (ConnStateEvent) engineEvent()      {}
func (ChannelOpenEvent) engineEvent()    {}
func (ChannelMessageEvent) engineEvent() {}
func (TrackEvent) engineEvent()          {}

// Engine is the black-box peer-transport session. Offer/answer creation
// and description application are asynchronous operations; callers must
// not start a dependent step before the previous one returned.
type Engine interface {
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetLocalDescription(ctx context.Context, sdp protocol.SDPMessage) error
	SetRemoteDescription(ctx context.Context, sdp protocol.SDPMessage) error
	AddICECandidate(candidate protocol.ICECandidate) error

	// CreateDataChannel opens an ordered reliable channel. The channel is
	// announced via ChannelOpenEvent once it is actually usable.
	CreateDataChannel(label string) (DataChannel, error)

	// Events returns the single queue all engine callbacks are serialized
	// onto.
	Events() <-chan Event

	Close() error
}

// EngineFactory creates a fresh transport session. The orchestrator calls
// it once per negotiation attempt, lazily on the receiver side.
type EngineFactory func() (Engine, error)
