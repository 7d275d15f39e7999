package rtc

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/kinovideo/kino/pkg/protocol"
)

// ICE servers for NAT traversal.
var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
	{URLs: []string{"stun:stun2.l.google.com:19302"}},
}

// PionEngine adapts a pion PeerConnection to the Engine interface. Pion
// fires callbacks on its own internal goroutines; the adapter's only job
// beyond translation is pushing every callback onto one event queue.
type PionEngine struct {
	pc     *webrtc.PeerConnection
	events chan Event
	closed chan struct{}
	log    zerolog.Logger
}

// NewPionEngine creates a peer connection with the default STUN servers.
func NewPionEngine(log zerolog.Logger) (*PionEngine, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: defaultICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	e := &PionEngine{
		pc:     pc,
		events: make(chan Event, 256),
		closed: make(chan struct{}),
		log:    log.With().Str("sub", "rtc").Logger(),
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		cand := protocol.ICECandidate{
			Candidate: init.Candidate,
			SDPMid:    init.SDPMid,
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		e.emit(CandidateEvent{Candidate: cand})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.log.Debug().Str("state", state.String()).Msg("connection state changed")
		e.emit(ConnStateEvent{State: mapConnState(state)})
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		e.log.Debug().Str("label", dc.Label()).Msg("received data channel")
		e.wireDataChannel(dc)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := TrackKindVideo
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			kind = TrackKindAudio
		}
		e.emit(TrackEvent{TrackID: track.ID(), Kind: kind})
	})

	return e, nil
}

func (e *PionEngine) CreateOffer(ctx context.Context) (string, error) {
	var sdp string
	err := awaitStep(ctx, "create offer", func() error {
		offer, err := e.pc.CreateOffer(nil)
		if err != nil {
			return err
		}
		sdp = offer.SDP
		return nil
	})
	return sdp, err
}

func (e *PionEngine) CreateAnswer(ctx context.Context) (string, error) {
	var sdp string
	err := awaitStep(ctx, "create answer", func() error {
		answer, err := e.pc.CreateAnswer(nil)
		if err != nil {
			return err
		}
		sdp = answer.SDP
		return nil
	})
	return sdp, err
}

func (e *PionEngine) SetLocalDescription(ctx context.Context, sdp protocol.SDPMessage) error {
	desc := webrtc.SessionDescription{Type: mapSDPType(sdp.Type), SDP: sdp.SDP}
	return awaitStep(ctx, "set local description", func() error {
		return e.pc.SetLocalDescription(desc)
	})
}

func (e *PionEngine) SetRemoteDescription(ctx context.Context, sdp protocol.SDPMessage) error {
	desc := webrtc.SessionDescription{Type: mapSDPType(sdp.Type), SDP: sdp.SDP}
	return awaitStep(ctx, "set remote description", func() error {
		return e.pc.SetRemoteDescription(desc)
	})
}

// awaitStep bounds one negotiation step by the caller's context so a hung
// transport call cannot stall the session. An abandoned call keeps running
// in its goroutine; the engine it belongs to gets discarded with the
// failed attempt.
func awaitStep(ctx context.Context, op string, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

func (e *PionEngine) AddICECandidate(candidate protocol.ICECandidate) error {
	index := candidate.SDPMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: &index,
	}
	if err := e.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

func (e *PionEngine) CreateDataChannel(label string) (DataChannel, error) {
	ordered := true
	dc, err := e.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("create data channel %s: %w", label, err)
	}
	return e.wireDataChannel(dc), nil
}

func (e *PionEngine) Events() <-chan Event {
	return e.events
}

func (e *PionEngine) Close() error {
	select {
	case <-e.closed:
		return nil
	default:
	}
	close(e.closed)
	return e.pc.Close()
}

// wireDataChannel hooks channel callbacks into the event queue and returns
// the wrapped handle. Used for both locally created and inbound channels.
func (e *PionEngine) wireDataChannel(dc *webrtc.DataChannel) DataChannel {
	wrapped := &pionDataChannel{dc: dc}
	label := dc.Label()
	dc.OnOpen(func() {
		e.log.Debug().Str("label", label).Msg("data channel open")
		e.emit(ChannelOpenEvent{Channel: wrapped})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		e.emit(ChannelMessageEvent{Label: label, Data: msg.Data})
	})
	return wrapped
}

// emit serializes a callback onto the event queue. Blocks until the
// consumer takes it, unless the engine is already closed.
func (e *PionEngine) emit(ev Event) {
	select {
	case e.events <- ev:
	case <-e.closed:
	}
}

type pionDataChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionDataChannel) Label() string          { return c.dc.Label() }
func (c *pionDataChannel) Send(data []byte) error { return c.dc.Send(data) }
func (c *pionDataChannel) Close() error           { return c.dc.Close() }

func mapSDPType(t protocol.SDPType) webrtc.SDPType {
	if t == protocol.SDPAnswer {
		return webrtc.SDPTypeAnswer
	}
	return webrtc.SDPTypeOffer
}

func mapConnState(state webrtc.PeerConnectionState) ConnState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return ConnStateNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnStateFailed
	default:
		return ConnStateClosed
	}
}
