package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kinovideo/kino/pkg/protocol"
	"github.com/kinovideo/kino/pkg/signaling"
)

// State is the negotiation state of one room membership.
type State string

const (
	StateIdle              State = "idle"
	StateAwaitingTransport State = "awaitingTransport"
	StateOffering          State = "offering"
	StateAnswering         State = "answering"
	StateNegotiated        State = "negotiated"
	StateClosed            State = "closed"
)

var (
	ErrAlreadyInRoom   = errors.New("rtc: already in a room")
	ErrInvalidRoomCode = errors.New("rtc: invalid room code")
)

const (
	defaultGraceWindow = time.Second
	defaultStepTimeout = 10 * time.Second
)

// Signaler is the slice of the signaling client the orchestrator needs.
// *signaling.Client satisfies it; tests plug in an in-memory pair.
type Signaler interface {
	Connect(ctx context.Context) error
	Events() <-chan signaling.Event
	Send(env *protocol.Envelope) error
	RoomCode() string
	Close()
}

// Config wires an orchestrator to its collaborators. All On* callbacks are
// invoked from the orchestrator's own goroutine; handlers must not block
// for long and must not call back into the orchestrator synchronously.
type Config struct {
	DisplayName string

	// LocalVideoTrackID and LocalAudioTrackID identify the media tracks
	// this side publishes, as announced in trackInfo envelopes. Defaults
	// are derived from the participant id.
	LocalVideoTrackID string
	LocalAudioTrackID string

	NewEngine   EngineFactory
	NewSignaler func(roomCode string) Signaler

	// GraceWindow delays the initial offer after creating a room so the
	// relay connection can stabilize.
	GraceWindow time.Duration

	// StepTimeout bounds each offer/answer creation and description-set
	// call so a hung transport engine cannot stall the session forever.
	StepTimeout time.Duration

	Logger zerolog.Logger

	OnStateChange    func(State)
	OnClientCount    func(int)
	OnParticipant    func(Participant)
	OnChannelOpen    func(ch DataChannel)
	OnChannelMessage func(label string, data []byte)
}

// Orchestrator drives the offer/answer/ICE state machine for exactly one
// active peer-transport session per room membership. It is a single actor:
// engine callbacks, relay messages and public API calls are all serialized
// onto one goroutine, which exclusively owns the pending-candidate queue,
// the participant registry and the channel table.
type Orchestrator struct {
	cfg Config
	log zerolog.Logger

	localID     string
	isInitiator bool

	mu       sync.RWMutex
	state    State
	roomCode string

	// Actor-owned state below; only touched from Run's goroutine.
	engine        Engine
	signal        Signaler
	registry      *Registry
	channels      map[string]DataChannel
	pending       []protocol.ICECandidate
	remoteDescSet bool

	commands chan func()
	quit     chan struct{}
	quitOnce sync.Once
}

// NewOrchestrator builds an orchestrator. Run must be started before
// CreateRoom or JoinRoom are called.
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = defaultGraceWindow
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	localID := uuid.NewString()
	if cfg.LocalVideoTrackID == "" {
		cfg.LocalVideoTrackID = "video-" + localID
	}
	if cfg.LocalAudioTrackID == "" {
		cfg.LocalAudioTrackID = "audio-" + localID
	}
	return &Orchestrator{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("sub", "rtc").Logger(),
		localID:  localID,
		state:    StateIdle,
		channels: make(map[string]DataChannel),
		commands: make(chan func(), 64),
		quit:     make(chan struct{}),
	}
}

// LocalID returns the local participant id.
func (o *Orchestrator) LocalID() string { return o.localID }

// State returns the current negotiation state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// RoomCode returns the active room code, or "" outside a room.
func (o *Orchestrator) RoomCode() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.roomCode
}

// Run is the actor loop. It returns when ctx is cancelled or Close is
// called.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		var engineEvents <-chan Event
		if o.engine != nil {
			engineEvents = o.engine.Events()
		}
		var signalEvents <-chan signaling.Event
		if o.signal != nil {
			signalEvents = o.signal.Events()
		}

		select {
		case cmd := <-o.commands:
			cmd()
		case ev := <-engineEvents:
			o.handleEngineEvent(ev)
		case ev := <-signalEvents:
			o.handleSignalEvent(ev)
		case <-ctx.Done():
			o.teardown()
			return
		case <-o.quit:
			o.teardown()
			return
		}
	}
}

// Close stops the actor and tears the session down.
func (o *Orchestrator) Close() {
	o.quitOnce.Do(func() { close(o.quit) })
}

// CreateRoom generates a room code, opens the transport session in the
// initiator role, connects to the relay and schedules the initial offer
// after the grace window. Transport-setup failures are fatal to the
// session and returned to the caller.
func (o *Orchestrator) CreateRoom(ctx context.Context) (string, error) {
	type result struct {
		code string
		err  error
	}
	res := make(chan result, 1)
	o.post(func() {
		code, err := o.createRoom(ctx)
		res <- result{code, err}
	})
	select {
	case r := <-res:
		return r.code, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// JoinRoom connects to an existing room in the non-initiator role and
// waits for the host's offer.
func (o *Orchestrator) JoinRoom(ctx context.Context, code string) error {
	res := make(chan error, 1)
	o.post(func() { res <- o.joinRoom(ctx, code) })
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Participants returns a snapshot of the participant table.
func (o *Orchestrator) Participants() []Participant {
	res := make(chan []Participant, 1)
	o.post(func() {
		if o.registry == nil {
			res <- nil
			return
		}
		res <- o.registry.Snapshot()
	})
	select {
	case snapshot := <-res:
		return snapshot
	case <-o.quit:
		return nil
	}
}

func (o *Orchestrator) post(cmd func()) {
	select {
	case o.commands <- cmd:
	case <-o.quit:
	}
}

func (o *Orchestrator) createRoom(ctx context.Context) (string, error) {
	if o.State() != StateIdle {
		return "", ErrAlreadyInRoom
	}
	code := protocol.GenerateRoomCode()
	o.isInitiator = true
	o.registry = NewRegistry(Participant{
		ID:           o.localID,
		DisplayName:  o.cfg.DisplayName,
		IsHost:       true,
		VideoTrackID: o.cfg.LocalVideoTrackID,
		AudioTrackID: o.cfg.LocalAudioTrackID,
	})

	if err := o.openTransport(); err != nil {
		return "", err
	}

	o.signal = o.cfg.NewSignaler(code)
	if err := o.signal.Connect(ctx); err != nil {
		o.closeEngine()
		o.signal = nil
		return "", fmt.Errorf("connect to relay: %w", err)
	}

	o.setRoomCode(code)
	o.setState(StateAwaitingTransport)
	o.log.Info().Str("room", code).Msg("created room")

	// Give the relay connection a moment to stabilize before offering.
	time.AfterFunc(o.cfg.GraceWindow, func() {
		o.post(o.sendInitialOffer)
	})
	return code, nil
}

func (o *Orchestrator) joinRoom(ctx context.Context, code string) error {
	if o.State() != StateIdle {
		return ErrAlreadyInRoom
	}
	code = protocol.NormalizeRoomCode(code)
	if !protocol.ValidateRoomCode(code) {
		return fmt.Errorf("%w: %q", ErrInvalidRoomCode, code)
	}
	o.isInitiator = false
	o.registry = NewRegistry(Participant{
		ID:           o.localID,
		DisplayName:  o.cfg.DisplayName,
		VideoTrackID: o.cfg.LocalVideoTrackID,
		AudioTrackID: o.cfg.LocalAudioTrackID,
	})

	// The receiver side opens its transport session up front too; the data
	// channels arrive from the initiator with the offer.
	engine, err := o.cfg.NewEngine()
	if err != nil {
		return fmt.Errorf("open transport session: %w", err)
	}
	o.engine = engine

	o.signal = o.cfg.NewSignaler(code)
	if err := o.signal.Connect(ctx); err != nil {
		o.closeEngine()
		o.signal = nil
		return fmt.Errorf("connect to relay: %w", err)
	}

	o.setRoomCode(code)
	o.setState(StateAwaitingTransport)
	o.log.Info().Str("room", code).Msg("joined room")
	return nil
}

// openTransport creates the engine and, in the initiator role, the data
// channels that ride in the initial offer.
func (o *Orchestrator) openTransport() error {
	engine, err := o.cfg.NewEngine()
	if err != nil {
		return fmt.Errorf("open transport session: %w", err)
	}
	o.engine = engine
	for _, label := range []string{SyncChannelLabel, FileChannelLabel} {
		if _, err := engine.CreateDataChannel(label); err != nil {
			o.closeEngine()
			return fmt.Errorf("create %s channel: %w", label, err)
		}
	}
	return nil
}

func (o *Orchestrator) sendInitialOffer() {
	if o.State() != StateAwaitingTransport || !o.isInitiator {
		return
	}
	o.negotiateOffer()
}

// negotiateOffer creates and sends an offer. Failures abandon the current
// negotiation attempt but keep the room membership.
func (o *Orchestrator) negotiateOffer() {
	if o.engine == nil || o.signal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StepTimeout)
	defer cancel()

	sdp, err := o.engine.CreateOffer(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("create offer failed, abandoning attempt")
		return
	}
	if err := o.engine.SetLocalDescription(ctx, protocol.SDPMessage{SDP: sdp, Type: protocol.SDPOffer}); err != nil {
		o.log.Error().Err(err).Msg("set local description failed, abandoning attempt")
		return
	}
	if err := o.signal.Send(protocol.NewOffer(o.RoomCode(), sdp)); err != nil {
		o.log.Error().Err(err).Msg("send offer failed")
		return
	}
	o.setState(StateOffering)
	o.log.Debug().Msg("sent offer")
}

func (o *Orchestrator) handleSignalEvent(ev signaling.Event) {
	switch ev := ev.(type) {
	case signaling.MessageEvent:
		switch msg := ev.Msg.(type) {
		case *protocol.ClientCount:
			if o.cfg.OnClientCount != nil {
				o.cfg.OnClientCount(msg.Count)
			}
		case *protocol.Envelope:
			o.handleEnvelope(msg)
		}
	case signaling.ReconnectedEvent:
		o.log.Warn().Msg("relay reconnected, restarting negotiation")
		o.restartNegotiation()
	case signaling.DisconnectedEvent:
		o.log.Warn().Err(ev.Err).Msg("relay connection lost")
	}
}

func (o *Orchestrator) handleEnvelope(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeOffer:
		o.handleOffer(env.Payload.SDP)
	case protocol.TypeAnswer:
		o.handleAnswer(env.Payload.SDP)
	case protocol.TypeICECandidate:
		o.handleCandidate(*env.Payload.ICE)
	case protocol.TypeJoin:
		o.handlePeerJoined()
	case protocol.TypeLeave:
		o.log.Info().Msg("peer left room")
	case protocol.TypeTrackInfo:
		o.handleTrackInfo(*env.Payload.TrackInfo)
	}
}

func (o *Orchestrator) handleOffer(sdp *protocol.SDPMessage) {
	// Lazy receiver-side setup: a joiner that lost its engine (relay
	// reconnect) gets a fresh one when the next offer arrives.
	if o.engine == nil {
		engine, err := o.cfg.NewEngine()
		if err != nil {
			o.log.Error().Err(err).Msg("open transport session failed")
			return
		}
		o.engine = engine
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StepTimeout)
	defer cancel()

	if err := o.engine.SetRemoteDescription(ctx, *sdp); err != nil {
		o.log.Error().Err(err).Msg("set remote offer failed, abandoning attempt")
		return
	}
	o.remoteDescSet = true
	o.setState(StateAnswering)

	answer, err := o.engine.CreateAnswer(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("create answer failed, abandoning attempt")
		return
	}
	if err := o.engine.SetLocalDescription(ctx, protocol.SDPMessage{SDP: answer, Type: protocol.SDPAnswer}); err != nil {
		o.log.Error().Err(err).Msg("set local answer failed, abandoning attempt")
		return
	}
	if err := o.signal.Send(protocol.NewAnswer(o.RoomCode(), answer)); err != nil {
		o.log.Error().Err(err).Msg("send answer failed")
		return
	}
	o.drainPendingCandidates()
}

func (o *Orchestrator) handleAnswer(sdp *protocol.SDPMessage) {
	if o.engine == nil {
		o.log.Warn().Msg("answer without transport session, ignoring")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StepTimeout)
	defer cancel()

	if err := o.engine.SetRemoteDescription(ctx, *sdp); err != nil {
		o.log.Error().Err(err).Msg("set remote answer failed, abandoning attempt")
		return
	}
	o.remoteDescSet = true
	o.drainPendingCandidates()
}

// handleCandidate applies a candidate immediately when a remote description
// exists, and queues it otherwise. The transport engine rejects candidates
// that arrive before a remote description, so queueing is mandatory.
func (o *Orchestrator) handleCandidate(candidate protocol.ICECandidate) {
	if !o.remoteDescSet {
		o.pending = append(o.pending, candidate)
		o.log.Debug().Int("queued", len(o.pending)).Msg("stored pending ICE candidate")
		return
	}
	if err := o.engine.AddICECandidate(candidate); err != nil {
		o.log.Warn().Err(err).Msg("add ICE candidate failed")
	}
}

// drainPendingCandidates applies queued candidates in arrival order, then
// clears the queue. Called exactly once per successful remote description.
func (o *Orchestrator) drainPendingCandidates() {
	if len(o.pending) == 0 {
		return
	}
	o.log.Debug().Int("count", len(o.pending)).Msg("draining pending ICE candidates")
	for _, candidate := range o.pending {
		if err := o.engine.AddICECandidate(candidate); err != nil {
			o.log.Warn().Err(err).Msg("add pending ICE candidate failed")
		}
	}
	o.pending = nil
}

// handlePeerJoined reacts to a peer's join announcement. The initiator
// renegotiates with a fresh offer and re-announces its track identity so
// the newcomer can map inbound tracks without guessing.
func (o *Orchestrator) handlePeerJoined() {
	if !o.isInitiator {
		o.log.Debug().Msg("peer joined, waiting for offer")
		return
	}
	o.log.Info().Msg("peer joined, creating offer")
	o.negotiateOffer()
	o.sendTrackInfo()
}

func (o *Orchestrator) handleTrackInfo(info protocol.TrackInfo) {
	if info.ParticipantID == o.localID {
		return
	}
	p := o.registry.ApplyTrackInfo(info)
	o.log.Debug().Str("participant", p.ID).Str("name", p.DisplayName).Msg("track identity applied")
	if o.cfg.OnParticipant != nil {
		o.cfg.OnParticipant(p)
	}
}

func (o *Orchestrator) handleEngineEvent(ev Event) {
	switch ev := ev.(type) {
	case CandidateEvent:
		if o.signal == nil {
			return
		}
		if err := o.signal.Send(protocol.NewICECandidate(o.RoomCode(), ev.Candidate)); err != nil {
			o.log.Warn().Err(err).Msg("send ICE candidate failed")
		}
	case ConnStateEvent:
		o.log.Info().Str("state", string(ev.State)).Msg("transport state changed")
		if ev.State == ConnStateConnected {
			o.setState(StateNegotiated)
			o.sendTrackInfo()
		}
	case ChannelOpenEvent:
		o.channels[ev.Channel.Label()] = ev.Channel
		o.log.Info().Str("label", ev.Channel.Label()).Msg("data channel open")
		if o.cfg.OnChannelOpen != nil {
			o.cfg.OnChannelOpen(ev.Channel)
		}
	case ChannelMessageEvent:
		if o.cfg.OnChannelMessage != nil {
			o.cfg.OnChannelMessage(ev.Label, ev.Data)
		}
	case TrackEvent:
		p := o.registry.ObserveTrack(ev.TrackID, ev.Kind)
		o.log.Debug().Str("track", ev.TrackID).Str("participant", p.ID).Msg("track observed")
		if o.cfg.OnParticipant != nil {
			o.cfg.OnParticipant(p)
		}
	}
}

func (o *Orchestrator) sendTrackInfo() {
	if o.signal == nil || o.registry == nil {
		return
	}
	local := o.registry.Local()
	env := protocol.NewTrackInfo(o.RoomCode(), protocol.TrackInfo{
		ParticipantID: local.ID,
		VideoTrackID:  local.VideoTrackID,
		AudioTrackID:  local.AudioTrackID,
		Participant: protocol.ParticipantInfo{
			ID:     local.ID,
			Name:   local.DisplayName,
			IsHost: local.IsHost,
		},
	})
	if err := o.signal.Send(env); err != nil {
		o.log.Warn().Err(err).Msg("send trackInfo failed")
	}
}

// restartNegotiation discards all in-flight negotiation state after a relay
// reconnect and starts over from scratch in the same role. In-flight
// negotiation is never resumed.
func (o *Orchestrator) restartNegotiation() {
	o.closeEngine()
	o.pending = nil
	o.remoteDescSet = false
	o.channels = make(map[string]DataChannel)
	o.setState(StateIdle)

	if o.isInitiator {
		if err := o.openTransport(); err != nil {
			o.log.Error().Err(err).Msg("reopen transport failed")
			return
		}
		o.setState(StateAwaitingTransport)
		time.AfterFunc(o.cfg.GraceWindow, func() {
			o.post(o.sendInitialOffer)
		})
		return
	}

	// Joiner: transport is recreated lazily when the next offer arrives.
	o.setState(StateAwaitingTransport)
}

func (o *Orchestrator) closeEngine() {
	if o.engine != nil {
		o.engine.Close()
		o.engine = nil
	}
}

func (o *Orchestrator) teardown() {
	o.closeEngine()
	if o.signal != nil {
		o.signal.Close()
		o.signal = nil
	}
	o.setState(StateClosed)
}

func (o *Orchestrator) setState(state State) {
	o.mu.Lock()
	changed := o.state != state
	o.state = state
	o.mu.Unlock()
	if changed && o.cfg.OnStateChange != nil {
		o.cfg.OnStateChange(state)
	}
}

func (o *Orchestrator) setRoomCode(code string) {
	o.mu.Lock()
	o.roomCode = code
	o.mu.Unlock()
}
