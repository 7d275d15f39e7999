package playback

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// syncInterval is the minimum spacing between outbound continuous
	// records. An event on a quiet channel goes out immediately; events
	// inside the window are deferred to its edge, latest wins.
	syncInterval = 500 * time.Millisecond

	// positionTolerance is the drift a receiver accepts before correcting
	// the local position. Play/pause mismatches are always reconciled.
	positionTolerance = 0.05
)

// Player is the local media surface the engine observes and steers.
// Implementations must tolerate SetPosition and SetPlaying calls that echo
// the current state.
type Player interface {
	Position() float32
	IsPlaying() bool
	SetPosition(pos float32)
	SetPlaying(playing bool)
}

// SendFunc transmits one encoded sync record to the peer.
type SendFunc func(data []byte) error

// Engine mirrors playback state between the local player and the peer.
// Local observations flow out through send, throttled except for seeks;
// inbound records are reconciled against the player. Applying a remote
// record never produces an outbound record: observations raised while an
// apply is in progress are recognized as echoes and dropped.
type Engine struct {
	player Player
	send   SendFunc
	log    zerolog.Logger

	mu        sync.Mutex
	applying  bool
	buffering bool
	lastSent  time.Time
	pending   *State
	timer     *time.Timer
	closed    bool
}

// NewEngine builds a sync engine around a player. send is typically the
// sync data channel's Send.
func NewEngine(player Player, send SendFunc, log zerolog.Logger) *Engine {
	return &Engine{
		player: player,
		send:   send,
		log:    log.With().Str("sub", "playback").Logger(),
	}
}

// ObserveLocal records a local playback change. Seeks always go out
// immediately. A continuous change goes out immediately too when the sync
// interval has already elapsed since the last transmission; inside the
// interval it is deferred to the window edge, and rapid changes collapse
// into the latest one. Changes observed while a remote record is being
// applied are echoes of that apply and are discarded.
func (e *Engine) ObserveLocal(s State) {
	e.mu.Lock()
	if e.closed || e.applying {
		e.mu.Unlock()
		return
	}
	if s.IsSeekEvent {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.pending = nil
		e.lastSent = time.Now()
		e.mu.Unlock()
		e.transmit(s)
		return
	}

	now := time.Now()
	if elapsed := now.Sub(e.lastSent); e.timer == nil && elapsed >= syncInterval {
		e.lastSent = now
		e.mu.Unlock()
		e.transmit(s)
		return
	}

	e.pending = &s
	if e.timer == nil {
		e.timer = time.AfterFunc(syncInterval-now.Sub(e.lastSent), e.flush)
	}
	e.mu.Unlock()
}

// flush sends the latest pending record when the throttle window closes.
func (e *Engine) flush() {
	e.mu.Lock()
	e.timer = nil
	s := e.pending
	e.pending = nil
	if s != nil && !e.closed {
		e.lastSent = time.Now()
	}
	closed := e.closed
	e.mu.Unlock()
	if s == nil || closed {
		return
	}
	e.transmit(*s)
}

func (e *Engine) transmit(s State) {
	data, err := EncodeState(s)
	if err != nil {
		e.log.Error().Err(err).Msg("encode sync record failed")
		return
	}
	if err := e.send(data); err != nil {
		e.log.Warn().Err(err).Msg("send sync record failed")
	}
}

// ApplyRemote reconciles an inbound sync record against the local player.
// While the player is buffering, records are dropped so a stalled peer is
// not yanked around; the next record after buffering ends realigns it.
func (e *Engine) ApplyRemote(data []byte) error {
	s, err := DecodeState(data)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	if e.buffering {
		e.mu.Unlock()
		e.log.Debug().Msg("buffering, dropped inbound sync record")
		return nil
	}
	e.applying = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.applying = false
		e.mu.Unlock()
	}()

	if s.IsPlaying != e.player.IsPlaying() {
		e.player.SetPlaying(s.IsPlaying)
	}

	drift := math.Abs(float64(s.Position - e.player.Position()))
	if s.IsSeekEvent || drift > positionTolerance {
		e.log.Debug().
			Float64("drift", drift).
			Bool("seek", s.IsSeekEvent).
			Msg("correcting position")
		e.player.SetPosition(s.Position)
	}
	return nil
}

// SetBuffering marks the local player as stalled. Inbound records are
// dropped while set.
func (e *Engine) SetBuffering(buffering bool) {
	e.mu.Lock()
	e.buffering = buffering
	e.mu.Unlock()
}

// Close stops the engine. Deferred records are discarded.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.pending = nil
}
