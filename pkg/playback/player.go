package playback

import "sync"

// SimPlayer is a headless player for clients without a real media surface
// and for tests. It reports every state change, including programmatic
// ones, through the OnChange hook the way real player frameworks surface
// rate and time observations.
type SimPlayer struct {
	mu       sync.Mutex
	position float32
	playing  bool
	onChange func(State)
}

// NewSimPlayer creates a paused player at position 0.
func NewSimPlayer() *SimPlayer {
	return &SimPlayer{}
}

// SetOnChange installs the observation hook. The hook is invoked
// synchronously from the mutating call, outside the player's lock.
func (p *SimPlayer) SetOnChange(fn func(State)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

func (p *SimPlayer) Position() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

func (p *SimPlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *SimPlayer) SetPosition(pos float32) {
	p.mu.Lock()
	p.position = clamp(pos)
	s, fn := State{IsPlaying: p.playing, Position: p.position}, p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (p *SimPlayer) SetPlaying(playing bool) {
	p.mu.Lock()
	p.playing = playing
	s, fn := State{IsPlaying: p.playing, Position: p.position}, p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Seek is a user-initiated jump; it is reported as a seek event.
func (p *SimPlayer) Seek(pos float32) {
	p.mu.Lock()
	p.position = clamp(pos)
	s, fn := State{IsPlaying: p.playing, Position: p.position, IsSeekEvent: true}, p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// TogglePlay flips play/pause as a user action.
func (p *SimPlayer) TogglePlay() {
	p.mu.Lock()
	p.playing = !p.playing
	s, fn := State{IsPlaying: p.playing, Position: p.position}, p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Advance moves the playhead forward by delta while playing. Drives the
// simulated clock from the caller's ticker.
func (p *SimPlayer) Advance(delta float32) {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return
	}
	p.position = clamp(p.position + delta)
	s, fn := State{IsPlaying: p.playing, Position: p.position}, p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func clamp(pos float32) float32 {
	if pos < 0 {
		return 0
	}
	if pos > 1 {
		return 1
	}
	return pos
}
