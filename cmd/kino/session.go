package main

import (
	"context"
	"errors"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/kinovideo/kino/pkg/filestream"
	"github.com/kinovideo/kino/pkg/playback"
	"github.com/kinovideo/kino/pkg/rtc"
	"github.com/kinovideo/kino/pkg/signaling"
)

// Messages delivered to the TUI.
type (
	sessionStateMsg rtc.State
	clientCountMsg  int
	participantMsg  rtc.Participant
	playableMsg     struct{ path string }
	fileReadyMsg    struct{ path string }
	sessionErrMsg   struct{ err error }
)

var errChannelNotOpen = errors.New("data channel not open")

// SessionConfig carries everything a session needs besides the TUI.
type SessionConfig struct {
	SignalURL   string
	DisplayName string

	// FilePath, when set, is streamed to the peer once the file channel
	// opens. Hosting only.
	FilePath string

	// DownloadDir is where received files land. Empty means the OS temp
	// directory.
	DownloadDir string

	Logger zerolog.Logger
}

// Session glues the negotiation orchestrator, the playback sync engine and
// the file transfer pipeline together for one room membership, and reports
// everything of interest to the TUI as tea messages.
type Session struct {
	cfg    SessionConfig
	log    zerolog.Logger
	orch   *rtc.Orchestrator
	player *playback.SimPlayer
	sync   *playback.Engine
	recv   *filestream.Receiver

	cancel context.CancelFunc

	mu      sync.Mutex
	syncCh  rtc.DataChannel
	fileCh  rtc.DataChannel
	sending bool
	notify  func(tea.Msg)
}

// NewSession wires the pipeline. The orchestrator's actor starts
// immediately; negotiation starts with Host or Join.
func NewSession(cfg SessionConfig) *Session {
	s := &Session{
		cfg:    cfg,
		log:    cfg.Logger,
		player: playback.NewSimPlayer(),
	}
	s.sync = playback.NewEngine(s.player, s.sendSync, cfg.Logger)
	s.player.SetOnChange(s.sync.ObserveLocal)
	s.recv = filestream.NewReceiver(filestream.ReceiverConfig{
		Dir:        cfg.DownloadDir,
		Logger:     cfg.Logger,
		OnPlayable: func(path string) { s.send(playableMsg{path}) },
		OnComplete: func(path string) { s.send(fileReadyMsg{path}) },
	})

	s.orch = rtc.NewOrchestrator(rtc.Config{
		DisplayName: cfg.DisplayName,
		Logger:      cfg.Logger,
		NewEngine: func() (rtc.Engine, error) {
			return rtc.NewPionEngine(cfg.Logger)
		},
		NewSignaler: func(roomCode string) rtc.Signaler {
			return signaling.NewClient(cfg.SignalURL, roomCode, cfg.Logger)
		},
		OnStateChange:    func(state rtc.State) { s.send(sessionStateMsg(state)) },
		OnClientCount:    func(n int) { s.send(clientCountMsg(n)) },
		OnParticipant:    func(p rtc.Participant) { s.send(participantMsg(p)) },
		OnChannelOpen:    s.channelOpened,
		OnChannelMessage: s.channelMessage,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.orch.Run(ctx)
	return s
}

// SetNotify installs the TUI's message sink. Events raised before this are
// dropped; the TUI queries current state on startup anyway.
func (s *Session) SetNotify(fn func(tea.Msg)) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

// Host creates a new room and returns its code.
func (s *Session) Host(ctx context.Context) (string, error) {
	return s.orch.CreateRoom(ctx)
}

// Join enters an existing room by code.
func (s *Session) Join(ctx context.Context, code string) error {
	return s.orch.JoinRoom(ctx, code)
}

// Player exposes the simulated player the TUI drives.
func (s *Session) Player() *playback.SimPlayer { return s.player }

// TransferProgress reports the inbound transfer's completion fraction, or 0
// when no transfer is active.
func (s *Session) TransferProgress() float64 { return s.recv.Progress() }

// Close tears the whole pipeline down.
func (s *Session) Close() {
	s.cancel()
	s.orch.Close()
	s.sync.Close()
	s.recv.Close()
}

func (s *Session) send(msg tea.Msg) {
	s.mu.Lock()
	fn := s.notify
	s.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (s *Session) sendSync(data []byte) error {
	s.mu.Lock()
	ch := s.syncCh
	s.mu.Unlock()
	if ch == nil {
		return errChannelNotOpen
	}
	return ch.Send(data)
}

func (s *Session) channelOpened(ch rtc.DataChannel) {
	s.mu.Lock()
	switch ch.Label() {
	case rtc.SyncChannelLabel:
		s.syncCh = ch
	case rtc.FileChannelLabel:
		s.fileCh = ch
	}
	startTransfer := s.fileCh != nil && s.cfg.FilePath != "" && !s.sending
	if startTransfer {
		s.sending = true
	}
	fileCh := s.fileCh
	s.mu.Unlock()

	if startTransfer {
		go s.streamFile(fileCh)
	}
}

func (s *Session) streamFile(ch rtc.DataChannel) {
	sender := filestream.NewSender(ch.Send, s.log)
	if err := sender.SendFile(context.Background(), s.cfg.FilePath); err != nil {
		s.log.Error().Err(err).Str("file", s.cfg.FilePath).Msg("file transfer failed")
		s.send(sessionErrMsg{err})
	}
}

func (s *Session) channelMessage(label string, data []byte) {
	switch label {
	case rtc.SyncChannelLabel:
		if err := s.sync.ApplyRemote(data); err != nil {
			s.log.Warn().Err(err).Msg("bad sync record")
		}
	case rtc.FileChannelLabel:
		if err := s.recv.HandleFrame(data); err != nil {
			s.log.Warn().Err(err).Msg("bad transfer frame")
		}
	}
}
