package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kinovideo/kino/pkg/rtc"
)

const tickInterval = 250 * time.Millisecond

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	codeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("13"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	participantStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("11"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	playingStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	barFilledStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	barEmptyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))
)

type tickMsg time.Time

// hostedMsg reports the created room code, or the failure.
type hostedMsg struct {
	code string
	err  error
}

// joinedMsg reports the outcome of joining a room.
type joinedMsg struct {
	err error
}

type model struct {
	session  *Session
	joinCode string
	duration float64

	roomCode     string
	state        rtc.State
	clientCount  int
	participants map[string]rtc.Participant
	mediaPath    string
	playablePath string
	err          error
	width        int
}

func newModel(session *Session, joinCode string, duration float64) model {
	return model{
		session:      session,
		joinCode:     joinCode,
		duration:     duration,
		state:        rtc.StateIdle,
		participants: make(map[string]rtc.Participant),
		width:        80,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.startSession(), tick())
}

// startSession hosts or joins depending on the flags.
func (m model) startSession() tea.Cmd {
	session, joinCode := m.session, m.joinCode
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if joinCode != "" {
			return joinedMsg{err: session.Join(ctx, joinCode)}
		}
		code, err := session.Host(ctx)
		return hostedMsg{code: code, err: err}
	}
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		// Advance the simulated playhead while playing.
		m.session.Player().Advance(float32(tickInterval.Seconds() / m.duration))
		return m, tick()

	case hostedMsg:
		m.roomCode, m.err = msg.code, msg.err
		return m, nil

	case joinedMsg:
		m.err = msg.err
		if msg.err == nil {
			m.roomCode = m.session.orch.RoomCode()
		}
		return m, nil

	case sessionStateMsg:
		m.state = rtc.State(msg)
		return m, nil

	case clientCountMsg:
		m.clientCount = int(msg)
		return m, nil

	case participantMsg:
		m.participants[msg.ID] = rtc.Participant(msg)
		return m, nil

	case playableMsg:
		m.playablePath = msg.path
		return m, nil

	case fileReadyMsg:
		m.mediaPath = msg.path
		return m, nil

	case sessionErrMsg:
		m.err = msg.err
		return m, nil
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	player := m.session.Player()
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case " ":
		player.TogglePlay()
	case "left":
		player.Seek(player.Position() - 0.05)
	case "right":
		player.Seek(player.Position() + 0.05)
	case "0":
		player.Seek(0)
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Kino - watch together"))
	b.WriteString("\n\n")

	if m.roomCode != "" {
		b.WriteString("Room    " + codeStyle.Render(m.roomCode) + "\n")
	} else if m.joinCode != "" {
		b.WriteString("Room    " + dimStyle.Render("joining "+m.joinCode+"…") + "\n")
	} else {
		b.WriteString("Room    " + dimStyle.Render("creating…") + "\n")
	}
	b.WriteString("Status  " + statusStyle.Render(describeState(m.state)) + "\n")
	b.WriteString(fmt.Sprintf("Peers   %s\n", statusStyle.Render(fmt.Sprintf("%d connected to relay", m.clientCount))))

	if len(m.participants) > 0 {
		b.WriteString("\n")
		for _, p := range m.participants {
			name := p.DisplayName
			if name == "" {
				name = dimStyle.Render("(unidentified)")
			}
			tag := ""
			if p.IsHost {
				tag = dimStyle.Render(" host")
			}
			media := describeMedia(p)
			b.WriteString("  • " + participantStyle.Render(name) + tag + media + "\n")
		}
	}

	b.WriteString("\n" + m.playbackView() + "\n")

	progress := m.session.TransferProgress()
	switch {
	case m.mediaPath != "":
		b.WriteString("\nFile    " + statusStyle.Render("received: "+m.mediaPath) + "\n")
	case m.playablePath != "":
		b.WriteString("\nFile    " + statusStyle.Render(fmt.Sprintf("receiving (%d%%), playable: %s", int(progress*100), m.playablePath)) + "\n")
	case progress > 0:
		b.WriteString("\nFile    " + statusStyle.Render(fmt.Sprintf("receiving (%d%%)", int(progress*100))) + "\n")
	case m.session.cfg.FilePath != "":
		b.WriteString("\nFile    " + dimStyle.Render("streaming "+m.session.cfg.FilePath) + "\n")
	}

	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render("Error: "+m.err.Error()) + "\n")
	}

	b.WriteString("\n" + helpStyle.Render("space play/pause · ←/→ seek 5% · 0 restart · q quit"))
	return b.String()
}

func (m model) playbackView() string {
	player := m.session.Player()
	pos := player.Position()

	width := m.width - 20
	if width < 10 {
		width = 10
	}
	filled := int(pos * float32(width))
	if filled > width {
		filled = width
	}
	bar := barFilledStyle.Render(strings.Repeat("█", filled)) +
		barEmptyStyle.Render(strings.Repeat("░", width-filled))

	state := dimStyle.Render("⏸ paused")
	if player.IsPlaying() {
		state = playingStyle.Render("▶ playing")
	}
	elapsed := time.Duration(float64(pos) * m.duration * float64(time.Second))
	return fmt.Sprintf("%s  %s %s", state, bar, dimStyle.Render(elapsed.Round(time.Second).String()))
}

func describeState(s rtc.State) string {
	switch s {
	case rtc.StateIdle:
		return "not connected"
	case rtc.StateAwaitingTransport:
		return "connected to relay, waiting for peer"
	case rtc.StateOffering:
		return "negotiating (offer sent)"
	case rtc.StateAnswering:
		return "negotiating (answer sent)"
	case rtc.StateNegotiated:
		return "peer connected"
	case rtc.StateClosed:
		return "closed"
	}
	return string(s)
}

func describeMedia(p rtc.Participant) string {
	var parts []string
	if p.HasVideo {
		parts = append(parts, "video")
	}
	if p.HasAudio {
		parts = append(parts, "audio")
	}
	if len(parts) == 0 {
		return ""
	}
	return dimStyle.Render(" [" + strings.Join(parts, "+") + "]")
}
