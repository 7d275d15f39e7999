package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/kinovideo/kino/pkg/settings"
)

func main() {
	prefs, err := settings.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load preferences: %v (using defaults)\n", err)
	}

	signalURL := pflag.String("signal", prefs.SignalURL, "relay server URL")
	name := pflag.String("name", prefs.DisplayName, "display name shown to the peer")
	downloadDir := pflag.String("download-dir", prefs.DownloadDir, "directory for received files (default: OS temp dir)")
	join := pflag.String("join", "", "room code to join; omit to host a new room")
	file := pflag.String("file", "", "video file to stream to the peer (host only)")
	duration := pflag.Float64("duration", 600, "nominal media duration in seconds for the simulated player")
	logFile := pflag.String("log-file", "", "write logs to this file instead of discarding them")
	logLevel := pflag.String("log-level", "info", "log level (trace|debug|info|warn|error)")
	pflag.Parse()

	// Explicitly chosen values become the new defaults for next time.
	next := settings.Preferences{
		DisplayName: *name,
		SignalURL:   *signalURL,
		DownloadDir: *downloadDir,
	}
	if next != prefs {
		if err := settings.Save(next); err != nil {
			fmt.Fprintf(os.Stderr, "save preferences: %v\n", err)
		}
	}

	// The TUI owns the terminal, so logs go to a file or nowhere.
	log := zerolog.Nop()
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		level, err := zerolog.ParseLevel(*logLevel)
		if err != nil {
			level = zerolog.InfoLevel
		}
		log = zerolog.New(f).Level(level).With().Timestamp().Logger()
	}

	if *file != "" {
		if _, err := os.Stat(*file); err != nil {
			fmt.Fprintf(os.Stderr, "cannot stream %s: %v\n", *file, err)
			os.Exit(1)
		}
	}

	session := NewSession(SessionConfig{
		SignalURL:   *signalURL,
		DisplayName: *name,
		FilePath:    *file,
		DownloadDir: *downloadDir,
		Logger:      log,
	})
	defer session.Close()

	program := tea.NewProgram(newModel(session, *join, *duration), tea.WithAltScreen())
	session.SetNotify(program.Send)

	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "kino: %v\n", err)
		os.Exit(1)
	}
}
