package filestream

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// playableChunkThreshold is the number of distinct leading chunks beyond
// which the partial file is announced as playable.
const playableChunkThreshold = 6

// ReceiverConfig wires a receiver to its destination directory and its
// progress callbacks. Callbacks run on the frame-delivery goroutine.
type ReceiverConfig struct {
	// Dir is where assembled files land. Defaults to the OS temp dir.
	Dir    string
	Logger zerolog.Logger

	// OnPlayable fires exactly once per session, when enough distinct
	// chunks have arrived to start playing the partial file.
	OnPlayable func(path string)

	// OnComplete fires when the end frame arrives and the file is closed.
	OnComplete func(path string)
}

// Receiver assembles inbound transfer frames into a local file. Chunks may
// arrive in any order; each is written at its own offset. A new metadata
// frame supersedes whatever session was in progress.
type Receiver struct {
	cfg ReceiverConfig
	log zerolog.Logger

	mu            sync.Mutex
	file          *os.File
	path          string
	name          string
	expected      int
	received      map[int]struct{}
	playableFired bool
}

// NewReceiver builds a receiver writing into cfg.Dir.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	return &Receiver{
		cfg: cfg,
		log: cfg.Logger.With().Str("sub", "filestream").Logger(),
	}
}

// HandleFrame processes one raw frame off the file data channel. Undecodable
// frames are an error; failed chunk writes are logged and skipped so one bad
// write does not abort the whole transfer.
func (r *Receiver) HandleFrame(data []byte) error {
	frame, err := DecodeFrame(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch frame.Type {
	case FrameMetadata:
		return r.beginSession(frame)
	case FrameChunk:
		r.applyChunk(frame)
		return nil
	case FrameEnd:
		return r.finishSession(frame)
	}
	return nil
}

// beginSession opens a fresh destination file. An in-progress session is
// discarded, its partial file removed.
func (r *Receiver) beginSession(frame Frame) error {
	if r.file != nil {
		r.log.Warn().Str("file", r.name).Msg("transfer superseded by new metadata")
		r.discardLocked()
	}

	path := filepath.Join(r.cfg.Dir, uuid.NewString()+filepath.Ext(frame.FileName))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}

	r.file = f
	r.path = path
	r.name = frame.FileName
	r.expected = int((frame.FileSize + ChunkSize - 1) / ChunkSize)
	r.received = make(map[int]struct{})
	r.playableFired = false
	r.log.Info().Str("file", frame.FileName).Int64("size", frame.FileSize).Str("dest", path).Msg("transfer started")
	return nil
}

func (r *Receiver) applyChunk(frame Frame) {
	if r.file == nil {
		r.log.Warn().Int("index", frame.ChunkIndex).Msg("chunk without active transfer, dropped")
		return
	}
	if _, dup := r.received[frame.ChunkIndex]; dup {
		return
	}
	if _, err := r.file.WriteAt(frame.Data, int64(frame.ChunkIndex)*ChunkSize); err != nil {
		r.log.Warn().Err(err).Int("index", frame.ChunkIndex).Msg("chunk write failed, skipping")
		return
	}
	r.received[frame.ChunkIndex] = struct{}{}

	if !r.playableFired && len(r.received) > playableChunkThreshold {
		r.playableFired = true
		r.log.Info().Str("file", r.name).Int("chunks", len(r.received)).Msg("partial file playable")
		if r.cfg.OnPlayable != nil {
			r.cfg.OnPlayable(r.path)
		}
	}
}

func (r *Receiver) finishSession(frame Frame) error {
	if r.file == nil {
		r.log.Warn().Msg("end frame without active transfer, dropped")
		return nil
	}
	if frame.ChunkCount > 0 && len(r.received) != frame.ChunkCount {
		r.log.Warn().
			Int("have", len(r.received)).
			Int("want", frame.ChunkCount).
			Msg("transfer ended with missing chunks")
	}

	if err := r.file.Sync(); err != nil {
		r.log.Warn().Err(err).Msg("sync destination file failed")
	}
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close destination file: %w", err)
	}

	path := r.path
	// A short file can complete before reaching the playable threshold.
	playableLate := !r.playableFired
	r.file = nil
	r.path = ""
	r.name = ""
	r.expected = 0
	r.received = nil
	r.log.Info().Str("dest", path).Msg("transfer finished")

	if playableLate && r.cfg.OnPlayable != nil {
		r.cfg.OnPlayable(path)
	}
	if r.cfg.OnComplete != nil {
		r.cfg.OnComplete(path)
	}
	return nil
}

// Progress reports the fraction of expected chunks received for the active
// session, in [0, 1]. Out-of-order arrival makes it jump, never regress.
// Returns 0 with no active session.
func (r *Receiver) Progress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil || r.expected == 0 {
		return 0
	}
	return float64(len(r.received)) / float64(r.expected)
}

// Close discards any in-progress session and removes its partial file.
func (r *Receiver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discardLocked()
}

func (r *Receiver) discardLocked() {
	if r.file == nil {
		return
	}
	r.file.Close()
	if err := os.Remove(r.path); err != nil {
		r.log.Warn().Err(err).Str("dest", r.path).Msg("remove partial file failed")
	}
	r.file = nil
	r.path = ""
	r.name = ""
	r.expected = 0
	r.received = nil
	r.playableFired = false
}
