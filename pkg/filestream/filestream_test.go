package filestream

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

type frameTap struct {
	frames []Frame
}

func (ft *frameTap) send(data []byte) error {
	f, err := DecodeFrame(data)
	if err != nil {
		return err
	}
	ft.frames = append(ft.frames, f)
	return nil
}

func writeTestFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	content := make([]byte, size)
	rng := rand.New(rand.NewSource(1))
	rng.Read(content)
	path := filepath.Join(t.TempDir(), "movie.mp4")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}
	return path, content
}

func sendAll(t *testing.T, path string) []Frame {
	t.Helper()
	tap := &frameTap{}
	s := NewSender(tap.send, zerolog.Nop())
	s.Delay = 0
	if err := s.SendFile(context.Background(), path); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	return tap.frames
}

func deliver(t *testing.T, r *Receiver, frames []Frame) {
	t.Helper()
	for _, f := range frames {
		data, err := EncodeFrame(f)
		if err != nil {
			t.Fatalf("EncodeFrame: %v", err)
		}
		if err := r.HandleFrame(data); err != nil {
			t.Fatalf("HandleFrame(%s): %v", f.Type, err)
		}
	}
}

func TestSenderFrameSequence(t *testing.T) {
	path, _ := writeTestFile(t, 5*ChunkSize+1)
	frames := sendAll(t, path)

	// metadata, 6 chunks, end
	if len(frames) != 8 {
		t.Fatalf("frame count = %d, want 8", len(frames))
	}
	meta := frames[0]
	if meta.Type != FrameMetadata || meta.FileName != "movie.mp4" || meta.FileSize != 5*ChunkSize+1 {
		t.Fatalf("metadata = %+v", meta)
	}
	for i, f := range frames[1:7] {
		if f.Type != FrameChunk || f.ChunkIndex != i {
			t.Fatalf("chunk %d = %+v", i, f)
		}
		wantLen := ChunkSize
		if i == 5 {
			wantLen = 1
		}
		if len(f.Data) != wantLen {
			t.Fatalf("chunk %d size = %d, want %d", i, len(f.Data), wantLen)
		}
	}
	end := frames[7]
	if end.Type != FrameEnd || end.ChunkCount != 6 {
		t.Fatalf("end = %+v", end)
	}
}

func TestOutOfOrderChunksAssembleIdentically(t *testing.T) {
	path, content := writeTestFile(t, 5*ChunkSize+1)
	frames := sendAll(t, path)

	chunks := frames[1 : len(frames)-1]
	rng := rand.New(rand.NewSource(7))
	rng.Shuffle(len(chunks), func(i, j int) { chunks[i], chunks[j] = chunks[j], chunks[i] })

	var done string
	r := NewReceiver(ReceiverConfig{
		Dir:        t.TempDir(),
		Logger:     zerolog.Nop(),
		OnComplete: func(p string) { done = p },
	})
	deliver(t, r, frames)

	if done == "" {
		t.Fatal("completion callback never fired")
	}
	if filepath.Ext(done) != ".mp4" {
		t.Fatalf("destination %q lost the source extension", done)
	}
	got, err := os.ReadFile(done)
	if err != nil {
		t.Fatalf("read assembled file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("assembled bytes differ from source")
	}
}

func TestPlayableAfterSeventhDistinctChunk(t *testing.T) {
	path, _ := writeTestFile(t, 9*ChunkSize)
	frames := sendAll(t, path)

	var playable []int
	r := NewReceiver(ReceiverConfig{
		Dir:    t.TempDir(),
		Logger: zerolog.Nop(),
		OnPlayable: func(string) {
			playable = append(playable, len(playable))
		},
	})

	deliver(t, r, frames[:1])
	for i, chunk := range frames[1:10] {
		// Replay each chunk once; duplicates must not advance the count.
		deliver(t, r, []Frame{chunk, chunk})
		switch {
		case i < 6 && len(playable) != 0:
			t.Fatalf("playable after %d distinct chunks", i+1)
		case i >= 6 && len(playable) != 1:
			t.Fatalf("playable fired %d times after %d chunks", len(playable), i+1)
		}
	}
}

func TestShortFilePlayableAtCompletion(t *testing.T) {
	path, content := writeTestFile(t, 2*ChunkSize)
	frames := sendAll(t, path)

	var events []string
	r := NewReceiver(ReceiverConfig{
		Dir:        t.TempDir(),
		Logger:     zerolog.Nop(),
		OnPlayable: func(string) { events = append(events, "playable") },
		OnComplete: func(p string) {
			events = append(events, "complete")
			got, err := os.ReadFile(p)
			if err != nil || !bytes.Equal(got, content) {
				t.Errorf("assembled short file wrong: %v", err)
			}
		},
	})
	deliver(t, r, frames)

	if len(events) != 2 || events[0] != "playable" || events[1] != "complete" {
		t.Fatalf("events = %v, want playable then complete", events)
	}
}

func TestNewMetadataSupersedesTransfer(t *testing.T) {
	dir := t.TempDir()
	first, _ := writeTestFile(t, 3*ChunkSize)
	second, content := writeTestFile(t, 2*ChunkSize)

	firstFrames := sendAll(t, first)
	secondFrames := sendAll(t, second)

	var done string
	r := NewReceiver(ReceiverConfig{
		Dir:        dir,
		Logger:     zerolog.Nop(),
		OnComplete: func(p string) { done = p },
	})

	// First transfer is abandoned after metadata plus one chunk.
	deliver(t, r, firstFrames[:2])
	deliver(t, r, secondFrames)

	if done == "" {
		t.Fatal("superseding transfer never completed")
	}
	got, err := os.ReadFile(done)
	if err != nil {
		t.Fatalf("read assembled file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("superseding transfer assembled wrong bytes")
	}

	// The abandoned partial file must be gone.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("destination dir has %d files, want only the completed one", len(entries))
	}
}

func TestProgressTracksDistinctChunks(t *testing.T) {
	path, _ := writeTestFile(t, 5*ChunkSize+1)
	frames := sendAll(t, path)

	r := NewReceiver(ReceiverConfig{Dir: t.TempDir(), Logger: zerolog.Nop()})
	if r.Progress() != 0 {
		t.Fatalf("progress before session = %v", r.Progress())
	}

	deliver(t, r, frames[:1])
	for i, chunk := range frames[1:7] {
		deliver(t, r, []Frame{chunk, chunk})
		want := float64(i+1) / 6
		if got := r.Progress(); got != want {
			t.Fatalf("progress after %d chunks = %v, want %v", i+1, got, want)
		}
	}
}

func TestStrayFramesWithoutSession(t *testing.T) {
	r := NewReceiver(ReceiverConfig{Dir: t.TempDir(), Logger: zerolog.Nop()})
	deliver(t, r, []Frame{
		{Type: FrameChunk, ChunkIndex: 3, Data: []byte("x")},
		{Type: FrameEnd, ChunkCount: 4},
	})
}

func TestDecodeRejectsUnknownFrameType(t *testing.T) {
	data, err := EncodeFrame(Frame{Type: "bogus"})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if _, err := DecodeFrame(data); err == nil {
		t.Fatal("expected error for unknown frame type")
	}
}
