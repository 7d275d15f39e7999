package filestream

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// interChunkDelay paces chunk frames so the transfer does not starve the
// sync channel sharing the same transport.
const interChunkDelay = time.Millisecond

// SendFunc transmits one encoded frame on the file data channel.
type SendFunc func(data []byte) error

// Sender streams a local file to the peer as metadata, chunks, end.
type Sender struct {
	send SendFunc
	log  zerolog.Logger

	// Delay between chunk frames. Overridable for tests.
	Delay time.Duration
}

// NewSender builds a sender that writes frames through send.
func NewSender(send SendFunc, log zerolog.Logger) *Sender {
	return &Sender{
		send:  send,
		log:   log.With().Str("sub", "filestream").Logger(),
		Delay: interChunkDelay,
	}
}

// SendFile streams the file at path. It returns once the end frame is sent
// or the context is cancelled mid-transfer.
func (s *Sender) SendFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}

	name := filepath.Base(path)
	s.log.Info().Str("file", name).Int64("size", info.Size()).Msg("starting file transfer")

	if err := s.sendFrame(Frame{
		Type:      FrameMetadata,
		FileName:  name,
		FileSize:  info.Size(),
		Timestamp: now(),
	}); err != nil {
		return err
	}

	buf := make([]byte, ChunkSize)
	index := 0
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := s.sendFrame(Frame{
				Type:       FrameChunk,
				ChunkIndex: index,
				Data:       chunk,
			}); err != nil {
				return err
			}
			index++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}

		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.sendFrame(Frame{
		Type:       FrameEnd,
		FileName:   name,
		ChunkCount: index,
		Timestamp:  now(),
	}); err != nil {
		return err
	}
	s.log.Info().Str("file", name).Int("chunks", index).Msg("file transfer complete")
	return nil
}

func (s *Sender) sendFrame(f Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	if err := s.send(data); err != nil {
		return fmt.Errorf("send %s frame: %w", f.Type, err)
	}
	return nil
}

func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
