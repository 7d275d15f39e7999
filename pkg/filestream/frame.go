// Package filestream moves a video file between peers over the file data
// channel. The file is cut into fixed-size chunks that may be applied in
// any arrival order; the receiver assembles them with positioned writes and
// reports a playable prefix before the transfer finishes.
package filestream

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ChunkSize is the fixed payload size of every chunk frame except the last.
const ChunkSize = 64 * 1024

// FrameType discriminates transfer frames.
type FrameType string

const (
	// FrameMetadata opens a transfer session and names the file.
	FrameMetadata FrameType = "metadata"
	// FrameChunk carries one slice of file content.
	FrameChunk FrameType = "chunk"
	// FrameEnd closes the session and states the expected chunk count.
	FrameEnd FrameType = "end"
)

// Frame is one message on the file data channel. Fields are populated per
// frame type; unused fields are omitted on the wire.
type Frame struct {
	Type       FrameType `cbor:"type"`
	FileName   string    `cbor:"fileName,omitempty"`
	FileSize   int64     `cbor:"fileSize,omitempty"`
	ChunkIndex int       `cbor:"chunkIndex,omitempty"`
	ChunkCount int       `cbor:"chunkCount,omitempty"`
	Data       []byte    `cbor:"data,omitempty"`
	Timestamp  float64   `cbor:"timestamp,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeFrame serializes a transfer frame.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// DecodeFrame parses a transfer frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode transfer frame: %w", err)
	}
	switch f.Type {
	case FrameMetadata, FrameChunk, FrameEnd:
		return f, nil
	}
	return Frame{}, fmt.Errorf("unknown transfer frame type %q", f.Type)
}
