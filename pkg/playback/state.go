// Package playback keeps two peers' video playback aligned over the sync
// data channel. Positions are normalized to the range [0, 1] so peers never
// need to agree on the media duration or timestamp units.
package playback

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// State is one playback sync record. IsSeekEvent marks a deliberate jump:
// receivers apply the position unconditionally instead of going through the
// drift threshold.
type State struct {
	IsPlaying   bool    `cbor:"isPlaying"`
	Position    float32 `cbor:"position"`
	IsSeekEvent bool    `cbor:"isSeekEvent"`
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

// EncodeState serializes a sync record for the data channel.
func EncodeState(s State) ([]byte, error) {
	data, err := encMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode playback state: %w", err)
	}
	return data, nil
}

// DecodeState parses a sync record received from the peer.
func DecodeState(data []byte) (State, error) {
	var s State
	if err := decMode.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("decode playback state: %w", err)
	}
	return s, nil
}
