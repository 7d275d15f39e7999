package protocol

import (
	"math/rand"
	"strings"
)

// Room codes look like KINO-7XQ4M: a fixed prefix plus five characters from
// an alphabet without easily-confused glyphs (no I, O, 0 or 1).
const (
	roomCodePrefix   = "KINO-"
	roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	roomCodeLength   = 5
)

// GenerateRoomCode creates a shareable room code. Safe for concurrent use;
// the top-level rand functions serialize access to the shared source.
func GenerateRoomCode() string {
	var b strings.Builder
	b.WriteString(roomCodePrefix)
	for i := 0; i < roomCodeLength; i++ {
		b.WriteByte(roomCodeAlphabet[rand.Intn(len(roomCodeAlphabet))])
	}
	return b.String()
}

// NormalizeRoomCode ensures consistent formatting (uppercase, trimmed).
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateRoomCode checks if a room code has valid format.
func ValidateRoomCode(code string) bool {
	if !strings.HasPrefix(code, roomCodePrefix) {
		return false
	}
	suffix := strings.TrimPrefix(code, roomCodePrefix)
	if len(suffix) != roomCodeLength {
		return false
	}
	for i := 0; i < len(suffix); i++ {
		if !strings.ContainsRune(roomCodeAlphabet, rune(suffix[i])) {
			return false
		}
	}
	return true
}
