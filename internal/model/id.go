package model

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Id is a 128-bit identifier for items and chunks, printable as hex.
type Id [16]byte

// InvalidId is the zero value of Id.
var InvalidId Id

// GenerateId returns a new random Id.
func GenerateId() Id {
	return Id(uuid.New())
}

// IdFromInt returns a deterministic Id with the given value in its low
// bytes. Intended for tests and well-known chunks.
func IdFromInt(value uint64) Id {
	var id Id
	for i := 0; i < 8; i++ {
		id[15-i] = byte(value >> (8 * i))
	}
	return id
}

// IdFromHex parses a 32-character hex string.
func IdFromHex(s string) (Id, error) {
	var id Id
	raw, err := hex.DecodeString(s)
	if err != nil {
		return InvalidId, fmt.Errorf("invalid id %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return InvalidId, fmt.Errorf("invalid id %q: expected %d bytes, got %d",
			s, len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// IsValid reports whether the Id is non-zero.
func (i Id) IsValid() bool {
	return i != InvalidId
}

// Hex returns the 32-character hex representation.
func (i Id) Hex() string {
	return hex.EncodeToString(i[:])
}

// String implements fmt.Stringer.
func (i Id) String() string {
	return i.Hex()
}

// MarshalText implements encoding.TextMarshaler so Ids serialize as hex
// in JSON payloads and map keys.
func (i Id) MarshalText() ([]byte, error) {
	return []byte(i.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *Id) UnmarshalText(text []byte) error {
	parsed, err := IdFromHex(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
