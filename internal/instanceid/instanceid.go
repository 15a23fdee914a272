// Package instanceid generates the short identifiers given to raffle
// instances: a UUIDv7 rendered as 26 characters of Crockford base32, so ids
// sort by creation time.
package instanceid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const alphabet = "0123456789abcdefghjkmnpqrstvwxyz"

// Length of every encoded id.
const Length = 26

// Generate returns a new time-ordered id.
func Generate() string {
	return Encode(uuid.Must(uuid.NewV7()))
}

// Encode renders id as base32. The 128 bits are right-aligned in 130, so the
// first character is always 0-7.
func Encode(id uuid.UUID) string {
	out := make([]byte, Length)
	for i := range out {
		var v byte
		for b := 0; b < 5; b++ {
			pos := i*5 + b - 2
			v <<= 1
			if pos >= 0 && id[pos/8]&(0x80>>(pos%8)) != 0 {
				v |= 1
			}
		}
		out[i] = alphabet[v]
	}
	return string(out)
}

// Decode parses an encoded id back into its UUID.
func Decode(s string) (uuid.UUID, error) {
	var id uuid.UUID
	if err := Validate(s); err != nil {
		return id, err
	}
	for i := 0; i < Length; i++ {
		v := strings.IndexByte(alphabet, s[i])
		for b := 0; b < 5; b++ {
			pos := i*5 + b - 2
			if pos < 0 {
				continue
			}
			if v&(0x10>>b) != 0 {
				id[pos/8] |= 0x80 >> (pos % 8)
			}
		}
	}
	return id, nil
}

// Validate checks length and alphabet.
func Validate(s string) error {
	if len(s) != Length {
		return fmt.Errorf("instance id must be exactly %d characters, got %d", Length, len(s))
	}
	if s[0] > '7' {
		return fmt.Errorf("instance id first character must be 0-7, got %c", s[0])
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(alphabet, s[i]) < 0 {
			return fmt.Errorf("invalid character %c at position %d", s[i], i)
		}
	}
	return nil
}
