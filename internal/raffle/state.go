package raffle

import "fmt"

// State is the externally visible phase of a raffle.
type State uint8

const (
	// StateOpen accepts entries.
	StateOpen State = iota
	// StateCalculating waits for the oracle to answer the outstanding request.
	StateCalculating
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCalculating:
		return "calculating"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// MarshalText encodes the state as its lowercase name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
