package raffle

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lox/autoraffle/internal/oracle"
)

// Snapshot is a consistent copy of a raffle's configuration and state.
type Snapshot struct {
	State                State
	Round                uint64
	EntranceFee          *big.Int
	Interval             time.Duration
	Pool                 *big.Int
	Participants         []common.Address
	RecentWinner         common.Address
	LastTimestamp        time.Time
	OutstandingRequest   oracle.RequestID
	RequestedAt          time.Time
	Escrow               common.Address
	Coordinator          common.Address
	GasLane              common.Hash
	SubscriptionID       uint64
	CallbackGasLimit     uint32
	RequestConfirmations uint16
	NumWords             uint32
}

func (r *Raffle) EntranceFee() *big.Int { return new(big.Int).Set(r.cfg.EntranceFee) }

func (r *Raffle) Interval() time.Duration { return r.cfg.Interval }

func (r *Raffle) GasLane() common.Hash { return r.cfg.GasLane }

func (r *Raffle) SubscriptionID() uint64 { return r.cfg.SubscriptionID }

func (r *Raffle) CallbackGasLimit() uint32 { return r.cfg.CallbackGasLimit }

func (r *Raffle) RequestConfirmations() uint16 { return r.cfg.RequestConfirmations }

func (r *Raffle) NumWords() uint32 { return r.cfg.NumWords }

func (r *Raffle) Escrow() common.Address { return r.cfg.Escrow }

func (r *Raffle) CoordinatorAddress() common.Address { return r.coordinator.Address() }

// State reports whether the raffle is open or calculating.
func (r *Raffle) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *Raffle) stateLocked() State {
	if r.pending != nil {
		return StateCalculating
	}
	return StateOpen
}

// NumPlayers returns the number of entries in the current round.
func (r *Raffle) NumPlayers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// Player returns the participant at index i of the current round.
func (r *Raffle) Player(i int) (common.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.participants) {
		return common.Address{}, fmt.Errorf("%w: %d of %d", ErrPlayerIndexOutOfRange, i, len(r.participants))
	}
	return r.participants[i], nil
}

// RecentWinner returns the last paid winner, or the zero address before the
// first payout.
func (r *Raffle) RecentWinner() common.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recentWinner
}

// LastTimestamp returns when the current round started.
func (r *Raffle) LastTimestamp() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastTimestamp
}

// Pool returns the value accumulated in the current round.
func (r *Raffle) Pool() *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return new(big.Int).Set(r.pool)
}

// Round returns the 1-based number of the current round.
func (r *Raffle) Round() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.round
}

// OutstandingRequest returns the request the raffle is waiting on, if any.
func (r *Raffle) OutstandingRequest() (oracle.RequestID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return 0, false
	}
	return r.pending.id, true
}

// Snapshot returns every query result taken under one lock.
func (r *Raffle) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		State:                r.stateLocked(),
		Round:                r.round,
		EntranceFee:          new(big.Int).Set(r.cfg.EntranceFee),
		Interval:             r.cfg.Interval,
		Pool:                 new(big.Int).Set(r.pool),
		Participants:         append([]common.Address(nil), r.participants...),
		RecentWinner:         r.recentWinner,
		LastTimestamp:        r.lastTimestamp,
		Escrow:               r.cfg.Escrow,
		Coordinator:          r.coordinator.Address(),
		GasLane:              r.cfg.GasLane,
		SubscriptionID:       r.cfg.SubscriptionID,
		CallbackGasLimit:     r.cfg.CallbackGasLimit,
		RequestConfirmations: r.cfg.RequestConfirmations,
		NumWords:             r.cfg.NumWords,
	}
	if r.pending != nil {
		s.OutstandingRequest = r.pending.id
		s.RequestedAt = r.pending.requestedAt
	}
	return s
}
