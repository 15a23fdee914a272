package raffle

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/lox/autoraffle/internal/oracle"
)

// CheckUpkeep reports whether PerformUpkeep would currently succeed. The
// round may close once it is open, the interval since the last close has
// elapsed, and it holds at least one player and a positive pool. The second
// result is opaque perform data and is always empty.
func (r *Raffle) CheckUpkeep(_ context.Context, _ []byte) (bool, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upkeepNeededLocked(r.clock.Now()), nil
}

func (r *Raffle) upkeepNeededLocked(now time.Time) bool {
	if r.pending != nil {
		return r.requestExpiredLocked(now)
	}
	return now.Sub(r.lastTimestamp) >= r.cfg.Interval &&
		len(r.participants) > 0 &&
		r.pool.Sign() > 0
}

func (r *Raffle) requestExpiredLocked(now time.Time) bool {
	return r.cfg.RequestTimeout > 0 && now.Sub(r.pending.requestedAt) >= r.cfg.RequestTimeout
}

// PerformUpkeep closes the current round and requests randomness for it.
// The condition is evaluated again under the lock, so callers cannot rely on
// an earlier CheckUpkeep. If the oracle refuses the request the raffle stays
// open. Perform data is ignored.
func (r *Raffle) PerformUpkeep(ctx context.Context, _ []byte) (oracle.RequestID, error) {
	r.mu.Lock()
	now := r.clock.Now()
	if !r.upkeepNeededLocked(now) {
		err := &UpkeepNotNeededError{
			Balance: new(big.Int).Set(r.pool),
			Players: len(r.participants),
			State:   r.stateLocked(),
		}
		r.mu.Unlock()
		return 0, err
	}

	id, err := r.coordinator.RequestRandomWords(ctx, oracle.Request{
		KeyHash:              r.cfg.GasLane,
		SubscriptionID:       r.cfg.SubscriptionID,
		MinimumConfirmations: r.cfg.RequestConfirmations,
		CallbackGasLimit:     r.cfg.CallbackGasLimit,
		NumWords:             r.cfg.NumWords,
		Consumer:             r.cfg.Escrow,
	})
	if err != nil {
		r.mu.Unlock()
		return 0, fmt.Errorf("request randomness: %w", err)
	}

	previous := r.pending
	r.pending = &pendingRequest{id: id, requestedAt: now}

	var event Event
	if previous != nil {
		r.logger.Warn("Randomness request expired, reissued",
			"round", r.round, "previous", previous.id, "requestId", id)
		event = RequestReissuedEvent{Round: r.round, Previous: previous.id, RequestID: id, At: now}
	} else {
		r.logger.Info("Round closing", "round", r.round, "requestId", id,
			"players", len(r.participants), "pool", r.pool)
		event = WinnerRequestedEvent{
			Round:     r.round,
			RequestID: id,
			Players:   len(r.participants),
			Pool:      new(big.Int).Set(r.pool),
			At:        now,
		}
	}
	r.unlockAndPublish(event)
	return id, nil
}
