package raffle

import (
	"context"
	"fmt"
	"math/big"

	"github.com/lox/autoraffle/internal/oracle"
)

var _ oracle.Consumer = (*Raffle)(nil)

// FulfillRandomWords completes the round waiting on request id. The first
// word selects the winner as word mod len(participants). The pool is paid to
// the winner and the next round is opened under the same lock.
//
// Anything other than the outstanding request fails with
// ErrUnknownOrStaleRequest and changes nothing. A failed payout returns a
// *PayoutError and also changes nothing.
func (r *Raffle) FulfillRandomWords(ctx context.Context, id oracle.RequestID, words []*big.Int) error {
	r.mu.Lock()
	if r.pending == nil || r.pending.id != id {
		r.mu.Unlock()
		return fmt.Errorf("%w: request %s", ErrUnknownOrStaleRequest, id)
	}
	if len(words) == 0 || words[0] == nil {
		r.mu.Unlock()
		return fmt.Errorf("request %s: %w", id, ErrNoRandomWords)
	}

	word := new(big.Int).Set(words[0])
	index := int(new(big.Int).Mod(word, big.NewInt(int64(len(r.participants)))).Int64())
	winner := r.participants[index]
	prize := new(big.Int).Set(r.pool)

	if err := r.ledger.Transfer(ctx, r.cfg.Escrow, winner, prize); err != nil {
		r.mu.Unlock()
		r.logger.Warn("Payout failed", "requestId", id, "winner", winner, "prize", prize, "error", err)
		return &PayoutError{Winner: winner, Amount: prize, Err: err}
	}

	participants := r.participants
	round := r.round
	now := r.clock.Now()
	r.recentWinner = winner
	r.participants = nil
	r.pool = new(big.Int)
	r.lastTimestamp = now
	r.pending = nil
	r.round++

	r.logger.Info("Winner picked", "round", round, "requestId", id, "winner", winner, "prize", prize, "players", len(participants))
	r.unlockAndPublish(WinnerPickedEvent{
		Round:        round,
		RequestID:    id,
		Winner:       winner,
		WinnerIndex:  index,
		Prize:        prize,
		RandomWord:   word,
		Participants: participants,
		At:           now,
	})
	return nil
}
