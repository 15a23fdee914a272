package sqlite

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lox/autoraffle/internal/raffle"
)

// ErrEscrowMismatch means an escrow balance cannot be explained by the entries
// paid into it since its last payout.
var ErrEscrowMismatch = errors.New("escrow balance does not match open entries")

// ResumePoint is where a raffle picks up after a restart.
type ResumePoint struct {
	Round   uint64
	Entries []raffle.Entry
	Pool    *big.Int
}

// LastRound returns the newest recorded round of a raffle, or zero when none
// has settled.
func (s *Store) LastRound(ctx context.Context, raffleName string) (uint64, error) {
	var round int64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(round), 0) FROM rounds WHERE raffle = ?", raffleName).Scan(&round)
	if err != nil {
		return 0, fmt.Errorf("last round %s: %w", raffleName, err)
	}
	return uint64(round), nil
}

// OpenEntries lists journal entries paid into escrow after the last transfer
// out of it, oldest first. Deposits appear with a zero From address.
func (s *Store) OpenEntries(ctx context.Context, escrow common.Address) ([]TransferRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, from_address, to_address, amount, created_at FROM transfers
WHERE to_address = ?
  AND id > COALESCE((SELECT MAX(id) FROM transfers WHERE from_address = ?), 0)
ORDER BY id ASC
`, escrow.Hex(), escrow.Hex())
	if err != nil {
		return nil, fmt.Errorf("list open entries: %w", err)
	}
	defer rows.Close()

	var out []TransferRecord
	for rows.Next() {
		var rec TransferRecord
		var from, to, amount string
		if err := rows.Scan(&rec.ID, &from, &to, &amount, &rec.At); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		rec.From = common.HexToAddress(from)
		rec.To = common.HexToAddress(to)
		if rec.Amount, err = parseBig(amount); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Resume rebuilds the open round of a raffle from the round history and the
// transfer journal. The escrow balance must equal the entries paid in since
// the last payout; anything else is reported as ErrEscrowMismatch.
func (s *Store) Resume(ctx context.Context, raffleName string, escrow common.Address) (ResumePoint, error) {
	last, err := s.LastRound(ctx, raffleName)
	if err != nil {
		return ResumePoint{}, err
	}
	open, err := s.OpenEntries(ctx, escrow)
	if err != nil {
		return ResumePoint{}, err
	}
	balance, err := s.Balance(ctx, escrow)
	if err != nil {
		return ResumePoint{}, err
	}

	rp := ResumePoint{Round: last + 1, Pool: new(big.Int)}
	for _, rec := range open {
		if rec.From == (common.Address{}) {
			return ResumePoint{}, fmt.Errorf("%w: escrow %s received a deposit of %s in transfer %d",
				ErrEscrowMismatch, escrow.Hex(), rec.Amount, rec.ID)
		}
		rp.Entries = append(rp.Entries, raffle.Entry{Participant: rec.From, Amount: rec.Amount})
		rp.Pool.Add(rp.Pool, rec.Amount)
	}
	if balance.Cmp(rp.Pool) != 0 {
		return ResumePoint{}, fmt.Errorf("%w: escrow %s holds %s, open entries total %s",
			ErrEscrowMismatch, escrow.Hex(), balance, rp.Pool)
	}
	return rp, nil
}
