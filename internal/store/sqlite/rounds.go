package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lox/autoraffle/internal/oracle"
	"github.com/lox/autoraffle/internal/raffle"
)

// RoundRecord is one settled round.
type RoundRecord struct {
	Raffle       string           `json:"raffle"`
	Round        uint64           `json:"round"`
	RequestID    oracle.RequestID `json:"request_id"`
	Winner       common.Address   `json:"winner"`
	WinnerIndex  int              `json:"winner_index"`
	Prize        *big.Int         `json:"prize"`
	RandomWord   *big.Int         `json:"random_word"`
	Participants []common.Address `json:"participants"`
	ClosedAt     time.Time        `json:"closed_at"`
}

// RecordRound stores a settled round. Recording the same round twice is an
// error.
func (s *Store) RecordRound(ctx context.Context, rec RoundRecord) error {
	if rec.Raffle == "" {
		return errors.New("raffle name is required")
	}
	if rec.Prize == nil || rec.RandomWord == nil {
		return errors.New("prize and random word are required")
	}
	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO rounds (raffle, round, request_id, winner, winner_index, prize, random_word, participants, closed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rec.Raffle, int64(rec.Round), int64(rec.RequestID), rec.Winner.Hex(), rec.WinnerIndex,
		rec.Prize.String(), rec.RandomWord.String(), string(participants), rec.ClosedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("record round %s/%d: %w", rec.Raffle, rec.Round, err)
	}
	return nil
}

// ListRounds returns the newest rounds of a raffle, newest first.
func (s *Store) ListRounds(ctx context.Context, raffleName string, limit int) ([]RoundRecord, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be greater than zero")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT round, request_id, winner, winner_index, prize, random_word, participants, closed_at
FROM rounds WHERE raffle = ? ORDER BY round DESC LIMIT ?
`, raffleName, limit)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()

	var out []RoundRecord
	for rows.Next() {
		var (
			rec                                 RoundRecord
			round, requestID, closedAt          int64
			winner, prize, word, participantsJS string
		)
		if err := rows.Scan(&round, &requestID, &winner, &rec.WinnerIndex, &prize, &word, &participantsJS, &closedAt); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		rec.Raffle = raffleName
		rec.Round = uint64(round)
		rec.RequestID = oracle.RequestID(requestID)
		rec.Winner = common.HexToAddress(winner)
		rec.ClosedAt = time.UnixMilli(closedAt).UTC()
		if rec.Prize, err = parseBig(prize); err != nil {
			return nil, err
		}
		if rec.RandomWord, err = parseBig(word); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(participantsJS), &rec.Participants); err != nil {
			return nil, fmt.Errorf("decode participants: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RoundRecorder writes every WinnerPickedEvent of one raffle to the store.
type RoundRecorder struct {
	store   *Store
	raffle  string
	logger  *log.Logger
	timeout time.Duration
}

var _ raffle.EventSubscriber = (*RoundRecorder)(nil)

func NewRoundRecorder(store *Store, raffleName string, logger *log.Logger) *RoundRecorder {
	return &RoundRecorder{
		store:   store,
		raffle:  raffleName,
		logger:  logger.WithPrefix("rounds").With("raffle", raffleName),
		timeout: 5 * time.Second,
	}
}

func (r *RoundRecorder) OnEvent(event raffle.Event) {
	picked, ok := event.(raffle.WinnerPickedEvent)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	err := r.store.RecordRound(ctx, RoundRecord{
		Raffle:       r.raffle,
		Round:        picked.Round,
		RequestID:    picked.RequestID,
		Winner:       picked.Winner,
		WinnerIndex:  picked.WinnerIndex,
		Prize:        picked.Prize,
		RandomWord:   picked.RandomWord,
		Participants: picked.Participants,
		ClosedAt:     picked.At,
	})
	if err != nil {
		r.logger.Error("Failed to record round", "round", picked.Round, "error", err)
		return
	}
	r.logger.Debug("Recorded round", "round", picked.Round, "winner", picked.Winner.Hex())
}
