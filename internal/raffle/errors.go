package raffle

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientFee       = errors.New("insufficient entrance fee")
	ErrInvalidParticipant    = errors.New("invalid participant")
	ErrRoundNotOpen          = errors.New("round not open")
	ErrUpkeepNotNeeded       = errors.New("upkeep not needed")
	ErrUnknownOrStaleRequest = errors.New("unknown or stale request")
	ErrPayoutFailed          = errors.New("payout failed")
	ErrEntryPaymentFailed    = errors.New("entry payment failed")
	ErrNoRandomWords         = errors.New("no random words")
	ErrPlayerIndexOutOfRange = errors.New("player index out of range")
)

// UpkeepNotNeededError reports why a close attempt was refused.
type UpkeepNotNeededError struct {
	Balance *big.Int
	Players int
	State   State
}

func (e *UpkeepNotNeededError) Error() string {
	return fmt.Sprintf("upkeep not needed: balance=%s players=%d state=%s", e.Balance, e.Players, e.State)
}

func (e *UpkeepNotNeededError) Unwrap() error { return ErrUpkeepNotNeeded }

// PayoutError wraps a failed prize transfer. The raffle stays in the
// calculating state with the same request outstanding, so the fulfilment can
// be retried once the cause is fixed.
type PayoutError struct {
	Winner common.Address
	Amount *big.Int
	Err    error
}

func (e *PayoutError) Error() string {
	return fmt.Sprintf("payout of %s to %s failed: %v", e.Amount, e.Winner, e.Err)
}

func (e *PayoutError) Unwrap() []error { return []error{ErrPayoutFailed, e.Err} }
