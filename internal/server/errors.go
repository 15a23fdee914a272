package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/lox/autoraffle/internal/ledger"
	"github.com/lox/autoraffle/internal/oracle"
	"github.com/lox/autoraffle/internal/raffle"
)

var (
	ErrRaffleNotFound     = errors.New("raffle not found")
	ErrInvalidParticipant = errors.New("invalid participant address")
	ErrRateLimited        = errors.New("too many entries")
)

// errorStatus maps an error to an HTTP status and a stable error code. The
// websocket feed uses the same codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrRaffleNotFound):
		return http.StatusNotFound, "raffle_not_found"
	case errors.Is(err, ErrInvalidParticipant), errors.Is(err, raffle.ErrInvalidParticipant):
		return http.StatusBadRequest, "invalid_participant"
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, raffle.ErrInsufficientFee):
		return http.StatusBadRequest, "insufficient_fee"
	case errors.Is(err, raffle.ErrRoundNotOpen):
		return http.StatusConflict, "round_not_open"
	case errors.Is(err, raffle.ErrUpkeepNotNeeded):
		return http.StatusConflict, "upkeep_not_needed"
	case errors.Is(err, raffle.ErrEntryPaymentFailed):
		return http.StatusPaymentRequired, "entry_payment_failed"
	case errors.Is(err, raffle.ErrPayoutFailed):
		return http.StatusBadGateway, "payout_failed"
	case errors.Is(err, raffle.ErrUnknownOrStaleRequest):
		return http.StatusConflict, "stale_request"
	case errors.Is(err, raffle.ErrPlayerIndexOutOfRange):
		return http.StatusNotFound, "player_not_found"
	case errors.Is(err, oracle.ErrNonexistentRequest):
		return http.StatusNotFound, "unknown_request"
	case errors.Is(err, oracle.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "subscription_underfunded"
	case errors.Is(err, oracle.ErrFulfillmentInProgress):
		return http.StatusConflict, "fulfillment_in_progress"
	case errors.Is(err, oracle.ErrCoordinatorClosed):
		return http.StatusServiceUnavailable, "oracle_closed"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "cancelled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
