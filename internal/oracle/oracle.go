// Package oracle defines the boundary between a raffle and the randomness
// oracle that answers it, plus a simulated coordinator that serves requests
// for local deployments and tests.
//
// A consumer issues a Request and receives a RequestID. At some later point
// the coordinator calls the consumer's FulfillRandomWords with that identifier
// and the generated words. Fulfilment is asynchronous and may be retried by
// the coordinator when the consumer rejects it.
package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// RequestID identifies one randomness request issued by a coordinator.
// Identifiers are assigned from 1 upwards; zero is never issued.
type RequestID uint64

func (id RequestID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseRequestID parses the decimal form produced by String.
func ParseRequestID(s string) (RequestID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid request id %q: %w", s, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("invalid request id %q: must be positive", s)
	}
	return RequestID(v), nil
}

// Request carries the parameters of a randomness request.
type Request struct {
	KeyHash              common.Hash
	SubscriptionID       uint64
	MinimumConfirmations uint16
	CallbackGasLimit     uint32
	NumWords             uint32
	Consumer             common.Address
}

// Consumer receives randomness for requests it issued.
type Consumer interface {
	FulfillRandomWords(ctx context.Context, id RequestID, words []*big.Int) error
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(ctx context.Context, id RequestID, words []*big.Int) error

func (f ConsumerFunc) FulfillRandomWords(ctx context.Context, id RequestID, words []*big.Int) error {
	return f(ctx, id, words)
}
