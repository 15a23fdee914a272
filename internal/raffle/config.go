package raffle

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultRequestConfirmations uint16 = 3
	DefaultNumWords             uint32 = 1
	DefaultCallbackGasLimit     uint32 = 500_000
)

// Config is fixed when the raffle is created.
type Config struct {
	// Escrow is the ledger account that holds the pool. It is also the
	// consumer address presented to the oracle.
	Escrow      common.Address
	EntranceFee *big.Int
	// Interval is the minimum time between the last close and the next.
	Interval             time.Duration
	GasLane              common.Hash
	SubscriptionID       uint64
	CallbackGasLimit     uint32
	RequestConfirmations uint16
	NumWords             uint32
	// RequestTimeout, when positive, lets upkeep replace an outstanding
	// request that has gone unanswered for this long. Zero waits forever.
	RequestTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.CallbackGasLimit == 0 {
		c.CallbackGasLimit = DefaultCallbackGasLimit
	}
	if c.RequestConfirmations == 0 {
		c.RequestConfirmations = DefaultRequestConfirmations
	}
	if c.NumWords == 0 {
		c.NumWords = DefaultNumWords
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.Escrow == (common.Address{}) {
		return errors.New("escrow address is required")
	}
	if c.EntranceFee == nil || c.EntranceFee.Sign() <= 0 {
		return errors.New("entrance fee must be positive")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must not be negative, got %s", c.RequestTimeout)
	}
	return nil
}
