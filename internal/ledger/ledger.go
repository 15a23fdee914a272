// Package ledger holds account balances for raffle participants and the
// raffle's own escrow account.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrRecipientRejected   = errors.New("recipient rejected transfer")
	ErrInvalidAmount       = errors.New("invalid amount")
)

// Ledger is the full account surface shared by the in-memory and SQLite
// implementations.
type Ledger interface {
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	Deposit(ctx context.Context, addr common.Address, amount *big.Int) error
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
	SetRejecting(ctx context.Context, addr common.Address, rejecting bool) error
}

// ValidateAmount rejects nil and negative amounts.
func ValidateAmount(amount *big.Int) error {
	if amount == nil {
		return fmt.Errorf("%w: missing", ErrInvalidAmount)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: %s is negative", ErrInvalidAmount, amount)
	}
	return nil
}

// Memory is an in-process Ledger.
type Memory struct {
	mu        sync.Mutex
	balances  map[common.Address]*big.Int
	rejecting map[common.Address]bool
}

func NewMemory() *Memory {
	return &Memory{
		balances:  make(map[common.Address]*big.Int),
		rejecting: make(map[common.Address]bool),
	}
}

// Balance returns a copy of the account balance; unknown accounts hold zero.
func (m *Memory) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.balanceLocked(addr)), nil
}

// Deposit credits an account from outside the ledger.
func (m *Memory) Deposit(ctx context.Context, addr common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateAmount(amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.balanceLocked(addr)
	bal.Add(bal, amount)
	return nil
}

// Transfer moves amount between accounts. Either both sides change or
// neither does.
func (m *Memory) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateAmount(amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rejecting[to] {
		return fmt.Errorf("transfer to %s: %w", to, ErrRecipientRejected)
	}
	src := m.balanceLocked(from)
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("transfer from %s: %w: have %s, need %s", from, ErrInsufficientBalance, src, amount)
	}
	src.Sub(src, amount)
	dst := m.balanceLocked(to)
	dst.Add(dst, amount)
	return nil
}

// SetRejecting marks an account as unable to receive transfers.
func (m *Memory) SetRejecting(ctx context.Context, addr common.Address, rejecting bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rejecting {
		m.rejecting[addr] = true
	} else {
		delete(m.rejecting, addr)
	}
	return nil
}

func (m *Memory) balanceLocked(addr common.Address) *big.Int {
	bal, ok := m.balances[addr]
	if !ok {
		bal = new(big.Int)
		m.balances[addr] = bal
	}
	return bal
}
