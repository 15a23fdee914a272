// Package sqlite persists the ledger and round history in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"

	"github.com/coder/quartz"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lox/autoraffle/internal/ledger"
	_ "modernc.org/sqlite"
)

// Store implements ledger.Ledger and the round history on SQLite.
type Store struct {
	db    *sql.DB
	clock quartz.Clock
}

var _ ledger.Ledger = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for row timestamps.
func WithClock(clock quartz.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// Open opens the database at path, creating it if needed, and applies
// migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Ledger updates are read-modify-write; one connection keeps them serial.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{db: db, clock: quartz.NewReal()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Balance returns the balance of addr; unknown accounts hold zero.
func (s *Store) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT balance FROM accounts WHERE address = ?", addr.Hex()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s: %w", addr, err)
	}
	return parseBig(raw)
}

// Deposit credits addr from outside the ledger.
func (s *Store) Deposit(ctx context.Context, addr common.Address, amount *big.Int) error {
	if err := ledger.ValidateAmount(amount); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		bal, _, err := s.account(ctx, tx, addr)
		if err != nil {
			return err
		}
		if err := s.putBalance(ctx, tx, addr, bal.Add(bal, amount)); err != nil {
			return err
		}
		return s.journal(ctx, tx, common.Address{}, addr, amount)
	})
}

// Transfer moves amount from one account to another in one transaction.
func (s *Store) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if err := ledger.ValidateAmount(amount); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		toBal, rejecting, err := s.account(ctx, tx, to)
		if err != nil {
			return err
		}
		if rejecting {
			return fmt.Errorf("transfer to %s: %w", to, ledger.ErrRecipientRejected)
		}
		fromBal, _, err := s.account(ctx, tx, from)
		if err != nil {
			return err
		}
		if fromBal.Cmp(amount) < 0 {
			return fmt.Errorf("transfer from %s: %w: have %s, need %s", from, ledger.ErrInsufficientBalance, fromBal, amount)
		}
		if from == to {
			return nil
		}
		if err := s.putBalance(ctx, tx, from, fromBal.Sub(fromBal, amount)); err != nil {
			return err
		}
		if err := s.putBalance(ctx, tx, to, toBal.Add(toBal, amount)); err != nil {
			return err
		}
		return s.journal(ctx, tx, from, to, amount)
	})
}

// SetRejecting marks addr as unable to receive transfers.
func (s *Store) SetRejecting(ctx context.Context, addr common.Address, rejecting bool) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts (address, balance, rejecting, updated_at) VALUES (?, '0', ?, ?)
ON CONFLICT (address) DO UPDATE SET rejecting = excluded.rejecting, updated_at = excluded.updated_at
`, addr.Hex(), boolInt(rejecting), s.now())
	if err != nil {
		return fmt.Errorf("set rejecting %s: %w", addr, err)
	}
	return nil
}

// TransferRecord is one journal entry. Deposits have a zero From address.
type TransferRecord struct {
	ID     int64
	From   common.Address
	To     common.Address
	Amount *big.Int
	At     int64
}

// Transfers lists the newest journal entries touching addr.
func (s *Store) Transfers(ctx context.Context, addr common.Address, limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be greater than zero")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, from_address, to_address, amount, created_at FROM transfers
WHERE from_address = ? OR to_address = ?
ORDER BY id DESC LIMIT ?
`, addr.Hex(), addr.Hex(), limit)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
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

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) account(ctx context.Context, tx *sql.Tx, addr common.Address) (*big.Int, bool, error) {
	var raw string
	var rejecting int
	err := tx.QueryRowContext(ctx, "SELECT balance, rejecting FROM accounts WHERE address = ?", addr.Hex()).Scan(&raw, &rejecting)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load account %s: %w", addr, err)
	}
	bal, err := parseBig(raw)
	if err != nil {
		return nil, false, err
	}
	return bal, rejecting != 0, nil
}

func (s *Store) putBalance(ctx context.Context, tx *sql.Tx, addr common.Address, balance *big.Int) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO accounts (address, balance, rejecting, updated_at) VALUES (?, ?, 0, ?)
ON CONFLICT (address) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at
`, addr.Hex(), balance.String(), s.now())
	if err != nil {
		return fmt.Errorf("store balance %s: %w", addr, err)
	}
	return nil
}

func (s *Store) journal(ctx context.Context, tx *sql.Tx, from, to common.Address, amount *big.Int) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO transfers (from_address, to_address, amount, created_at) VALUES (?, ?, ?, ?)",
		from.Hex(), to.Hex(), amount.String(), s.now())
	if err != nil {
		return fmt.Errorf("journal transfer: %w", err)
	}
	return nil
}

func (s *Store) now() int64 {
	return s.clock.Now().UTC().UnixMilli()
}

func parseBig(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt amount %q", raw)
	}
	return v, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
