package raffle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lox/autoraffle/internal/oracle"
)

// Coordinator is the randomness oracle as seen by a raffle.
type Coordinator interface {
	Address() common.Address
	RequestRandomWords(ctx context.Context, req oracle.Request) (oracle.RequestID, error)
}

// Ledger moves value between accounts.
type Ledger interface {
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
}

// Option configures a Raffle.
type Option func(*Raffle)

// WithClock sets the time source. Defaults to the real clock.
func WithClock(clock quartz.Clock) Option {
	return func(r *Raffle) { r.clock = clock }
}

// WithLogger sets the logger. Defaults to the charm default logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Raffle) { r.logger = logger }
}

// WithEventBus publishes events on bus instead of a private one.
func WithEventBus(bus *EventBus) Option {
	return func(r *Raffle) { r.bus = bus }
}

// Entry is one paid entry of an open round.
type Entry struct {
	Participant common.Address
	Amount      *big.Int
}

// WithResume starts the raffle at round with entries that were already paid
// into escrow before a restart.
func WithResume(round uint64, entries []Entry) Option {
	return func(r *Raffle) {
		r.resume = &resumePoint{round: round, entries: entries}
	}
}

type resumePoint struct {
	round   uint64
	entries []Entry
}

type pendingRequest struct {
	id          oracle.RequestID
	requestedAt time.Time
}

// Raffle is one self-operating raffle instance.
type Raffle struct {
	cfg         Config
	coordinator Coordinator
	ledger      Ledger
	clock       quartz.Clock
	logger      *log.Logger
	bus         *EventBus

	mu            sync.Mutex
	participants  []common.Address
	pool          *big.Int
	lastTimestamp time.Time
	recentWinner  common.Address
	round         uint64
	// pending is non-nil exactly when the raffle is calculating.
	pending *pendingRequest

	// publishMu keeps event delivery in commit order without holding mu.
	publishMu sync.Mutex

	resume *resumePoint
}

// New creates an open raffle whose first interval starts now.
func New(cfg Config, coordinator Coordinator, ledger Ledger, opts ...Option) (*Raffle, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid raffle config: %w", err)
	}
	if coordinator == nil {
		return nil, errors.New("coordinator is required")
	}
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	cfg.EntranceFee = new(big.Int).Set(cfg.EntranceFee)

	r := &Raffle{
		cfg:         cfg,
		coordinator: coordinator,
		ledger:      ledger,
		clock:       quartz.NewReal(),
		logger:      log.Default(),
		pool:        new(big.Int),
		round:       1,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.bus == nil {
		r.bus = NewEventBus()
	}
	if r.resume != nil {
		if err := r.applyResume(*r.resume); err != nil {
			return nil, err
		}
		r.resume = nil
	}
	r.logger = r.logger.WithPrefix("raffle").With("escrow", cfg.Escrow)
	r.lastTimestamp = r.clock.Now()
	return r, nil
}

func (r *Raffle) applyResume(rp resumePoint) error {
	if rp.round == 0 {
		return errors.New("resume round must be at least 1")
	}
	for i, e := range rp.entries {
		if e.Participant == (common.Address{}) || e.Participant == r.cfg.Escrow {
			return fmt.Errorf("resume entry %d: %w: %s", i, ErrInvalidParticipant, e.Participant)
		}
		if e.Amount == nil || e.Amount.Sign() <= 0 {
			return fmt.Errorf("resume entry %d: amount must be positive", i)
		}
		r.participants = append(r.participants, e.Participant)
		r.pool.Add(r.pool, e.Amount)
	}
	r.round = rp.round
	return nil
}

// Events returns the bus this raffle publishes on.
func (r *Raffle) Events() *EventBus {
	return r.bus
}

// Enter adds participant to the current round, collecting amount from their
// ledger account into escrow. Amount must be at least the entrance fee; any
// excess is kept in the pool. A participant may enter more than once, but
// the escrow account itself may not enter.
func (r *Raffle) Enter(ctx context.Context, participant common.Address, amount *big.Int) error {
	if amount == nil || amount.Cmp(r.cfg.EntranceFee) < 0 {
		return fmt.Errorf("%w: sent %s, need %s", ErrInsufficientFee, amountString(amount), r.cfg.EntranceFee)
	}
	switch participant {
	case common.Address{}:
		return fmt.Errorf("%w: address is required", ErrInvalidParticipant)
	case r.cfg.Escrow:
		return fmt.Errorf("%w: %s is the raffle escrow", ErrInvalidParticipant, participant)
	}

	r.mu.Lock()
	if r.pending != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: raffle is %s", ErrRoundNotOpen, StateCalculating)
	}
	if err := r.ledger.Transfer(ctx, participant, r.cfg.Escrow, amount); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrEntryPaymentFailed, err)
	}
	paid := new(big.Int).Set(amount)
	r.participants = append(r.participants, participant)
	r.pool.Add(r.pool, paid)

	event := EnteredEvent{
		Round:       r.round,
		Participant: participant,
		Amount:      paid,
		Players:     len(r.participants),
		Pool:        new(big.Int).Set(r.pool),
		At:          r.clock.Now(),
	}
	r.logger.Debug("Entry accepted", "round", r.round, "participant", participant, "amount", paid, "players", len(r.participants))
	r.unlockAndPublish(event)
	return nil
}

// unlockAndPublish releases mu and delivers events before any later commit
// can deliver its own.
func (r *Raffle) unlockAndPublish(events ...Event) {
	r.publishMu.Lock()
	r.mu.Unlock()
	defer r.publishMu.Unlock()
	for _, event := range events {
		r.bus.Publish(event)
	}
}

func amountString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
