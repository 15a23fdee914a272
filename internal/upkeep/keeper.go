// Package upkeep runs the periodic trigger that closes raffle rounds. A
// Keeper asks its target whether upkeep is needed on a cron schedule and
// performs it when it is. The target re-validates every perform, so
// overlapping or stale keepers are harmless.
package upkeep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/lox/autoraffle/internal/oracle"
	"github.com/lox/autoraffle/internal/raffle"
	"github.com/robfig/cron/v3"
)

// Target is anything exposing the upkeep interface.
type Target interface {
	CheckUpkeep(ctx context.Context, checkData []byte) (bool, []byte)
	PerformUpkeep(ctx context.Context, performData []byte) (oracle.RequestID, error)
}

// Outcome classifies one keeper tick.
type Outcome string

const (
	OutcomeIdle      Outcome = "idle"
	OutcomePerformed Outcome = "performed"
	OutcomeNotNeeded Outcome = "not_needed"
	OutcomeFailed    Outcome = "failed"
)

func (o Outcome) String() string {
	return string(o)
}

// Observer is told about every tick.
type Observer interface {
	ObserveUpkeep(keeper string, outcome Outcome)
}

// Stats counts tick outcomes.
type Stats struct {
	Checks        uint64
	Performed     uint64
	NotNeeded     uint64
	Failed        uint64
	LastRequest   oracle.RequestID
	LastPerformed time.Time
	LastError     string
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts cron expressions with an optional seconds field and
// descriptors such as "@every 5s" or "@hourly".
func ParseSchedule(spec string) (cron.Schedule, error) {
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid upkeep schedule %q: %w", spec, err)
	}
	return schedule, nil
}

// Keeper polls one target.
type Keeper struct {
	name     string
	target   Target
	schedule cron.Schedule
	clock    quartz.Clock
	logger   *log.Logger
	observer Observer

	mu      sync.Mutex
	ctx     context.Context
	timer   *quartz.Timer
	running bool
	// gen changes on every Start and Stop; a timer only acts for the
	// generation that scheduled it.
	gen   uint64
	stats Stats
}

// Option configures a Keeper.
type Option func(*Keeper)

func WithObserver(observer Observer) Option {
	return func(k *Keeper) { k.observer = observer }
}

// NewKeeper creates a stopped keeper.
func NewKeeper(name string, target Target, schedule cron.Schedule, clock quartz.Clock, logger *log.Logger, opts ...Option) *Keeper {
	k := &Keeper{
		name:     name,
		target:   target,
		schedule: schedule,
		clock:    clock,
		logger:   logger.WithPrefix("keeper").With("raffle", name),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

func (k *Keeper) Name() string { return k.name }

// Stats returns a copy of the counters.
func (k *Keeper) Stats() Stats {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stats
}

// Tick checks the target once and performs upkeep if it reports the need.
func (k *Keeper) Tick(ctx context.Context) (Outcome, error) {
	needed, performData := k.target.CheckUpkeep(ctx, nil)
	if !needed {
		k.record(OutcomeIdle, 0, nil)
		return OutcomeIdle, nil
	}

	id, err := k.target.PerformUpkeep(ctx, performData)
	switch {
	case err == nil:
		k.logger.Info("Upkeep performed", "requestId", id)
		k.record(OutcomePerformed, id, nil)
		return OutcomePerformed, nil
	case errors.Is(err, raffle.ErrUpkeepNotNeeded):
		// Another caller got there first.
		k.logger.Debug("Upkeep no longer needed", "error", err)
		k.record(OutcomeNotNeeded, 0, err)
		return OutcomeNotNeeded, nil
	default:
		k.logger.Warn("Upkeep failed", "error", err)
		k.record(OutcomeFailed, 0, err)
		return OutcomeFailed, err
	}
}

func (k *Keeper) record(outcome Outcome, id oracle.RequestID, err error) {
	k.mu.Lock()
	k.stats.Checks++
	switch outcome {
	case OutcomePerformed:
		k.stats.Performed++
		k.stats.LastRequest = id
		k.stats.LastPerformed = k.clock.Now()
	case OutcomeNotNeeded:
		k.stats.NotNeeded++
	case OutcomeFailed:
		k.stats.Failed++
	}
	if err != nil {
		k.stats.LastError = err.Error()
	}
	k.mu.Unlock()

	if k.observer != nil {
		k.observer.ObserveUpkeep(k.name, outcome)
	}
}

// Start schedules ticks until Stop is called or ctx is cancelled.
func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return fmt.Errorf("keeper %s already running", k.name)
	}
	k.running = true
	k.gen++
	k.ctx = ctx
	k.scheduleLocked()
	k.logger.Debug("Keeper started")
	return nil
}

// Stop cancels the next scheduled tick. A tick already in progress finishes.
func (k *Keeper) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stopLocked()
}

func (k *Keeper) stopLocked() {
	if !k.running {
		return
	}
	k.running = false
	k.gen++
	if k.timer != nil {
		k.timer.Stop()
		k.timer = nil
	}
	k.logger.Debug("Keeper stopped")
}

// Run starts the keeper and blocks until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	if err := k.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	k.Stop()
	return nil
}

func (k *Keeper) scheduleLocked() {
	now := k.clock.Now()
	wait := k.schedule.Next(now).Sub(now)
	if wait < 0 {
		wait = 0
	}
	gen := k.gen
	k.timer = k.clock.AfterFunc(wait, func() { k.fire(gen) }, "keeper", k.name)
}

// fire runs one scheduled tick. A Stop or restart while the tick is in
// flight leaves scheduling to the newer generation.
func (k *Keeper) fire(gen uint64) {
	k.mu.Lock()
	if !k.running || k.gen != gen {
		k.mu.Unlock()
		return
	}
	ctx := k.ctx
	k.mu.Unlock()

	if ctx.Err() != nil {
		k.mu.Lock()
		if k.gen == gen {
			k.stopLocked()
		}
		k.mu.Unlock()
		return
	}
	_, _ = k.Tick(ctx) // outcome is logged and counted

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running && k.gen == gen && ctx.Err() == nil {
		k.scheduleLocked()
	}
}
