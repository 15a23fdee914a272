package raffle

import (
	"context"
	"errors"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lox/autoraffle/internal/ledger"
	"github.com/lox/autoraffle/internal/oracle"
	"github.com/stretchr/testify/require"
)

var (
	escrowAddr      = common.HexToAddress("0x00000000000000000000000000000000000e5c00")
	coordinatorAddr = common.HexToAddress("0x000000000000000000000000000000000000c0de")
	gasLane         = common.HexToHash("0x474e34a077df58807dbe9c96d3c009b23b3c6d0cce433e59bbf5b34f823bc56c")
)

func player(n int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0x1000 + n)))
}

type fakeCoordinator struct {
	mu       sync.Mutex
	last     oracle.RequestID
	requests []oracle.Request
	err      error
}

func (f *fakeCoordinator) Address() common.Address { return coordinatorAddr }

func (f *fakeCoordinator) RequestRandomWords(_ context.Context, req oracle.Request) (oracle.RequestID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.last++
	f.requests = append(f.requests, req)
	return f.last, nil
}

func (f *fakeCoordinator) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeCoordinator) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fixture struct {
	raffle      *Raffle
	coordinator *fakeCoordinator
	ledger      *ledger.Memory
	clock       *quartz.Mock
	events      *eventRecorder
	ctx         context.Context
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventRecorder) OnEvent(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *eventRecorder) all() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Event(nil), e.events...)
}

func (e *eventRecorder) ofType(t EventType) []Event {
	var out []Event
	for _, ev := range e.all() {
		if ev.EventType() == t {
			out = append(out, ev)
		}
	}
	return out
}

// newFixture builds a raffle with fee=1 and interval=100s unless changed by
// the mutators.
func newFixture(t *testing.T, mutators ...func(*Config)) *fixture {
	t.Helper()
	ctx := context.Background()

	cfg := Config{
		Escrow:         escrowAddr,
		EntranceFee:    big.NewInt(1),
		Interval:       100 * time.Second,
		GasLane:        gasLane,
		SubscriptionID: 7,
	}
	for _, m := range mutators {
		m(&cfg)
	}

	mClock := quartz.NewMock(t)
	coord := &fakeCoordinator{}
	led := ledger.NewMemory()
	rec := &eventRecorder{}
	bus := NewEventBus()
	bus.Subscribe(rec)

	r, err := New(cfg, coord, led,
		WithClock(mClock),
		WithLogger(log.New(io.Discard)),
		WithEventBus(bus),
	)
	require.NoError(t, err)

	return &fixture{raffle: r, coordinator: coord, ledger: led, clock: mClock, events: rec, ctx: ctx}
}

// fund gives each player enough balance for several entries.
func (f *fixture) fund(t *testing.T, players ...common.Address) {
	t.Helper()
	for _, p := range players {
		require.NoError(t, f.ledger.Deposit(f.ctx, p, big.NewInt(1_000)))
	}
}

func (f *fixture) enter(t *testing.T, p common.Address, amount int64) {
	t.Helper()
	require.NoError(t, f.raffle.Enter(f.ctx, p, big.NewInt(amount)))
}

func (f *fixture) advance(d time.Duration) {
	f.clock.Advance(d).MustWait(f.ctx)
}

func (f *fixture) balance(t *testing.T, addr common.Address) int64 {
	t.Helper()
	b, err := f.ledger.Balance(f.ctx, addr)
	require.NoError(t, err)
	return b.Int64()
}

// closeRound enters nothing; it advances past the interval and closes.
func (f *fixture) closeRound(t *testing.T) oracle.RequestID {
	t.Helper()
	f.advance(f.raffle.Interval())
	id, err := f.raffle.PerformUpkeep(f.ctx, nil)
	require.NoError(t, err)
	return id
}

var errOracleDown = errors.New("oracle down")
