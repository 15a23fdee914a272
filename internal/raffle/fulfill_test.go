package raffle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lox/autoraffle/internal/ledger"
	"github.com/lox/autoraffle/internal/oracle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func words(v int64) []*big.Int {
	return []*big.Int{big.NewInt(v)}
}

func TestFulfillRandomWords(t *testing.T) {
	t.Run("rejects fulfilment with nothing outstanding", func(t *testing.T) {
		f := newFixture(t)

		for _, id := range []oracle.RequestID{0, 1} {
			err := f.raffle.FulfillRandomWords(f.ctx, id, words(1))
			require.ErrorIs(t, err, ErrUnknownOrStaleRequest)
		}
		assert.Equal(t, StateOpen, f.raffle.State())
	})

	t.Run("rejects a non-matching request id", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, player(1))
		f.enter(t, player(1), 1)
		id := f.closeRound(t)
		before := f.raffle.Snapshot()

		err := f.raffle.FulfillRandomWords(f.ctx, id+1, words(5))
		require.ErrorIs(t, err, ErrUnknownOrStaleRequest)
		assert.Equal(t, before, f.raffle.Snapshot())
		assert.Empty(t, f.events.ofType(EventTypeWinnerPicked))
	})

	t.Run("rejects empty words", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, player(1))
		f.enter(t, player(1), 1)
		id := f.closeRound(t)

		err := f.raffle.FulfillRandomWords(f.ctx, id, nil)
		require.ErrorIs(t, err, ErrNoRandomWords)
		assert.Equal(t, StateCalculating, f.raffle.State())
	})

	t.Run("pays the winner and opens the next round", func(t *testing.T) {
		f := newFixture(t)
		players := []common.Address{player(1), player(2), player(3), player(4)}
		f.fund(t, players...)
		for _, p := range players {
			f.enter(t, p, 1)
		}
		id := f.closeRound(t)
		closedAt := f.clock.Now()
		f.advance(30 * time.Second)

		require.NoError(t, f.raffle.FulfillRandomWords(f.ctx, id, words(6)))

		// 6 mod 4 = 2
		assert.Equal(t, player(3), f.raffle.RecentWinner())
		assert.Equal(t, int64(1_003), f.balance(t, player(3)))
		assert.Equal(t, int64(0), f.balance(t, escrowAddr))

		assert.Equal(t, StateOpen, f.raffle.State())
		assert.Equal(t, 0, f.raffle.NumPlayers())
		assert.Equal(t, int64(0), f.raffle.Pool().Int64())
		assert.Equal(t, uint64(2), f.raffle.Round())
		assert.True(t, f.raffle.LastTimestamp().After(closedAt))
		_, outstanding := f.raffle.OutstandingRequest()
		assert.False(t, outstanding)

		picked := f.events.ofType(EventTypeWinnerPicked)
		require.Len(t, picked, 1)
		ev := picked[0].(WinnerPickedEvent)
		assert.Equal(t, player(3), ev.Winner)
		assert.Equal(t, 2, ev.WinnerIndex)
		assert.Equal(t, int64(4), ev.Prize.Int64())
		assert.Equal(t, id, ev.RequestID)
		assert.Equal(t, uint64(1), ev.Round)
		assert.Equal(t, players, ev.Participants)
	})

	t.Run("replayed fulfilment is stale", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, player(1))
		f.enter(t, player(1), 1)
		id := f.closeRound(t)
		require.NoError(t, f.raffle.FulfillRandomWords(f.ctx, id, words(0)))
		before := f.raffle.Snapshot()

		err := f.raffle.FulfillRandomWords(f.ctx, id, words(0))
		require.ErrorIs(t, err, ErrUnknownOrStaleRequest)
		assert.Equal(t, before, f.raffle.Snapshot())
		assert.Equal(t, int64(1_000), f.balance(t, player(1)))
	})

	t.Run("accepts entries again after payout", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, player(1), player(2))
		f.enter(t, player(1), 1)
		id := f.closeRound(t)
		require.NoError(t, f.raffle.FulfillRandomWords(f.ctx, id, words(0)))

		f.enter(t, player(2), 1)
		assert.Equal(t, 1, f.raffle.NumPlayers())

		needed, _ := f.raffle.CheckUpkeep(f.ctx, nil)
		assert.False(t, needed, "interval restarts at payout")
	})
}

func TestPayoutFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.fund(t, player(1), player(2))
	f.enter(t, player(1), 1)
	f.enter(t, player(2), 1)
	id := f.closeRound(t)
	require.NoError(t, f.ledger.SetRejecting(f.ctx, player(2), true))
	before := f.raffle.Snapshot()

	err := f.raffle.FulfillRandomWords(f.ctx, id, words(1))
	require.ErrorIs(t, err, ErrPayoutFailed)
	assert.ErrorIs(t, err, ledger.ErrRecipientRejected)

	var payoutErr *PayoutError
	require.True(t, errors.As(err, &payoutErr))
	assert.Equal(t, player(2), payoutErr.Winner)
	assert.Equal(t, int64(2), payoutErr.Amount.Int64())

	assert.Equal(t, before, f.raffle.Snapshot())
	assert.Equal(t, int64(2), f.balance(t, escrowAddr))
	assert.Empty(t, f.events.ofType(EventTypeWinnerPicked))

	err = f.raffle.Enter(f.ctx, player(2), big.NewInt(1))
	require.ErrorIs(t, err, ErrRoundNotOpen)

	require.NoError(t, f.ledger.SetRejecting(f.ctx, player(2), false))
	require.NoError(t, f.raffle.FulfillRandomWords(f.ctx, id, words(1)))
	assert.Equal(t, player(2), f.raffle.RecentWinner())
	assert.Equal(t, int64(1_001), f.balance(t, player(2)))
	assert.Equal(t, StateOpen, f.raffle.State())
}

func TestWinnerSelectionIsWordModPlayers(t *testing.T) {
	big256 := new(big.Int).Lsh(big.NewInt(1), 255)

	tests := []struct {
		name    string
		players int
		word    *big.Int
		want    int
	}{
		{"single player", 1, big.NewInt(7), 0},
		{"exact multiple", 3, big.NewInt(9), 0},
		{"remainder", 3, big.NewInt(7), 1},
		{"large word", 7, new(big.Int).Add(big256, big.NewInt(3)), int(new(big.Int).Mod(new(big.Int).Add(big256, big.NewInt(3)), big.NewInt(7)).Int64())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			for i := range tt.players {
				f.fund(t, player(i))
				f.enter(t, player(i), 1)
			}
			id := f.closeRound(t)

			require.NoError(t, f.raffle.FulfillRandomWords(f.ctx, id, []*big.Int{tt.word}))
			assert.Equal(t, player(tt.want), f.raffle.RecentWinner())
		})
	}
}

func TestScenarioSingleEntrantRound(t *testing.T) {
	f := newFixture(t)
	f.fund(t, player(1))

	f.enter(t, player(1), 1)
	assert.Equal(t, 1, f.raffle.NumPlayers())
	assert.Equal(t, int64(1), f.raffle.Pool().Int64())

	f.advance(50 * time.Second)
	needed, _ := f.raffle.CheckUpkeep(f.ctx, nil)
	assert.False(t, needed)

	f.advance(51 * time.Second)
	needed, _ = f.raffle.CheckUpkeep(f.ctx, nil)
	require.True(t, needed)

	id, err := f.raffle.PerformUpkeep(f.ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, StateCalculating, f.raffle.State())

	require.NoError(t, f.raffle.FulfillRandomWords(f.ctx, id, words(7)))
	assert.Equal(t, player(1), f.raffle.RecentWinner())
	assert.Equal(t, int64(1_000), f.balance(t, player(1)))
	assert.Equal(t, int64(0), f.raffle.Pool().Int64())
	assert.Equal(t, 0, f.raffle.NumPlayers())
	assert.Equal(t, StateOpen, f.raffle.State())
}

func TestScenarioFivePlayers(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 5; i++ {
		f.fund(t, player(i))
		f.enter(t, player(i), 1)
	}
	id := f.closeRound(t)

	require.NoError(t, f.raffle.FulfillRandomWords(f.ctx, id, words(17)))
	assert.Equal(t, player(3), f.raffle.RecentWinner())
	assert.Equal(t, int64(1_004), f.balance(t, player(3)))
}

func TestScenarioStaleAfterCompletedRound(t *testing.T) {
	f := newFixture(t)
	f.fund(t, player(1), player(2))
	f.enter(t, player(1), 1)
	stale := f.closeRound(t)
	require.NoError(t, f.raffle.FulfillRandomWords(f.ctx, stale, words(0)))

	f.enter(t, player(2), 1)
	current := f.closeRound(t)
	before := f.raffle.Snapshot()

	err := f.raffle.FulfillRandomWords(f.ctx, stale, words(0))
	require.ErrorIs(t, err, ErrUnknownOrStaleRequest)
	assert.Equal(t, before, f.raffle.Snapshot())

	require.NoError(t, f.raffle.FulfillRandomWords(f.ctx, current, words(0)))
	assert.Equal(t, player(2), f.raffle.RecentWinner())
}

func TestPoolMatchesEscrowAcrossRounds(t *testing.T) {
	f := newFixture(t)
	for i := range 4 {
		f.fund(t, player(i))
	}

	for round := range 3 {
		for i := range 4 {
			if (i+round)%2 == 0 {
				f.enter(t, player(i), int64(1+i))
				assert.Equal(t, f.raffle.Pool().Int64(), f.balance(t, escrowAddr))
			}
		}
		id := f.closeRound(t)
		require.NoError(t, f.raffle.FulfillRandomWords(context.Background(), id, words(int64(round))))
		assert.Equal(t, int64(0), f.balance(t, escrowAddr))
	}

	var total int64
	for i := range 4 {
		total += f.balance(t, player(i))
	}
	assert.Equal(t, int64(4_000), total, "value is conserved")
	assert.Equal(t, uint64(4), f.raffle.Round())
}
