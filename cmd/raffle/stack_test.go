package main

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lox/autoraffle/internal/client"
	"github.com/lox/autoraffle/internal/config"
	"github.com/lox/autoraffle/internal/server"
	"github.com/lox/autoraffle/internal/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	player1 = "0x00000000000000000000000000000000000a11ce"
	player2 = "0x0000000000000000000000000000000000000b0b"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func fastConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Database = filepath.Join(t.TempDir(), "raffle.db")
	cfg.Server.Faucet = true
	cfg.Oracle.FulfillmentDelay = "10ms"
	cfg.Raffles[0].EntranceFee = "100 wei"
	cfg.Raffles[0].Interval = "2s"
	cfg.Raffles[0].UpkeepSchedule = "@every 1s"
	require.NoError(t, cfg.Validate())
	return cfg
}

func startStack(t *testing.T, cfg *config.Config) (*stack, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	st, err := newStack(ctx, cfg, quartz.NewReal(), quietLogger())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- st.run(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("stack did not stop")
		}
		st.Close()
	})

	baseURL := "http://" + ln.Addr().String()
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, server.WaitForHealthy(waitCtx, baseURL))
	return st, baseURL
}

func TestStackPlaysARound(t *testing.T) {
	cfg := fastConfig(t)
	st, baseURL := startStack(t, cfg)
	require.NotNil(t, st.store)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cl := client.NewClient(baseURL, quietLogger())
	winners := make(chan server.WinnerPickedData, 1)
	watchEvents(cl, quietLogger(), winners)
	require.NoError(t, cl.Connect(ctx))
	defer cl.Disconnect()

	state, err := cl.Subscribe(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, "open", state.State)

	for _, p := range []string{player1, player2} {
		account, err := requestFaucet(ctx, baseURL, "", p, "100")
		require.NoError(t, err)
		assert.Equal(t, "100", account.Balance)
		_, err = cl.Enter(ctx, "main", p, "100")
		require.NoError(t, err)
	}

	var winner server.WinnerPickedData
	select {
	case winner = <-winners:
	case <-ctx.Done():
		t.Fatal("no winner picked")
	}
	assert.Equal(t, "200", winner.Prize)
	assert.Contains(t, []string{
		common.HexToAddress(player1).Hex(),
		common.HexToAddress(player2).Hex(),
	}, winner.Winner)

	require.Eventually(t, func() bool {
		rounds, err := st.store.ListRounds(ctx, "main", 10)
		return err == nil && len(rounds) == 1
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(baseURL + "/api/raffles/main/rounds")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rounds []server.RoundData
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rounds))
	require.Len(t, rounds, 1)
	assert.Equal(t, "200", rounds[0].Prize)

	metricsResp, err := http.Get(baseURL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	body, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `autoraffle_rounds_total{raffle="main"} 1`)
}

func TestStackWithoutDatabase(t *testing.T) {
	cfg := fastConfig(t)
	cfg.Server.Database = ""
	cfg.Server.Faucet = false

	st, baseURL := startStack(t, cfg)
	assert.Nil(t, st.store)

	resp, err := http.Get(baseURL + "/api/raffles/main/rounds")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	_, err = requestFaucet(context.Background(), baseURL, "", player1, "")
	assert.Error(t, err)
}

func TestNewStackRejectsDuplicateNames(t *testing.T) {
	cfg := fastConfig(t)
	cfg.Raffles = append(cfg.Raffles, cfg.Raffles[0])

	_, err := newStack(context.Background(), cfg, quartz.NewReal(), quietLogger())
	assert.Error(t, err)
}

func TestStackResumesFromDatabase(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig(t)
	entrant := common.HexToAddress(player1)

	st, err := newStack(ctx, cfg, quartz.NewReal(), quietLogger())
	require.NoError(t, err)
	inst, ok := st.manager.Get("main")
	require.True(t, ok)
	escrow := inst.Raffle.Escrow()
	require.NoError(t, st.store.Deposit(ctx, entrant, big.NewInt(100)))
	require.NoError(t, inst.Raffle.Enter(ctx, entrant, big.NewInt(100)))
	st.Close()

	t.Run("open entries survive a restart", func(t *testing.T) {
		st, err := newStack(ctx, cfg, quartz.NewReal(), quietLogger())
		require.NoError(t, err)
		defer st.Close()

		inst, ok := st.manager.Get("main")
		require.True(t, ok)
		assert.Equal(t, uint64(1), inst.Raffle.Round())
		assert.Equal(t, 1, inst.Raffle.NumPlayers())
		assert.Equal(t, "100", inst.Raffle.Pool().String())
	})

	t.Run("unexplained escrow funds stop startup", func(t *testing.T) {
		store, err := sqlite.Open(ctx, cfg.Server.Database)
		require.NoError(t, err)
		require.NoError(t, store.Deposit(ctx, escrow, big.NewInt(1)))
		require.NoError(t, store.Close())

		_, err = newStack(ctx, cfg, quartz.NewReal(), quietLogger())
		require.ErrorIs(t, err, sqlite.ErrEscrowMismatch)
		assert.Contains(t, err.Error(), escrow.Hex())
	})
}

func TestServeFlagsOverrideConfig(t *testing.T) {
	cfg := config.Default()
	cmd := ServeCmd{Address: "0.0.0.0", Port: 9999, LogLevel: "debug", Database: "x.db", Faucet: true}
	cmd.apply(cfg)

	assert.Equal(t, "0.0.0.0:9999", cfg.GetServerAddress())
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, "x.db", cfg.Server.Database)
	assert.True(t, cfg.Server.Faucet)
}

func TestValidateCmd(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.hcl")
	require.NoError(t, os.WriteFile(good, []byte(`raffle "weekly" {
  entrance_fee = "1 gwei"
  interval     = "168h"
}
`), 0o644))
	assert.NoError(t, (&ValidateCmd{Config: good}).Run())

	bad := filepath.Join(dir, "bad.hcl")
	require.NoError(t, os.WriteFile(bad, []byte(`raffle "weekly" {
  entrance_fee = "0"
}
`), 0o644))
	assert.Error(t, (&ValidateCmd{Config: bad}).Run())
}

func TestSimulateOneRound(t *testing.T) {
	seed := int64(11)
	cmd := SimulateCmd{
		Players:  3,
		Rounds:   1,
		Fee:      "1000 wei",
		Interval: time.Second,
		Delay:    10 * time.Millisecond,
		Seed:     &seed,
		Database: filepath.Join(t.TempDir(), "sim.db"),
		Timeout:  30 * time.Second,
		Report:   filepath.Join(t.TempDir(), "report.json"),
	}
	require.NoError(t, cmd.Run())

	data, err := os.ReadFile(cmd.Report)
	require.NoError(t, err)
	var report simulationReport
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, seed, report.Seed)
	require.Len(t, report.Rounds, 1)
	assert.Equal(t, report.Paid, report.Rounds[0].Prize)

	store, err := sqlite.Open(context.Background(), cmd.Database)
	require.NoError(t, err)
	defer store.Close()
	rounds, err := store.ListRounds(context.Background(), "main", 10)
	require.NoError(t, err)
	assert.Len(t, rounds, 1)
}

func TestStackOperatorToken(t *testing.T) {
	cfg := fastConfig(t)
	cfg.Server.AdminToken = "tok"
	_, baseURL := startStack(t, cfg)

	ctx := context.Background()
	_, err := requestFaucet(ctx, baseURL, "", player1, "")
	assert.ErrorContains(t, err, "unauthorized")

	account, err := requestFaucet(ctx, baseURL, "tok", player1, "")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", account.Balance)
}
