package main

import (
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("raffle"), kong.Vars{"version": version}, kong.Exit(func(int) {}))
	require.NoError(t, err)
	ctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &cli, ctx
}

func TestCLIParsesCommands(t *testing.T) {
	cli, ctx := parse(t, "serve", "--port", "9000", "--faucet", "-c", "dev.hcl")
	assert.Equal(t, "serve", ctx.Command())
	assert.Equal(t, 9000, cli.Serve.Port)
	assert.True(t, cli.Serve.Faucet)
	assert.Equal(t, "dev.hcl", cli.Serve.Config)

	cli, ctx = parse(t, "enter", "0x00000000000000000000000000000000000a11ce", "0.01 ether", "--raffle", "daily")
	assert.Equal(t, "enter <participant> <amount>", ctx.Command())
	assert.Equal(t, "0.01 ether", cli.Enter.Amount)
	assert.Equal(t, "daily", cli.Enter.Raffle)
	assert.Equal(t, 10*time.Second, cli.Enter.Timeout)

	cli, _ = parse(t, "simulate", "--players", "8", "--seed", "42")
	assert.Equal(t, 8, cli.Simulate.Players)
	require.NotNil(t, cli.Simulate.Seed)
	assert.Equal(t, int64(42), *cli.Simulate.Seed)
	assert.Equal(t, 2*time.Second, cli.Simulate.Interval)

	cli, _ = parse(t, "validate")
	assert.Equal(t, "raffle.hcl", cli.Validate.Config)

	_, ctx = parse(t, "version")
	assert.Equal(t, "version", ctx.Command())
}
