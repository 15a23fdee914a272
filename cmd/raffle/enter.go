package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lox/autoraffle/cmd/raffle/shared"
	"github.com/lox/autoraffle/internal/client"
	"github.com/lox/autoraffle/internal/server"
)

// EnterCmd buys one ticket for a participant.
type EnterCmd struct {
	Participant string        `arg:"" help:"Participant address"`
	Amount      string        `arg:"" help:"Amount to pay, e.g. 10000000000000000 or '0.01 ether'"`
	Server      string        `default:"http://localhost:8080" help:"Server URL"`
	Raffle      string        `help:"Raffle id or name (default raffle if empty)"`
	Faucet      bool          `help:"Request faucet funds before entering"`
	Token       string        `env:"RAFFLE_ADMIN_TOKEN" help:"Operator token for the faucet"`
	Timeout     time.Duration `default:"10s" help:"Give up after this long"`
	Debug       bool          `help:"Enable debug logging"`
}

func (c *EnterCmd) Run() error {
	if !common.IsHexAddress(c.Participant) {
		return fmt.Errorf("invalid participant address %q", c.Participant)
	}
	logger, err := shared.SetupLogger(shared.DebugLevel(c.Debug))
	if err != nil {
		return err
	}
	ctx, stop := shared.SetupSignalHandler()
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	if c.Faucet {
		account, err := requestFaucet(ctx, c.Server, c.Token, c.Participant, "")
		if err != nil {
			return err
		}
		logger.Info("Faucet funded", "participant", account.Address, "balance", account.Balance)
	}

	cl := client.NewClient(c.Server, logger)
	if err := cl.Connect(ctx); err != nil {
		return err
	}
	defer cl.Disconnect()

	accepted, err := cl.Enter(ctx, c.Raffle, c.Participant, c.Amount)
	if err != nil {
		return fmt.Errorf("enter: %w", err)
	}
	logger.Info("Entry accepted",
		"raffle", accepted.Raffle,
		"round", accepted.Round,
		"participant", accepted.Participant,
		"amount", accepted.Amount,
		"players", accepted.Players)
	return nil
}

// requestFaucet credits participant through the faucet endpoint. An empty
// amount takes the server's default grant.
func requestFaucet(ctx context.Context, baseURL, token, participant, amount string) (server.AccountData, error) {
	var body bytes.Buffer
	if amount != "" {
		if err := json.NewEncoder(&body).Encode(server.FaucetRequest{Amount: amount}); err != nil {
			return server.AccountData{}, err
		}
	}
	url := strings.TrimSuffix(baseURL, "/") + "/api/accounts/" + participant + "/faucet"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return server.AccountData{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return server.AccountData{}, fmt.Errorf("faucet: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr server.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return server.AccountData{}, fmt.Errorf("faucet returned %s", resp.Status)
		}
		return server.AccountData{}, fmt.Errorf("faucet: %s: %s", apiErr.Error, apiErr.Message)
	}
	var account server.AccountData
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return server.AccountData{}, fmt.Errorf("decode faucet response: %w", err)
	}
	return account, nil
}
