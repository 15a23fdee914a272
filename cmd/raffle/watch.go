package main

import (
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/lox/autoraffle/cmd/raffle/shared"
	"github.com/lox/autoraffle/internal/client"
	"github.com/lox/autoraffle/internal/server"
)

// WatchCmd logs the live feed of one raffle.
type WatchCmd struct {
	Server  string `default:"http://localhost:8080" help:"Server URL"`
	Raffle  string `help:"Raffle id or name (default raffle if empty)"`
	Winners int    `help:"Exit after this many winners (0 watches forever)"`
	Debug   bool   `help:"Enable debug logging"`
}

func (c *WatchCmd) Run() error {
	logger, err := shared.SetupLogger(shared.DebugLevel(c.Debug))
	if err != nil {
		return err
	}
	ctx, stop := shared.SetupSignalHandler()
	defer stop()

	cl := client.NewClient(c.Server, logger)
	winners := make(chan server.WinnerPickedData, 16)
	watchEvents(cl, logger, winners)

	if err := cl.Connect(ctx); err != nil {
		return err
	}
	defer cl.Disconnect()

	state, err := cl.Subscribe(ctx, c.Raffle)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	logger.Info("Watching raffle",
		"id", state.ID,
		"name", state.Name,
		"state", state.State,
		"round", state.Round,
		"players", state.NumPlayers,
		"pool", state.Pool)

	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cl.Done():
			return client.ErrDisconnected
		case <-winners:
			seen++
			if c.Winners > 0 && seen >= c.Winners {
				return nil
			}
		}
	}
}

// watchEvents logs every raffle event and forwards winners. Sends to
// winners never block the read loop.
func watchEvents(cl *client.Client, logger *log.Logger, winners chan<- server.WinnerPickedData) {
	cl.OnEvent(server.MessageTypeEntered, func(msg *server.Message) {
		var data server.EnteredData
		if decode(logger, msg, &data) {
			logger.Info("Entered", "round", data.Round, "participant", data.Participant, "players", data.Players, "pool", data.Pool)
		}
	})
	cl.OnEvent(server.MessageTypeWinnerRequested, func(msg *server.Message) {
		var data server.WinnerRequestedData
		if decode(logger, msg, &data) {
			logger.Info("Winner requested", "round", data.Round, "request", data.RequestID, "players", data.Players, "pool", data.Pool)
		}
	})
	cl.OnEvent(server.MessageTypeRequestReissued, func(msg *server.Message) {
		var data server.RequestReissuedData
		if decode(logger, msg, &data) {
			logger.Warn("Request reissued", "round", data.Round, "previous", data.Previous, "request", data.RequestID)
		}
	})
	cl.OnEvent(server.MessageTypeWinnerPicked, func(msg *server.Message) {
		var data server.WinnerPickedData
		if !decode(logger, msg, &data) {
			return
		}
		logger.Info("Winner picked", "round", data.Round, "winner", data.Winner, "prize", data.Prize, "players", len(data.Participants))
		select {
		case winners <- data:
		default:
		}
	})
}

func decode(logger *log.Logger, msg *server.Message, out any) bool {
	if err := json.Unmarshal(msg.Data, out); err != nil {
		logger.Error("Failed to decode event", "type", msg.Type, "error", err)
		return false
	}
	return true
}
