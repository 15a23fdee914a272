package server

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lox/autoraffle/internal/raffle"
)

// Message is the envelope for every websocket frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"requestId,omitempty"`
}

// NewMessage marshals data into a message stamped with at.
func NewMessage(messageType MessageType, data any, at time.Time) (*Message, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      messageType,
		Data:      dataBytes,
		Timestamp: at,
	}, nil
}

// Client → Server

type SubscribeData struct {
	Raffle string `json:"raffle"`
}

type GetStateData struct {
	Raffle string `json:"raffle"`
}

// EnterData carries an entry. Amount is wei unless it has a unit suffix.
type EnterData struct {
	Raffle      string `json:"raffle"`
	Participant string `json:"participant"`
	Amount      string `json:"amount"`
}

// Server → Client

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RaffleState is the full view of one raffle, shared by the websocket feed
// and the HTTP API.
type RaffleState struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	State                string     `json:"state"`
	Round                uint64     `json:"round"`
	EntranceFee          string     `json:"entranceFee"`
	Interval             string     `json:"interval"`
	Pool                 string     `json:"pool"`
	NumPlayers           int        `json:"numPlayers"`
	Players              []string   `json:"players"`
	RecentWinner         string     `json:"recentWinner,omitempty"`
	LastTimestamp        time.Time  `json:"lastTimestamp"`
	OutstandingRequest   uint64     `json:"outstandingRequest,omitempty"`
	RequestedAt          *time.Time `json:"requestedAt,omitempty"`
	Escrow               string     `json:"escrow"`
	Coordinator          string     `json:"coordinator"`
	GasLane              string     `json:"gasLane"`
	SubscriptionID       uint64     `json:"subscriptionId"`
	CallbackGasLimit     uint32     `json:"callbackGasLimit"`
	RequestConfirmations uint16     `json:"requestConfirmations"`
	NumWords             uint32     `json:"numWords"`
}

type EnteredData struct {
	Raffle      string `json:"raffle"`
	Round       uint64 `json:"round"`
	Participant string `json:"participant"`
	Amount      string `json:"amount"`
	Players     int    `json:"players"`
	Pool        string `json:"pool"`
}

type WinnerRequestedData struct {
	Raffle    string `json:"raffle"`
	Round     uint64 `json:"round"`
	RequestID uint64 `json:"requestId"`
	Players   int    `json:"players"`
	Pool      string `json:"pool"`
}

type WinnerPickedData struct {
	Raffle       string   `json:"raffle"`
	Round        uint64   `json:"round"`
	RequestID    uint64   `json:"requestId"`
	Winner       string   `json:"winner"`
	WinnerIndex  int      `json:"winnerIndex"`
	Prize        string   `json:"prize"`
	RandomWord   string   `json:"randomWord"`
	Participants []string `json:"participants"`
}

type RequestReissuedData struct {
	Raffle    string `json:"raffle"`
	Round     uint64 `json:"round"`
	Previous  uint64 `json:"previous"`
	RequestID uint64 `json:"requestId"`
}

type EntryAcceptedData struct {
	Raffle      string `json:"raffle"`
	Round       uint64 `json:"round"`
	Participant string `json:"participant"`
	Amount      string `json:"amount"`
	Players     int    `json:"players"`
}

// RaffleStateFromSnapshot converts a raffle snapshot for the wire.
func RaffleStateFromSnapshot(id, name string, s raffle.Snapshot) RaffleState {
	state := RaffleState{
		ID:                   id,
		Name:                 name,
		State:                s.State.String(),
		Round:                s.Round,
		EntranceFee:          s.EntranceFee.String(),
		Interval:             s.Interval.String(),
		Pool:                 s.Pool.String(),
		NumPlayers:           len(s.Participants),
		Players:              hexAddresses(s.Participants),
		LastTimestamp:        s.LastTimestamp,
		OutstandingRequest:   uint64(s.OutstandingRequest),
		Escrow:               s.Escrow.Hex(),
		Coordinator:          s.Coordinator.Hex(),
		GasLane:              s.GasLane.Hex(),
		SubscriptionID:       s.SubscriptionID,
		CallbackGasLimit:     s.CallbackGasLimit,
		RequestConfirmations: s.RequestConfirmations,
		NumWords:             s.NumWords,
	}
	if s.RecentWinner != (common.Address{}) {
		state.RecentWinner = s.RecentWinner.Hex()
	}
	if s.OutstandingRequest != 0 {
		at := s.RequestedAt
		state.RequestedAt = &at
	}
	return state
}

// EventMessage converts a raffle event into its websocket message.
func EventMessage(raffleID string, event raffle.Event) (*Message, error) {
	var (
		mt   MessageType
		data any
	)
	switch e := event.(type) {
	case raffle.EnteredEvent:
		mt = MessageTypeEntered
		data = EnteredData{
			Raffle:      raffleID,
			Round:       e.Round,
			Participant: e.Participant.Hex(),
			Amount:      bigString(e.Amount),
			Players:     e.Players,
			Pool:        bigString(e.Pool),
		}
	case raffle.WinnerRequestedEvent:
		mt = MessageTypeWinnerRequested
		data = WinnerRequestedData{
			Raffle:    raffleID,
			Round:     e.Round,
			RequestID: uint64(e.RequestID),
			Players:   e.Players,
			Pool:      bigString(e.Pool),
		}
	case raffle.WinnerPickedEvent:
		mt = MessageTypeWinnerPicked
		data = WinnerPickedData{
			Raffle:       raffleID,
			Round:        e.Round,
			RequestID:    uint64(e.RequestID),
			Winner:       e.Winner.Hex(),
			WinnerIndex:  e.WinnerIndex,
			Prize:        bigString(e.Prize),
			RandomWord:   bigString(e.RandomWord),
			Participants: hexAddresses(e.Participants),
		}
	case raffle.RequestReissuedEvent:
		mt = MessageTypeRequestReissued
		data = RequestReissuedData{
			Raffle:    raffleID,
			Round:     e.Round,
			Previous:  uint64(e.Previous),
			RequestID: uint64(e.RequestID),
		}
	default:
		return nil, fmt.Errorf("unsupported event type %s", event.EventType())
	}
	return NewMessage(mt, data, event.Timestamp())
}

func hexAddresses(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
