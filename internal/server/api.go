package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/lox/autoraffle/internal/auth"
	"github.com/lox/autoraffle/internal/config"
	"github.com/lox/autoraffle/internal/ledger"
	"github.com/lox/autoraffle/internal/oracle"
	"github.com/lox/autoraffle/internal/raffle"
)

const (
	defaultRoundsLimit = 20
	maxRoundsLimit     = 100
)

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// EnterRequest is the body of POST /api/raffles/{raffle}/entries.
type EnterRequest struct {
	Participant string `json:"participant"`
	Amount      string `json:"amount"`
}

// FaucetRequest is the optional body of the faucet endpoint.
type FaucetRequest struct {
	Amount string `json:"amount,omitempty"`
}

type UpkeepStatus struct {
	Raffle        string    `json:"raffle"`
	UpkeepNeeded  bool      `json:"upkeepNeeded"`
	State         string    `json:"state"`
	Players       int       `json:"players"`
	Pool          string    `json:"pool"`
	LastTimestamp time.Time `json:"lastTimestamp"`
	Interval      string    `json:"interval"`
}

type UpkeepPerformed struct {
	Raffle    string `json:"raffle"`
	RequestID uint64 `json:"requestId"`
}

type PlayerData struct {
	Index  int    `json:"index"`
	Player string `json:"player"`
}

type AccountData struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type RoundData struct {
	Round        uint64    `json:"round"`
	RequestID    uint64    `json:"requestId"`
	Winner       string    `json:"winner"`
	WinnerIndex  int       `json:"winnerIndex"`
	Prize        string    `json:"prize"`
	RandomWord   string    `json:"randomWord"`
	Participants []string  `json:"participants"`
	ClosedAt     time.Time `json:"closedAt"`
}

type OracleRequestData struct {
	ID               uint64    `json:"id"`
	SubscriptionID   uint64    `json:"subscriptionId"`
	Consumer         string    `json:"consumer"`
	KeyHash          string    `json:"keyHash"`
	NumWords         uint32    `json:"numWords"`
	CallbackGasLimit uint32    `json:"callbackGasLimit"`
	RequestedAt      time.Time `json:"requestedAt"`
	Attempts         int       `json:"attempts"`
}

func (s *Server) handleListRaffles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) instance(w http.ResponseWriter, r *http.Request) (*Instance, bool) {
	key := chi.URLParam(r, "raffle")
	inst, ok := s.manager.Get(key)
	if !ok {
		writeError(w, fmt.Errorf("%w: %s", ErrRaffleNotFound, key))
		return nil, false
	}
	return inst, true
}

func (s *Server) handleGetRaffle(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, RaffleStateFromSnapshot(inst.ID, inst.Name, inst.Raffle.Snapshot()))
}

func (s *Server) handleGetPlayer(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_index", Message: "player index must be an integer"})
		return
	}
	player, err := inst.Raffle.Player(index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PlayerData{Index: index, Player: player.Hex()})
}

func (s *Server) handleCheckUpkeep(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	needed, _ := inst.Raffle.CheckUpkeep(r.Context(), nil)
	snap := inst.Raffle.Snapshot()
	writeJSON(w, http.StatusOK, UpkeepStatus{
		Raffle:        inst.ID,
		UpkeepNeeded:  needed,
		State:         snap.State.String(),
		Players:       len(snap.Participants),
		Pool:          snap.Pool.String(),
		LastTimestamp: snap.LastTimestamp,
		Interval:      snap.Interval.String(),
	})
}

func (s *Server) handlePerformUpkeep(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	id, err := inst.Raffle.PerformUpkeep(r.Context(), nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, UpkeepPerformed{Raffle: inst.ID, RequestID: uint64(id)})
}

func (s *Server) handleEnter(w http.ResponseWriter, r *http.Request) {
	var req EnterRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_body", Message: err.Error()})
		return
	}
	accepted, err := s.enter(r.Context(), chi.URLParam(r, "raffle"), req.Participant, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, accepted)
}

func (s *Server) handleListRounds(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "history_disabled", Message: "round history requires a database"})
		return
	}
	limit := defaultRoundsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_limit", Message: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRoundsLimit)
	}

	records, err := s.history.ListRounds(r.Context(), inst.Name, limit)
	if err != nil {
		s.logger.Error("Failed to list rounds", "raffle", inst.Name, "error", err)
		writeError(w, err)
		return
	}
	rounds := make([]RoundData, 0, len(records))
	for _, rec := range records {
		rounds = append(rounds, RoundData{
			Round:        rec.Round,
			RequestID:    uint64(rec.RequestID),
			Winner:       rec.Winner.Hex(),
			WinnerIndex:  rec.WinnerIndex,
			Prize:        bigString(rec.Prize),
			RandomWord:   bigString(rec.RandomWord),
			Participants: hexAddresses(rec.Participants),
			ClosedAt:     rec.ClosedAt,
		})
	}
	writeJSON(w, http.StatusOK, rounds)
}

func (s *Server) account(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	if s.ledger == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "ledger_disabled", Message: "no ledger configured"})
		return common.Address{}, false
	}
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, fmt.Errorf("%w: %q", ErrInvalidParticipant, raw))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.account(w, r)
	if !ok {
		return
	}
	balance, err := s.ledger.Balance(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountData{Address: addr.Hex(), Balance: balance.String()})
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.account(w, r)
	if !ok {
		return
	}
	if owner, ok := s.manager.EscrowOwner(addr); ok {
		writeError(w, fmt.Errorf("%w: %s is the escrow of raffle %s", ErrInvalidParticipant, addr.Hex(), owner.Name))
		return
	}
	var req FaucetRequest
	if err := decodeJSON(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_body", Message: err.Error()})
		return
	}
	amount := new(big.Int).Set(s.faucet)
	if req.Amount != "" {
		parsed, err := config.ParseAmount(req.Amount)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", ledger.ErrInvalidAmount, err))
			return
		}
		amount = parsed
	}
	if err := s.ledger.Deposit(r.Context(), addr, amount); err != nil {
		writeError(w, err)
		return
	}
	balance, err := s.ledger.Balance(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("Faucet deposit", "address", addr.Hex(), "amount", amount, "operator", operator(r))
	writeJSON(w, http.StatusOK, AccountData{Address: addr.Hex(), Balance: balance.String()})
}

func (s *Server) handleListOracleRequests(w http.ResponseWriter, r *http.Request) {
	if !s.requireOracle(w) {
		return
	}
	pending := s.oracle.Pending()
	out := make([]OracleRequestData, 0, len(pending))
	for _, p := range pending {
		out = append(out, OracleRequestData{
			ID:               uint64(p.ID),
			SubscriptionID:   p.Request.SubscriptionID,
			Consumer:         p.Request.Consumer.Hex(),
			KeyHash:          p.Request.KeyHash.Hex(),
			NumWords:         p.Request.NumWords,
			CallbackGasLimit: p.Request.CallbackGasLimit,
			RequestedAt:      p.RequestedAt,
			Attempts:         p.Attempts,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFulfill(w http.ResponseWriter, r *http.Request) {
	if !s.requireOracle(w) {
		return
	}
	id, err := oracle.ParseRequestID(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request_id", Message: err.Error()})
		return
	}
	if err := s.oracle.Fulfill(r.Context(), id); err != nil {
		s.logger.Warn("Manual fulfilment failed", "requestId", id, "error", err)
		writeError(w, err)
		return
	}
	s.logger.Info("Manual fulfilment", "requestId", id, "operator", operator(r))
	writeJSON(w, http.StatusOK, map[string]any{"requestId": uint64(id), "fulfilled": true})
}

func operator(r *http.Request) string {
	if id, ok := auth.IdentityFrom(r.Context()); ok {
		return id.Subject
	}
	return "anonymous"
}

func (s *Server) requireOracle(w http.ResponseWriter) bool {
	if s.oracle == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "oracle_disabled", Message: "no coordinator configured"})
		return false
	}
	return true
}

func decodeJSON(body io.ReadCloser, dst any) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	resp := ErrorResponse{Error: code, Message: err.Error()}

	var notNeeded *raffle.UpkeepNotNeededError
	if errors.As(err, &notNeeded) {
		resp.Details = map[string]any{
			"balance": bigString(notNeeded.Balance),
			"players": notNeeded.Players,
			"state":   notNeeded.State.String(),
		}
	}
	var payout *raffle.PayoutError
	if errors.As(err, &payout) {
		resp.Details = map[string]any{
			"winner": payout.Winner.Hex(),
			"amount": bigString(payout.Amount),
		}
	}
	writeJSON(w, status, resp)
}
