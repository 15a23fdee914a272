// Package server exposes hosted raffles over HTTP and a websocket event
// feed.
package server

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lox/autoraffle/internal/auth"
	"github.com/lox/autoraffle/internal/config"
	"github.com/lox/autoraffle/internal/ledger"
	"github.com/lox/autoraffle/internal/metrics"
	"github.com/lox/autoraffle/internal/oracle"
	"github.com/lox/autoraffle/internal/store/sqlite"
	"golang.org/x/sync/errgroup"
)

// OracleAdmin is the operator surface of a randomness coordinator.
type OracleAdmin interface {
	Pending() []oracle.PendingRequest
	Fulfill(ctx context.Context, id oracle.RequestID) error
}

// RoundHistory lists settled rounds.
type RoundHistory interface {
	ListRounds(ctx context.Context, raffleName string, limit int) ([]sqlite.RoundRecord, error)
}

// Server serves the HTTP API and the websocket feed for a Manager's raffles.
type Server struct {
	manager   *Manager
	ledger    ledger.Ledger
	oracle    OracleAdmin
	history   RoundHistory
	metrics   *metrics.Metrics
	faucet    *big.Int
	operators auth.Validator
	limiter   *entryLimiter
	clock     quartz.Clock
	logger    *log.Logger
	upgrader  websocket.Upgrader
	router    chi.Router

	entryRate  float64
	entryBurst int

	mu          sync.RWMutex
	connections map[*Connection]bool
}

// Option configures a Server.
type Option func(*Server)

func WithLedger(l ledger.Ledger) Option {
	return func(s *Server) { s.ledger = l }
}

func WithOracle(o OracleAdmin) Option {
	return func(s *Server) { s.oracle = o }
}

func WithHistory(h RoundHistory) Option {
	return func(s *Server) { s.history = h }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithFaucet enables POST /api/accounts/{address}/faucet, crediting amount
// per call unless the request names its own.
func WithFaucet(amount *big.Int) Option {
	return func(s *Server) { s.faucet = new(big.Int).Set(amount) }
}

// WithEntryRate limits entries per participant. A non-positive rate
// disables limiting.
func WithEntryRate(perSecond float64, burst int) Option {
	return func(s *Server) {
		s.entryRate = perSecond
		s.entryBurst = burst
	}
}

// WithOperatorAuth requires a token accepted by v on the faucet and on
// manual oracle fulfilment.
func WithOperatorAuth(v auth.Validator) Option {
	return func(s *Server) { s.operators = v }
}

func WithClock(clock quartz.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

func NewServer(manager *Manager, logger *log.Logger, opts ...Option) *Server {
	s := &Server{
		manager: manager,
		clock:   quartz.NewReal(),
		logger:  logger.WithPrefix("server"),
		upgrader: websocket.Upgrader{
			// Any origin may connect.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections: make(map[*Connection]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limiter = newEntryLimiter(s.entryRate, s.entryBurst, s.clock)
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestID)
	if s.metrics != nil {
		r.Use(s.metrics.InstrumentHandler)
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/raffles", s.handleListRaffles)
		r.Route("/raffles/{raffle}", func(r chi.Router) {
			r.Get("/", s.handleGetRaffle)
			r.Get("/players/{index}", s.handleGetPlayer)
			r.Get("/upkeep", s.handleCheckUpkeep)
			r.Post("/upkeep", s.handlePerformUpkeep)
			r.Post("/entries", s.handleEnter)
			r.Get("/rounds", s.handleListRounds)
		})
		r.Get("/accounts/{address}", s.handleGetAccount)
		r.Get("/oracle/requests", s.handleListOracleRequests)

		r.Group(func(r chi.Router) {
			r.Use(s.requireOperator)
			if s.faucet != nil {
				r.Post("/accounts/{address}/faucet", s.handleFaucet)
			}
			r.Post("/oracle/requests/{id}/fulfill", s.handleFulfill)
		})
	})
	return r
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Starting HTTP server", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ticker := s.clock.NewTicker(time.Minute, "server", "limiter")
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := s.limiter.prune(10 * time.Minute); n > 0 {
					s.logger.Debug("Pruned idle entry limiters", "count", n)
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		s.CloseConnections()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("Shutting down HTTP server")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// CloseConnections disconnects every websocket client.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.connections))
	for conn := range s.connections {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// ConnectionCount reports connected websocket clients.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("raffle")
	if key != "" {
		if _, ok := s.manager.Get(key); !ok {
			writeError(w, fmt.Errorf("%w: %s", ErrRaffleNotFound, key))
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	conn := NewConnection(ws, s, s.logger)
	s.mu.Lock()
	s.connections[conn] = true
	total := len(s.connections)
	s.mu.Unlock()
	s.logger.Info("Client connected", "total", total)

	conn.Start()
	if key != "" {
		conn.subscribe("", key)
	}

	go func() {
		<-conn.Done()
		s.mu.Lock()
		delete(s.connections, conn)
		total := len(s.connections)
		s.mu.Unlock()
		s.logger.Info("Client disconnected", "total", total)
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "OK")
}

// requestID tags every response with X-Request-ID, generating one when the
// client did not send it.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// requireOperator rejects requests without an accepted operator token. It
// passes everything through when no validator is configured.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.operators == nil {
			next.ServeHTTP(w, r)
			return
		}
		id, err := s.operators.Validate(r.Context(), auth.TokenFromRequest(r))
		switch {
		case errors.Is(err, auth.ErrInvalidToken):
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: "operator token required"})
			return
		case err != nil:
			s.logger.Warn("Operator auth unavailable", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "auth_unavailable", Message: err.Error()})
			return
		}
		s.logger.Debug("Operator request", "subject", id.Subject, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

// enter validates and submits one entry for both the HTTP and websocket
// surfaces.
func (s *Server) enter(ctx context.Context, key, participant, amount string) (EntryAcceptedData, error) {
	inst, ok := s.manager.Get(key)
	if !ok {
		return EntryAcceptedData{}, fmt.Errorf("%w: %s", ErrRaffleNotFound, key)
	}
	if !common.IsHexAddress(participant) {
		return EntryAcceptedData{}, fmt.Errorf("%w: %q", ErrInvalidParticipant, participant)
	}
	addr := common.HexToAddress(participant)
	if owner, ok := s.manager.EscrowOwner(addr); ok {
		return EntryAcceptedData{}, fmt.Errorf("%w: %s is the escrow of raffle %s", ErrInvalidParticipant, addr.Hex(), owner.Name)
	}
	value, err := config.ParseAmount(amount)
	if err != nil {
		return EntryAcceptedData{}, fmt.Errorf("%w: %v", ledger.ErrInvalidAmount, err)
	}
	if !s.limiter.allow(strings.ToLower(addr.Hex())) {
		return EntryAcceptedData{}, fmt.Errorf("%w for %s", ErrRateLimited, addr.Hex())
	}
	if err := inst.Raffle.Enter(ctx, addr, value); err != nil {
		return EntryAcceptedData{}, err
	}
	return EntryAcceptedData{
		Raffle:      inst.ID,
		Round:       inst.Raffle.Round(),
		Participant: addr.Hex(),
		Amount:      value.String(),
		Players:     inst.Raffle.NumPlayers(),
	}, nil
}
