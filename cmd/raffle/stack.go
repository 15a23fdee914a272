package main

import (
	"context"
	"fmt"
	"net"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/lox/autoraffle/internal/auth"
	"github.com/lox/autoraffle/internal/config"
	"github.com/lox/autoraffle/internal/ledger"
	"github.com/lox/autoraffle/internal/metrics"
	"github.com/lox/autoraffle/internal/oracle"
	"github.com/lox/autoraffle/internal/raffle"
	"github.com/lox/autoraffle/internal/server"
	"github.com/lox/autoraffle/internal/store/sqlite"
	"github.com/lox/autoraffle/internal/upkeep"
	"golang.org/x/sync/errgroup"
)

// stack is everything serve and simulate run: the coordinator, the ledger,
// one raffle and keeper per configured block, and the HTTP server.
type stack struct {
	logger         *log.Logger
	coordinator    *oracle.Coordinator
	subscriptionID uint64
	ledger         ledger.Ledger
	store          *sqlite.Store
	metrics        *metrics.Metrics
	manager        *server.Manager
	server         *server.Server
}

func newStack(ctx context.Context, cfg *config.Config, clock quartz.Clock, logger *log.Logger) (*stack, error) {
	spec, err := cfg.OracleSpec()
	if err != nil {
		return nil, err
	}

	st := &stack{
		logger:  logger,
		metrics: metrics.New(),
		manager: server.NewManager(logger),
	}

	if cfg.Server.Database != "" {
		store, err := sqlite.Open(ctx, cfg.Server.Database, sqlite.WithClock(clock))
		if err != nil {
			return nil, err
		}
		st.store = store
		st.ledger = store
		logger.Info("Using sqlite ledger", "path", cfg.Server.Database)
	} else {
		st.ledger = ledger.NewMemory()
		logger.Warn("No database configured, balances are kept in memory")
	}

	st.coordinator = oracle.NewCoordinator(spec.Coordinator, clock, logger)
	st.subscriptionID = st.coordinator.CreateSubscription()
	if err := st.coordinator.FundSubscription(st.subscriptionID, spec.SubscriptionFund); err != nil {
		st.Close()
		return nil, fmt.Errorf("fund subscription: %w", err)
	}

	for _, rc := range cfg.Raffles {
		if err := st.addRaffle(ctx, rc, clock); err != nil {
			st.Close()
			return nil, fmt.Errorf("raffle %s: %w", rc.Name, err)
		}
	}

	opts := []server.Option{
		server.WithClock(clock),
		server.WithLedger(st.ledger),
		server.WithOracle(st.coordinator),
		server.WithMetrics(st.metrics),
		server.WithEntryRate(cfg.Server.EntryRate, cfg.Server.EntryBurst),
	}
	if st.store != nil {
		opts = append(opts, server.WithHistory(st.store))
	}
	if cfg.Server.Faucet {
		grant, err := cfg.FaucetAmount()
		if err != nil {
			st.Close()
			return nil, err
		}
		opts = append(opts, server.WithFaucet(grant))
		logger.Warn("Faucet enabled", "grant", config.FormatAmount(grant))
	}
	switch {
	case cfg.Server.AdminToken != "":
		validator, err := auth.NewStaticValidator(cfg.Server.AdminToken)
		if err != nil {
			st.Close()
			return nil, err
		}
		opts = append(opts, server.WithOperatorAuth(validator))
	case cfg.Server.AuthURL != "":
		opts = append(opts, server.WithOperatorAuth(auth.NewHTTPValidator(cfg.Server.AuthURL, "raffle")))
	case cfg.Server.Faucet:
		logger.Warn("Faucet is open to anyone, set admin_token to restrict it")
	}
	st.server = server.NewServer(st.manager, logger, opts...)
	return st, nil
}

// addRaffle builds one raffle and its keeper. With a database the raffle
// continues from the recorded history, and an escrow balance that the open
// entries do not explain stops startup.
func (st *stack) addRaffle(ctx context.Context, rc config.RaffleConfig, clock quartz.Clock) error {
	rcfg, err := rc.Resolve(st.subscriptionID)
	if err != nil {
		return err
	}
	schedule, err := rc.Schedule()
	if err != nil {
		return err
	}

	bus := raffle.NewEventBus()
	bus.Subscribe(st.metrics.RaffleSubscriber(rc.Name))
	opts := []raffle.Option{
		raffle.WithClock(clock),
		raffle.WithLogger(st.logger.With("raffle", rc.Name)),
		raffle.WithEventBus(bus),
	}
	if st.store != nil {
		bus.Subscribe(sqlite.NewRoundRecorder(st.store, rc.Name, st.logger))
		rp, err := st.store.Resume(ctx, rc.Name, rcfg.Escrow)
		if err != nil {
			return err
		}
		opts = append(opts, raffle.WithResume(rp.Round, rp.Entries))
		if rp.Round > 1 || len(rp.Entries) > 0 {
			st.logger.Info("Resuming raffle",
				"name", rc.Name,
				"round", rp.Round,
				"players", len(rp.Entries),
				"pool", config.FormatAmount(rp.Pool))
		}
	}

	r, err := raffle.New(rcfg, st.coordinator, st.ledger, opts...)
	if err != nil {
		return err
	}
	if err := st.coordinator.AddConsumer(st.subscriptionID, rcfg.Escrow, r); err != nil {
		return err
	}

	keeper := upkeep.NewKeeper(rc.Name, r, schedule, clock, st.logger, upkeep.WithObserver(st.metrics))
	inst, err := st.manager.Register(rc.Name, r, keeper)
	if err != nil {
		return err
	}
	st.logger.Info("Created raffle",
		"id", inst.ID,
		"name", rc.Name,
		"fee", config.FormatAmount(rcfg.EntranceFee),
		"interval", rcfg.Interval,
		"schedule", rc.UpkeepSchedule,
		"escrow", rcfg.Escrow.Hex())
	return nil
}

// run serves on ln and drives every keeper until ctx is cancelled.
func (st *stack) run(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return st.server.ServeListener(ctx, ln)
	})
	for _, inst := range st.manager.Instances() {
		g.Go(func() error {
			return inst.Keeper.Run(ctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		st.coordinator.Close()
		return nil
	})
	return g.Wait()
}

// Close stops the coordinator and releases the database.
func (st *stack) Close() {
	if st.coordinator != nil {
		st.coordinator.Close()
	}
	if st.store != nil {
		if err := st.store.Close(); err != nil {
			st.logger.Error("Failed to close database", "error", err)
		}
	}
}
