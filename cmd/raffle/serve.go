package main

import (
	"fmt"
	"net"

	"github.com/coder/quartz"
	"github.com/lox/autoraffle/cmd/raffle/shared"
	"github.com/lox/autoraffle/internal/config"
)

// ServeCmd runs the service from a configuration file. Flags override both
// the file and the environment.
type ServeCmd struct {
	Config   string `short:"c" default:"raffle.hcl" help:"Path to HCL configuration file"`
	Address  string `short:"a" help:"Bind address (overrides config)"`
	Port     int    `short:"p" help:"Listen port (overrides config)"`
	LogLevel string `short:"l" help:"Log level (overrides config)"`
	Database string `help:"SQLite database path (overrides config)"`
	Faucet   bool   `help:"Enable the faucet endpoint"`
}

func (c *ServeCmd) Run() error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	c.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := shared.SetupLogger(cfg.Server.LogLevel)
	if err != nil {
		return err
	}
	ctx, stop := shared.SetupSignalHandler()
	defer stop()

	st, err := newStack(ctx, cfg, quartz.NewReal(), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ln, err := net.Listen("tcp", cfg.GetServerAddress())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.GetServerAddress(), err)
	}
	logger.Info("Starting raffle service",
		"addr", ln.Addr().String(),
		"raffles", len(cfg.Raffles),
		"version", version)

	err = st.run(ctx, ln)
	logger.Info("Raffle service stopped")
	return err
}

func (c *ServeCmd) apply(cfg *config.Config) {
	if c.Address != "" {
		cfg.Server.Address = c.Address
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.LogLevel != "" {
		cfg.Server.LogLevel = c.LogLevel
	}
	if c.Database != "" {
		cfg.Server.Database = c.Database
	}
	if c.Faucet {
		cfg.Server.Faucet = true
	}
}

// ValidateCmd loads and validates a configuration file without serving.
type ValidateCmd struct {
	Config string `arg:"" optional:"" default:"raffle.hcl" help:"Path to HCL configuration file"`
}

func (c *ValidateCmd) Run() error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for _, rc := range cfg.Raffles {
		escrow, err := rc.EscrowAddress()
		if err != nil {
			return err
		}
		fmt.Printf("%-12s fee=%s interval=%s schedule=%q escrow=%s\n",
			rc.Name, rc.EntranceFee, rc.Interval, rc.UpkeepSchedule, escrow.Hex())
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
