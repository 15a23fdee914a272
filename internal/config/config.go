// Package config loads the raffle service configuration from an HCL file
// with environment overrides.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

const (
	DefaultAddress          = "localhost"
	DefaultPort             = 8080
	DefaultLogLevel         = "info"
	DefaultEntryRate        = 5.0
	DefaultEntryBurst       = 10
	DefaultEntranceFee      = "0.01 ether"
	DefaultInterval         = "30s"
	DefaultUpkeepSchedule   = "@every 5s"
	DefaultGasLane          = "0x474e34a077df58807dbe9c96d3c009b23b3c6d0cce433e59bbf5b34f823bc56c"
	DefaultCallbackGasLimit = 500_000
	DefaultConfirmations    = 3
	DefaultOracleAddress    = "0x000000000000000000000000000000000000c0de"
	DefaultBaseFee          = "0.25 ether"
	DefaultGasPrice         = "1 gwei"
	DefaultSubscriptionFund = "2 ether"
	DefaultFulfillmentDelay = "2s"
	DefaultFaucetGrant      = "1 ether"
)

// Config is the complete service configuration.
type Config struct {
	Server  *ServerSettings `hcl:"server,block"`
	Oracle  *OracleSettings `hcl:"oracle,block"`
	Raffles []RaffleConfig  `hcl:"raffle,block"`
}

// ServerSettings contains process-level settings.
type ServerSettings struct {
	Address     string  `hcl:"address,optional" env:"RAFFLE_ADDRESS"`
	Port        int     `hcl:"port,optional" env:"RAFFLE_PORT"`
	LogLevel    string  `hcl:"log_level,optional" env:"RAFFLE_LOG_LEVEL"`
	Database    string  `hcl:"database,optional" env:"RAFFLE_DATABASE"`
	Faucet      bool    `hcl:"faucet,optional" env:"RAFFLE_FAUCET"`
	FaucetGrant string  `hcl:"faucet_grant,optional" env:"RAFFLE_FAUCET_GRANT"`
	AdminToken  string  `hcl:"admin_token,optional" env:"RAFFLE_ADMIN_TOKEN"`
	AuthURL     string  `hcl:"auth_url,optional" env:"RAFFLE_AUTH_URL"`
	EntryRate   float64 `hcl:"entry_rate,optional" env:"RAFFLE_ENTRY_RATE"`
	EntryBurst  int     `hcl:"entry_burst,optional" env:"RAFFLE_ENTRY_BURST"`
}

// OracleSettings configures the simulated randomness coordinator.
type OracleSettings struct {
	Address          string `hcl:"address,optional"`
	BaseFee          string `hcl:"base_fee,optional"`
	GasPrice         string `hcl:"gas_price,optional"`
	FulfillmentDelay string `hcl:"fulfillment_delay,optional"`
	SubscriptionFund string `hcl:"subscription_fund,optional"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		Raffles: []RaffleConfig{{Name: "main"}},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads filename, applies defaults and then environment overrides. A
// missing file yields the defaults.
func Load(filename string) (*Config, error) {
	cfg, err := loadFile(filename)
	if err != nil {
		return nil, err
	}
	if err := env.Parse(cfg.Server); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func loadFile(filename string) (*Config, error) {
	if _, err := os.Stat(filename); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file: %s", diags.Error())
	}

	var cfg Config
	diags = gohcl.DecodeBody(file.Body, nil, &cfg)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL: %s", diags.Error())
	}

	if len(cfg.Raffles) == 0 {
		cfg.Raffles = []RaffleConfig{{Name: "main"}}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server == nil {
		c.Server = &ServerSettings{}
	}
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = DefaultLogLevel
	}
	if c.Server.EntryRate == 0 {
		c.Server.EntryRate = DefaultEntryRate
	}
	if c.Server.EntryBurst == 0 {
		c.Server.EntryBurst = DefaultEntryBurst
	}
	if c.Server.FaucetGrant == "" {
		c.Server.FaucetGrant = DefaultFaucetGrant
	}

	if c.Oracle == nil {
		c.Oracle = &OracleSettings{}
	}
	if c.Oracle.Address == "" {
		c.Oracle.Address = DefaultOracleAddress
	}
	if c.Oracle.BaseFee == "" {
		c.Oracle.BaseFee = DefaultBaseFee
	}
	if c.Oracle.GasPrice == "" {
		c.Oracle.GasPrice = DefaultGasPrice
	}
	if c.Oracle.FulfillmentDelay == "" {
		c.Oracle.FulfillmentDelay = DefaultFulfillmentDelay
	}
	if c.Oracle.SubscriptionFund == "" {
		c.Oracle.SubscriptionFund = DefaultSubscriptionFund
	}

	for i := range c.Raffles {
		c.Raffles[i].applyDefaults()
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Server.EntryRate < 0 {
		return fmt.Errorf("entry rate must not be negative: %v", c.Server.EntryRate)
	}
	if c.Server.EntryBurst < 1 {
		return fmt.Errorf("entry burst must be at least 1: %d", c.Server.EntryBurst)
	}

	if _, err := c.FaucetAmount(); err != nil {
		return err
	}
	if c.Server.AdminToken != "" && c.Server.AuthURL != "" {
		return errors.New("admin_token and auth_url are mutually exclusive")
	}
	if _, err := c.OracleSpec(); err != nil {
		return err
	}

	if len(c.Raffles) == 0 {
		return errors.New("at least one raffle must be configured")
	}
	seen := make(map[string]bool)
	for _, r := range c.Raffles {
		if seen[r.Name] {
			return fmt.Errorf("raffle %s: defined more than once", r.Name)
		}
		seen[r.Name] = true
		if _, err := r.Resolve(0); err != nil {
			return fmt.Errorf("raffle %s: %w", r.Name, err)
		}
	}
	return nil
}

// LogLevel parses the configured level.
func (c *Config) LogLevel() (log.Level, error) {
	level, err := log.ParseLevel(c.Server.LogLevel)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.Server.LogLevel, err)
	}
	return level, nil
}

// FaucetAmount parses the per-request faucet grant.
func (c *Config) FaucetAmount() (*big.Int, error) {
	amount, err := ParseAmount(c.Server.FaucetGrant)
	if err != nil {
		return nil, fmt.Errorf("faucet_grant: %w", err)
	}
	if amount.Sign() <= 0 {
		return nil, errors.New("faucet_grant must be positive")
	}
	return amount, nil
}

// GetServerAddress returns the listen address.
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

// GetRaffleByName returns the named raffle block, or nil.
func (c *Config) GetRaffleByName(name string) *RaffleConfig {
	for i := range c.Raffles {
		if c.Raffles[i].Name == name {
			return &c.Raffles[i]
		}
	}
	return nil
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}
