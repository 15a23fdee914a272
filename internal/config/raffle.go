package config

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lox/autoraffle/internal/oracle"
	"github.com/lox/autoraffle/internal/raffle"
	"github.com/lox/autoraffle/internal/upkeep"
	"github.com/robfig/cron/v3"
)

// RaffleConfig defines one raffle instance.
type RaffleConfig struct {
	Name                 string `hcl:"name,label"`
	EntranceFee          string `hcl:"entrance_fee,optional"`
	Interval             string `hcl:"interval,optional"`
	GasLane              string `hcl:"gas_lane,optional"`
	CallbackGasLimit     int    `hcl:"callback_gas_limit,optional"`
	RequestConfirmations int    `hcl:"request_confirmations,optional"`
	UpkeepSchedule       string `hcl:"upkeep_schedule,optional"`
	RequestTimeout       string `hcl:"request_timeout,optional"`
	Escrow               string `hcl:"escrow,optional"`
}

func (r *RaffleConfig) applyDefaults() {
	if r.EntranceFee == "" {
		r.EntranceFee = DefaultEntranceFee
	}
	if r.Interval == "" {
		r.Interval = DefaultInterval
	}
	if r.GasLane == "" {
		r.GasLane = DefaultGasLane
	}
	if r.CallbackGasLimit == 0 {
		r.CallbackGasLimit = DefaultCallbackGasLimit
	}
	if r.RequestConfirmations == 0 {
		r.RequestConfirmations = DefaultConfirmations
	}
	if r.UpkeepSchedule == "" {
		r.UpkeepSchedule = DefaultUpkeepSchedule
	}
}

// EscrowAddress returns the configured escrow account, or one derived from
// the raffle name.
func (r RaffleConfig) EscrowAddress() (common.Address, error) {
	if r.Escrow == "" {
		return common.BytesToAddress(crypto.Keccak256([]byte("raffle:" + r.Name))[12:]), nil
	}
	return parseAddress("escrow", r.Escrow)
}

// Schedule parses the keeper schedule.
func (r RaffleConfig) Schedule() (cron.Schedule, error) {
	return upkeep.ParseSchedule(r.UpkeepSchedule)
}

// Resolve converts the block into a raffle configuration bound to subID.
func (r RaffleConfig) Resolve(subID uint64) (raffle.Config, error) {
	if r.Name == "" {
		return raffle.Config{}, errors.New("name is required")
	}
	fee, err := ParseAmount(r.EntranceFee)
	if err != nil {
		return raffle.Config{}, fmt.Errorf("entrance_fee: %w", err)
	}
	if fee.Sign() <= 0 {
		return raffle.Config{}, errors.New("entrance_fee must be positive")
	}
	interval, err := parseDuration("interval", r.Interval)
	if err != nil {
		return raffle.Config{}, err
	}
	var timeout time.Duration
	if r.RequestTimeout != "" {
		if timeout, err = parseDuration("request_timeout", r.RequestTimeout); err != nil {
			return raffle.Config{}, err
		}
	}
	if !isHexHash(r.GasLane) {
		return raffle.Config{}, fmt.Errorf("gas_lane: %q is not a 32-byte hex hash", r.GasLane)
	}
	if r.CallbackGasLimit < 1 || r.CallbackGasLimit > 2_500_000 {
		return raffle.Config{}, fmt.Errorf("callback_gas_limit out of range: %d", r.CallbackGasLimit)
	}
	if r.RequestConfirmations < 1 || r.RequestConfirmations > oracle.MaxRequestConfirmations {
		return raffle.Config{}, fmt.Errorf("request_confirmations out of range: %d", r.RequestConfirmations)
	}
	if _, err := r.Schedule(); err != nil {
		return raffle.Config{}, err
	}
	escrow, err := r.EscrowAddress()
	if err != nil {
		return raffle.Config{}, err
	}

	cfg := raffle.Config{
		Escrow:               escrow,
		EntranceFee:          fee,
		Interval:             interval,
		GasLane:              common.HexToHash(r.GasLane),
		SubscriptionID:       subID,
		CallbackGasLimit:     uint32(r.CallbackGasLimit),
		RequestConfirmations: uint16(r.RequestConfirmations),
		NumWords:             raffle.DefaultNumWords,
		RequestTimeout:       timeout,
	}
	if err := cfg.Validate(); err != nil {
		return raffle.Config{}, err
	}
	return cfg, nil
}

// OracleSpec is the parsed oracle block.
type OracleSpec struct {
	Coordinator      oracle.CoordinatorConfig
	SubscriptionFund *big.Int
}

// OracleSpec parses the oracle block.
func (c *Config) OracleSpec() (OracleSpec, error) {
	o := c.Oracle
	addr, err := parseAddress("oracle address", o.Address)
	if err != nil {
		return OracleSpec{}, err
	}
	baseFee, err := ParseAmount(o.BaseFee)
	if err != nil {
		return OracleSpec{}, fmt.Errorf("oracle base_fee: %w", err)
	}
	gasPrice, err := ParseAmount(o.GasPrice)
	if err != nil {
		return OracleSpec{}, fmt.Errorf("oracle gas_price: %w", err)
	}
	fund, err := ParseAmount(o.SubscriptionFund)
	if err != nil {
		return OracleSpec{}, fmt.Errorf("oracle subscription_fund: %w", err)
	}
	delay, err := parseDuration("oracle fulfillment_delay", o.FulfillmentDelay)
	if err != nil {
		return OracleSpec{}, err
	}
	if delay < 0 {
		return OracleSpec{}, fmt.Errorf("oracle fulfillment_delay must not be negative: %s", delay)
	}
	return OracleSpec{
		Coordinator: oracle.CoordinatorConfig{
			Address:          addr,
			BaseFee:          baseFee,
			GasPrice:         gasPrice,
			FulfillmentDelay: delay,
		},
		SubscriptionFund: fund,
	}, nil
}

func parseAddress(field, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s: %q is not a hex address", field, value)
	}
	addr := common.HexToAddress(value)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s: zero address", field)
	}
	return addr, nil
}

func isHexHash(s string) bool {
	if len(s) == 2+2*common.HashLength && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if len(s) != 2*common.HashLength {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
