package server

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lox/autoraffle/internal/instanceid"
	"github.com/lox/autoraffle/internal/raffle"
	"github.com/lox/autoraffle/internal/upkeep"
)

// Instance is one hosted raffle and the keeper that closes its rounds.
type Instance struct {
	ID     string
	Name   string
	Raffle *raffle.Raffle
	Keeper *upkeep.Keeper
}

// RaffleSummary holds lightweight metadata for listings.
type RaffleSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	State       string `json:"state"`
	Round       uint64 `json:"round"`
	Players     int    `json:"players"`
	Pool        string `json:"pool"`
	EntranceFee string `json:"entranceFee"`
	Interval    string `json:"interval"`
	Keeper      bool   `json:"keeper"`
}

// Manager tracks hosted raffles by id and by name.
type Manager struct {
	logger    *log.Logger
	mu        sync.RWMutex
	raffles   map[string]*Instance
	byName    map[string]string
	defaultID string
}

func NewManager(logger *log.Logger) *Manager {
	return &Manager{
		logger:  logger.WithPrefix("manager"),
		raffles: make(map[string]*Instance),
		byName:  make(map[string]string),
	}
}

// Register adds a raffle under a fresh id. The first registered raffle
// becomes the default. Names must be unique.
func (m *Manager) Register(name string, r *raffle.Raffle, keeper *upkeep.Keeper) (*Instance, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("raffle name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[name]; exists {
		return nil, fmt.Errorf("raffle %q already registered", name)
	}
	inst := &Instance{ID: instanceid.Generate(), Name: name, Raffle: r, Keeper: keeper}
	m.raffles[inst.ID] = inst
	m.byName[name] = inst.ID
	if m.defaultID == "" {
		m.defaultID = inst.ID
	}
	m.logger.Info("Registered raffle", "id", inst.ID, "name", name)
	return inst, nil
}

// Remove unregisters a raffle, stopping its keeper.
func (m *Manager) Remove(key string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.lookupLocked(key)
	if !ok {
		return nil, false
	}
	delete(m.raffles, inst.ID)
	delete(m.byName, inst.Name)
	if inst.Keeper != nil {
		inst.Keeper.Stop()
	}
	if m.defaultID == inst.ID {
		m.defaultID = ""
		if ids := m.sortedIDsLocked(); len(ids) > 0 {
			m.defaultID = ids[0]
		}
	}
	return inst, true
}

// Get finds a raffle by id or name. An empty key selects the default.
func (m *Manager) Get(key string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(key)
}

// Default returns the default raffle, if any.
func (m *Manager) Default() (*Instance, bool) {
	return m.Get("")
}

func (m *Manager) lookupLocked(key string) (*Instance, bool) {
	if key == "" {
		key = m.defaultID
	}
	if inst, ok := m.raffles[key]; ok {
		return inst, true
	}
	if id, ok := m.byName[key]; ok {
		return m.raffles[id], true
	}
	return nil, false
}

// EscrowOwner finds the raffle whose escrow account is addr.
func (m *Manager) EscrowOwner(addr common.Address) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inst := range m.raffles {
		if inst.Raffle.Escrow() == addr {
			return inst, true
		}
	}
	return nil, false
}

// Instances returns every raffle ordered by id, which is creation order.
func (m *Manager) Instances() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.sortedIDsLocked()
	out := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.raffles[id])
	}
	return out
}

// List returns summaries of every raffle.
func (m *Manager) List() []RaffleSummary {
	instances := m.Instances()
	summaries := make([]RaffleSummary, 0, len(instances))
	for _, inst := range instances {
		s := inst.Raffle.Snapshot()
		summaries = append(summaries, RaffleSummary{
			ID:          inst.ID,
			Name:        inst.Name,
			State:       s.State.String(),
			Round:       s.Round,
			Players:     len(s.Participants),
			Pool:        s.Pool.String(),
			EntranceFee: s.EntranceFee.String(),
			Interval:    s.Interval.String(),
			Keeper:      inst.Keeper != nil,
		})
	}
	return summaries
}

// StartAll starts every keeper. Keepers already started are left alone.
func (m *Manager) StartAll(ctx context.Context) {
	for _, inst := range m.Instances() {
		if inst.Keeper == nil {
			continue
		}
		if err := inst.Keeper.Start(ctx); err != nil {
			m.logger.Debug("Keeper not started", "raffle", inst.Name, "error", err)
		}
	}
}

// StopAll stops every keeper.
func (m *Manager) StopAll() {
	for _, inst := range m.Instances() {
		if inst.Keeper != nil {
			inst.Keeper.Stop()
		}
	}
}

func (m *Manager) sortedIDsLocked() []string {
	ids := make([]string, 0, len(m.raffles))
	for id := range m.raffles {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
