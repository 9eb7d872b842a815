package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"fitchain/pkg/data"
)

// Offline handling
const (
	// MaxConsecutiveFailures is the missed-vote streak that marks a
	// validator offline until it heartbeats again.
	MaxConsecutiveFailures = 3
)

// ValidatorRegistry tracks long-lived validator state. Mutations to a single
// validator are serialized behind that validator's own lock; the registry
// lock only guards the map structure.
type ValidatorRegistry struct {
	entries map[string]*validatorEntry
	logger  *zap.Logger
	mu      sync.RWMutex
}

type validatorEntry struct {
	state *data.ValidatorState
	mu    sync.Mutex
}

// NewValidatorRegistry creates an empty registry
func NewValidatorRegistry(logger *zap.Logger) *ValidatorRegistry {
	return &ValidatorRegistry{
		entries: make(map[string]*validatorEntry),
		logger:  logger,
	}
}

// Register adds or replaces a validator record
func (vr *ValidatorRegistry) Register(state *data.ValidatorState) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("validating validator: %w", err)
	}

	vr.mu.Lock()
	defer vr.mu.Unlock()

	entry, exists := vr.entries[state.ValidatorID]
	if !exists {
		vr.entries[state.ValidatorID] = &validatorEntry{state: state}
		vr.logger.Info("Validator registered",
			zap.String("validatorID", state.ValidatorID),
			zap.Float64("stake", state.Stake))
		return nil
	}

	entry.mu.Lock()
	entry.state = state
	entry.mu.Unlock()
	return nil
}

// Update applies a mutation to one validator under its entry lock
func (vr *ValidatorRegistry) Update(validatorID string, fn func(*data.ValidatorState)) error {
	vr.mu.RLock()
	entry, exists := vr.entries[validatorID]
	vr.mu.RUnlock()

	if !exists {
		return fmt.Errorf("validator not found: %s", validatorID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	fn(entry.state)
	return nil
}

// Heartbeat marks a validator alive, clearing any failure streak
func (vr *ValidatorRegistry) Heartbeat(validatorID string, at time.Time) error {
	return vr.Update(validatorID, func(state *data.ValidatorState) {
		wasOffline := !state.IsOnline
		state.Heartbeat(at)
		if wasOffline {
			vr.logger.Info("Validator back online",
				zap.String("validatorID", validatorID))
		}
	})
}

// RecordMissedVote increments the failure streak and takes the validator
// offline once it reaches the limit.
func (vr *ValidatorRegistry) RecordMissedVote(validatorID string) error {
	return vr.Update(validatorID, func(state *data.ValidatorState) {
		state.ConsecutiveFailures++
		if state.ConsecutiveFailures >= MaxConsecutiveFailures {
			state.IsOnline = false
			vr.logger.Warn("Validator marked offline after missed votes",
				zap.String("validatorID", validatorID),
				zap.Int("consecutiveFailures", state.ConsecutiveFailures))
		}
	})
}

// Get returns a copy of a validator's state
func (vr *ValidatorRegistry) Get(validatorID string) (*data.ValidatorState, bool) {
	vr.mu.RLock()
	entry, exists := vr.entries[validatorID]
	vr.mu.RUnlock()

	if !exists {
		return nil, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	copied := *entry.state
	return &copied, true
}

// PublicKey returns the registered verification key for a validator
func (vr *ValidatorRegistry) PublicKey(validatorID string) []byte {
	state, ok := vr.Get(validatorID)
	if !ok {
		return nil
	}
	return state.PublicKey
}

// Online returns copies of all online, active validators sorted by ID
func (vr *ValidatorRegistry) Online() []*data.ValidatorState {
	return vr.filter(func(s *data.ValidatorState) bool {
		return s.IsOnline && s.IsActive
	})
}

// All returns copies of every validator record sorted by ID
func (vr *ValidatorRegistry) All() []*data.ValidatorState {
	return vr.filter(func(*data.ValidatorState) bool { return true })
}

func (vr *ValidatorRegistry) filter(keep func(*data.ValidatorState) bool) []*data.ValidatorState {
	vr.mu.RLock()
	entries := make([]*validatorEntry, 0, len(vr.entries))
	for _, entry := range vr.entries {
		entries = append(entries, entry)
	}
	vr.mu.RUnlock()

	var out []*data.ValidatorState
	for _, entry := range entries {
		entry.mu.Lock()
		if keep(entry.state) {
			copied := *entry.state
			out = append(out, &copied)
		}
		entry.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ValidatorID < out[j].ValidatorID
	})
	return out
}

// Count returns total and online validator counts
func (vr *ValidatorRegistry) Count() (total, online int) {
	vr.mu.RLock()
	entries := make([]*validatorEntry, 0, len(vr.entries))
	for _, entry := range vr.entries {
		entries = append(entries, entry)
	}
	vr.mu.RUnlock()

	total = len(entries)
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.state.IsOnline {
			online++
		}
		entry.mu.Unlock()
	}
	return total, online
}
