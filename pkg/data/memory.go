package data

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepository is an in-memory Repository used for tests and
// ephemeral single-node runs.
type MemoryRepository struct {
	blocks     map[string]*Block
	byHeight   []*Block
	validators map[string]*ValidatorState
	rounds     map[uint64]*RoundSummary
	mu         sync.RWMutex
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		blocks:     make(map[string]*Block),
		validators: make(map[string]*ValidatorState),
		rounds:     make(map[uint64]*RoundSummary),
	}
}

// StoreBlock persists a block keyed by hash
func (r *MemoryRepository) StoreBlock(_ context.Context, block *Block) error {
	if err := block.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.blocks[block.Hash]; exists {
		return ErrDuplicate
	}
	r.blocks[block.Hash] = block
	r.byHeight = append(r.byHeight, block)
	sort.Slice(r.byHeight, func(i, j int) bool {
		return r.byHeight[i].Height < r.byHeight[j].Height
	})
	return nil
}

// GetBlock retrieves a block by hash
func (r *MemoryRepository) GetBlock(_ context.Context, hash string) (*Block, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	block, exists := r.blocks[hash]
	if !exists {
		return nil, ErrNotFound
	}
	return block, nil
}

// GetLatestBlock retrieves the highest block
func (r *MemoryRepository) GetLatestBlock(_ context.Context) (*Block, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.byHeight) == 0 {
		return nil, ErrNotFound
	}
	return r.byHeight[len(r.byHeight)-1], nil
}

// StoreValidatorState upserts a validator record
func (r *MemoryRepository) StoreValidatorState(_ context.Context, state *ValidatorState) error {
	if err := state.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[state.ValidatorID] = state
	return nil
}

// StoreValidatorStates writes a batch of validator records
func (r *MemoryRepository) StoreValidatorStates(ctx context.Context, states []*ValidatorState) error {
	for _, state := range states {
		if err := r.StoreValidatorState(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

// GetValidatorState retrieves a validator record by ID
func (r *MemoryRepository) GetValidatorState(_ context.Context, validatorID string) (*ValidatorState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, exists := r.validators[validatorID]
	if !exists {
		return nil, ErrNotFound
	}
	return state, nil
}

// GetAllValidatorStates retrieves every validator record
func (r *MemoryRepository) GetAllValidatorStates(_ context.Context) ([]*ValidatorState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make([]*ValidatorState, 0, len(r.validators))
	for _, state := range r.validators {
		states = append(states, state)
	}
	return states, nil
}

// StoreRound archives a finished round
func (r *MemoryRepository) StoreRound(_ context.Context, round *RoundSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rounds[round.RoundNumber]; exists {
		return ErrDuplicate
	}
	r.rounds[round.RoundNumber] = round
	return nil
}

// ListRounds returns the most recent round summaries
func (r *MemoryRepository) ListRounds(_ context.Context, limit int) ([]*RoundSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rounds := make([]*RoundSummary, 0, len(r.rounds))
	for _, round := range r.rounds {
		rounds = append(rounds, round)
	}
	sort.Slice(rounds, func(i, j int) bool {
		return rounds[i].RoundNumber > rounds[j].RoundNumber
	})
	if limit > 0 && limit < len(rounds) {
		rounds = rounds[:limit]
	}
	return rounds, nil
}
