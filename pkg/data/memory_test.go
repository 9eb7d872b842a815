package data

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storedBlock(height uint64, previousHash string) *Block {
	return &Block{
		Height:       height,
		PreviousHash: previousHash,
		Timestamp:    time.Now().UTC(),
		ProposerID:   "proposer-1",
		FitnessProof: &FitnessProof{ProfileHash: "ph", AttestationCount: 1, Score: 80, IssuedAt: time.Now()},
		Hash:         "hash-" + previousHash + "-child",
		Signature:    []byte("sig"),
	}
}

func TestMemoryRepositoryBlockLifecycle(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	genesis := storedBlock(0, "")
	require.NoError(t, repo.StoreBlock(ctx, genesis))

	got, err := repo.GetBlock(ctx, genesis.Hash)
	require.NoError(t, err)
	assert.Equal(t, genesis.Hash, got.Hash)

	_, err = repo.GetBlock(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepositoryDuplicateBlock(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	block := storedBlock(0, "")
	require.NoError(t, repo.StoreBlock(ctx, block))
	assert.ErrorIs(t, repo.StoreBlock(ctx, block), ErrDuplicate)
}

func TestMemoryRepositoryRejectsInvalidBlock(t *testing.T) {
	repo := NewMemoryRepository()

	block := storedBlock(0, "")
	block.Signature = nil

	assert.Error(t, repo.StoreBlock(context.Background(), block))
}

func TestMemoryRepositoryLatestBlock(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.GetLatestBlock(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	first := storedBlock(0, "")
	first.Hash = "hash-0"
	second := storedBlock(1, "hash-0")
	second.Hash = "hash-1"

	// Insertion order must not matter
	require.NoError(t, repo.StoreBlock(ctx, second))
	require.NoError(t, repo.StoreBlock(ctx, first))

	latest, err := repo.GetLatestBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest.Height)
}

func TestMemoryRepositoryValidatorStates(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	state, err := NewValidatorState("validator-1", []byte("key"), 1000)
	require.NoError(t, err)
	require.NoError(t, repo.StoreValidatorState(ctx, state))

	got, err := repo.GetValidatorState(ctx, "validator-1")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, got.Stake)

	_, err = repo.GetValidatorState(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	other, err := NewValidatorState("validator-2", []byte("key"), 2000)
	require.NoError(t, err)
	require.NoError(t, repo.StoreValidatorStates(ctx, []*ValidatorState{state, other}))

	all, err := repo.GetAllValidatorStates(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryRepositoryRounds(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, repo.StoreRound(ctx, &RoundSummary{
			RoundNumber: i,
			Status:      "COMPLETED",
			CompletedAt: time.Now(),
		}))
	}

	assert.ErrorIs(t, repo.StoreRound(ctx, &RoundSummary{RoundNumber: 3}), ErrDuplicate)

	rounds, err := repo.ListRounds(ctx, 3)
	require.NoError(t, err)
	require.Len(t, rounds, 3)

	// Most recent first
	assert.Equal(t, uint64(5), rounds[0].RoundNumber)
	assert.Equal(t, uint64(4), rounds[1].RoundNumber)
	assert.Equal(t, uint64(3), rounds[2].RoundNumber)
}
