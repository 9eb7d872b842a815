package chain

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fitchain/pkg/config"
	"fitchain/pkg/crypto"
	"fitchain/pkg/data"
	"fitchain/pkg/registry"
)

type fakeSender struct {
	sent      []string
	requested []string
	failPeers map[string]bool
	mu        sync.Mutex
}

func (f *fakeSender) SendBlock(_ context.Context, peerID string, _ *data.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPeers[peerID] {
		return fmt.Errorf("send failed")
	}
	f.sent = append(f.sent, peerID)
	return nil
}

func (f *fakeSender) RequestBlock(_ context.Context, blockHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, blockHash)
	return nil
}

func (f *fakeSender) requestedHashes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requested))
	copy(out, f.requested)
	return out
}

type pipelineFixture struct {
	pipeline *Pipeline
	sender   *fakeSender
	peers    *registry.PeerStore
	provider crypto.Provider
	proposer string
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	keyPair, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	provider, err := crypto.NewEd25519Provider(keyPair)
	require.NoError(t, err)

	proposer := "proposer-1"
	lookup := func(validatorID string) []byte {
		if validatorID == proposer {
			return keyPair.PublicKey
		}
		return nil
	}

	sender := &fakeSender{failPeers: make(map[string]bool)}
	peers := registry.NewPeerStore()

	pipeline := NewPipeline(config.Default().Chain, 5*time.Second, provider, lookup,
		peers, data.NewMemoryRepository(), sender, zap.NewNop())

	return &pipelineFixture{
		pipeline: pipeline,
		sender:   sender,
		peers:    peers,
		provider: provider,
		proposer: proposer,
	}
}

func (f *pipelineFixture) signedBlock(t *testing.T, parent *data.Block) *data.Block {
	t.Helper()

	proof := &data.FitnessProof{
		ProfileHash:      "profile-hash",
		AttestationCount: 1,
		Score:            88,
		IssuedAt:         time.Now().UTC(),
	}
	block := data.NewBlock(parent, nil, f.proposer, 88, proof)

	sig, err := f.provider.Sign(block.SigningBytes())
	require.NoError(t, err)
	block.Signature = sig
	return block
}

func TestValidateIncomingBlockPasses(t *testing.T) {
	f := newPipelineFixture(t)
	block := f.signedBlock(t, nil)

	result := f.pipeline.ValidateIncomingBlock(block, time.Now())
	assert.True(t, result.IsValid)
	assert.Empty(t, result.FailedChecks)
}

func TestValidateIncomingBlockReportsEveryFailedCheck(t *testing.T) {
	f := newPipelineFixture(t)

	cases := []struct {
		name      string
		mutate    func(*data.Block)
		arrivedAt time.Time
		wantCheck string
	}{
		{
			name:      "tampered hash",
			mutate:    func(b *data.Block) { b.Hash = "bogus" },
			arrivedAt: time.Now(),
			wantCheck: CheckHash,
		},
		{
			name:      "forged signature",
			mutate:    func(b *data.Block) { b.Signature = []byte("forged") },
			arrivedAt: time.Now(),
			wantCheck: CheckSignature,
		},
		{
			name:      "missing fitness proof",
			mutate:    func(b *data.Block) { b.FitnessProof = nil },
			arrivedAt: time.Now(),
			wantCheck: CheckFitnessProof,
		},
		{
			name:      "stale timestamp",
			mutate:    func(*data.Block) {},
			arrivedAt: time.Now().Add(10 * time.Minute),
			wantCheck: CheckTimestamp,
		},
		{
			name: "invalid transaction",
			mutate: func(b *data.Block) {
				b.Transactions = []data.Transaction{{From: "a", To: "b", Amount: -1}}
			},
			arrivedAt: time.Now(),
			wantCheck: CheckTransactions,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			block := f.signedBlock(t, nil)
			tc.mutate(block)

			result := f.pipeline.ValidateIncomingBlock(block, tc.arrivedAt)
			assert.False(t, result.IsValid)
			assert.Contains(t, result.FailedChecks, tc.wantCheck)
		})
	}
}

func TestUnknownProposerFailsSignatureCheck(t *testing.T) {
	f := newPipelineFixture(t)
	block := f.signedBlock(t, nil)
	block.ProposerID = "stranger"
	block.Hash = block.ComputeHash()
	sig, err := f.provider.Sign(block.SigningBytes())
	require.NoError(t, err)
	block.Signature = sig

	result := f.pipeline.ValidateIncomingBlock(block, time.Now())
	assert.Contains(t, result.FailedChecks, CheckSignature)
}

func TestOrphanBlockResolvedWhenParentArrives(t *testing.T) {
	// Scenario: child arrives before its parent
	f := newPipelineFixture(t)
	ctx := context.Background()

	parent := f.signedBlock(t, nil)
	child := f.signedBlock(t, parent)

	result, err := f.pipeline.HandleIncomingBlock(ctx, child, "peer-a")
	require.NoError(t, err)
	assert.True(t, result.IsValid)

	_, found := f.pipeline.GetBlock(child.Hash)
	assert.False(t, found, "child must wait in the orphan pool")
	assert.Equal(t, 1, f.pipeline.OrphanCount())
	assert.Contains(t, f.sender.requestedHashes(), parent.Hash)

	_, err = f.pipeline.HandleIncomingBlock(ctx, parent, "peer-b")
	require.NoError(t, err)

	_, found = f.pipeline.GetBlock(parent.Hash)
	assert.True(t, found)
	_, found = f.pipeline.GetBlock(child.Hash)
	assert.True(t, found)
	assert.Zero(t, f.pipeline.OrphanCount())
	assert.Equal(t, child.Hash, f.pipeline.Tip().Hash)
	assert.Equal(t, uint64(1), f.pipeline.Height())
}

func TestChainedOrphanResolution(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	parent := f.signedBlock(t, nil)
	child := f.signedBlock(t, parent)
	grandchild := f.signedBlock(t, child)

	_, err := f.pipeline.HandleIncomingBlock(ctx, grandchild, "peer-a")
	require.NoError(t, err)
	_, err = f.pipeline.HandleIncomingBlock(ctx, child, "peer-a")
	require.NoError(t, err)
	assert.Equal(t, 2, f.pipeline.OrphanCount())

	_, err = f.pipeline.HandleIncomingBlock(ctx, parent, "peer-b")
	require.NoError(t, err)

	assert.Zero(t, f.pipeline.OrphanCount())
	assert.Equal(t, uint64(2), f.pipeline.Height())
	assert.Equal(t, grandchild.Hash, f.pipeline.Tip().Hash)
}

func TestOrphanResolutionIdempotent(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	parent := f.signedBlock(t, nil)
	child := f.signedBlock(t, parent)

	for i := 0; i < 3; i++ {
		_, err := f.pipeline.HandleIncomingBlock(ctx, child, "peer-a")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.pipeline.OrphanCount())

	_, err := f.pipeline.HandleIncomingBlock(ctx, parent, "peer-b")
	require.NoError(t, err)

	// Resubmitting the resolved block changes nothing
	_, err = f.pipeline.HandleIncomingBlock(ctx, child, "peer-c")
	require.NoError(t, err)

	metrics := f.pipeline.GetMetrics()
	assert.Equal(t, uint64(2), metrics.BlocksAccepted)
	assert.Equal(t, uint64(1), f.pipeline.Height())
}

func TestRejectedBlockNotStored(t *testing.T) {
	f := newPipelineFixture(t)

	block := f.signedBlock(t, nil)
	block.Hash = "tampered"

	result, err := f.pipeline.HandleIncomingBlock(context.Background(), block, "peer-a")
	require.NoError(t, err)
	assert.False(t, result.IsValid)

	_, found := f.pipeline.GetBlock("tampered")
	assert.False(t, found)
	assert.Equal(t, uint64(1), f.pipeline.GetMetrics().BlocksRejected)
}

func TestPropagationOrderPrefersValidatorsThenQuality(t *testing.T) {
	f := newPipelineFixture(t)

	f.peers.Upsert("plain-fast", false)
	f.peers.Upsert("validator-slow", true)
	f.peers.Upsert("validator-fast", true)
	f.peers.Upsert("excluded", true)

	// Equal reliability for the two validators, so latency breaks the tie;
	// the plain peer outranks both on reliability but is not a validator.
	f.peers.RecordSendSuccess("validator-fast", 10*time.Millisecond)
	f.peers.RecordSendSuccess("validator-slow", 80*time.Millisecond)
	f.peers.RecordSendSuccess("plain-fast", 5*time.Millisecond)
	f.peers.RecordSendSuccess("plain-fast", 5*time.Millisecond)

	ordered := f.pipeline.optimizePropagationPath([]string{"excluded"})

	require.Len(t, ordered, 3)
	assert.Equal(t, "validator-fast", ordered[0].PeerID)
	assert.Equal(t, "validator-slow", ordered[1].PeerID)
	assert.Equal(t, "plain-fast", ordered[2].PeerID)
}

func TestPropagateBlockUpdatesPeerQuality(t *testing.T) {
	f := newPipelineFixture(t)

	f.peers.Upsert("good-peer", true)
	f.peers.Upsert("bad-peer", true)
	f.sender.failPeers["bad-peer"] = true

	block := f.signedBlock(t, nil)
	f.pipeline.PropagateBlock(context.Background(), block, nil)

	good, _ := f.peers.Get("good-peer")
	bad, _ := f.peers.Get("bad-peer")

	assert.Greater(t, good.Reliability, registry.InitialReliability)
	assert.Less(t, bad.Reliability, registry.InitialReliability)

	metrics := f.pipeline.GetMetrics()
	assert.Equal(t, uint64(1), metrics.SendsSucceeded)
	assert.Equal(t, uint64(1), metrics.SendsFailed)
}
