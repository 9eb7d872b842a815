package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fitchain/pkg/config"
	"fitchain/pkg/consensus"
	"fitchain/pkg/crypto"
	"fitchain/pkg/data"
	"fitchain/pkg/fitness"
	"fitchain/pkg/p2p/message"
	"fitchain/pkg/registry"
	"fitchain/pkg/slashing"
)

// newTestNode builds a node with everything except the transport, enough
// to drive the message handlers and round economics directly.
func newTestNode(t *testing.T) *Node {
	t.Helper()

	cfg := config.Default()

	keyPair, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	provider, err := crypto.NewEd25519Provider(keyPair)
	require.NoError(t, err)

	validators := registry.NewValidatorRegistry(zap.NewNop())
	engine := fitness.NewEngine(cfg.Fitness, provider, validators.PublicKey, zap.NewNop())

	n := &Node{
		cfg:        cfg,
		logger:     zap.NewNop(),
		nodeID:     provider.Hash(keyPair.PublicKey)[:validatorIDLength],
		keyPair:    keyPair,
		provider:   provider,
		repo:       data.NewMemoryRepository(),
		validators: validators,
		peers:      registry.NewPeerStore(),
		fitness:    engine,
	}
	n.policy = slashing.NewPolicy(cfg.Slashing, validators, engine, zap.NewNop())
	n.ctx, n.cancel = context.WithCancel(context.Background())
	t.Cleanup(n.cancel)

	return n
}

// remoteValidator is a network peer with its own signing identity
type remoteValidator struct {
	keyPair  *crypto.KeyPair
	provider crypto.Provider
	id       string
}

func newRemoteValidator(t *testing.T) *remoteValidator {
	t.Helper()

	keyPair, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	provider, err := crypto.NewEd25519Provider(keyPair)
	require.NoError(t, err)

	return &remoteValidator{
		keyPair:  keyPair,
		provider: provider,
		id:       provider.Hash(keyPair.PublicKey)[:validatorIDLength],
	}
}

func heartbeat(validatorID string, signedBy *remoteValidator) (*message.Envelope, *message.NetworkStatus) {
	env := &message.Envelope{
		SenderID:  signedBy.id,
		PublicKey: signedBy.keyPair.PublicKey,
	}
	status := &message.NetworkStatus{
		ValidatorID: validatorID,
		IsValidator: true,
		SentAt:      time.Now().UTC(),
	}
	return env, status
}

func TestHeartbeatRegistersKeyDerivedValidator(t *testing.T) {
	n := newTestNode(t)
	rv := newRemoteValidator(t)

	env, status := heartbeat(rv.id, rv)
	require.NoError(t, n.handleNetworkStatus(context.Background(), env, status, "peer-a"))

	state, found := n.validators.Get(rv.id)
	require.True(t, found)
	assert.Equal(t, rv.keyPair.PublicKey, state.PublicKey)
	assert.Equal(t, "peer-a", state.Address)
}

func TestHeartbeatRejectsUnderivedValidatorID(t *testing.T) {
	n := newTestNode(t)
	rv := newRemoteValidator(t)

	env, status := heartbeat("somebody-else", rv)
	assert.Error(t, n.handleNetworkStatus(context.Background(), env, status, "peer-a"))

	_, found := n.validators.Get("somebody-else")
	assert.False(t, found)
}

func TestHeartbeatCannotReviveAnotherValidator(t *testing.T) {
	n := newTestNode(t)
	victim := newRemoteValidator(t)
	adversary := newRemoteValidator(t)

	state, err := data.NewValidatorState(victim.id, victim.keyPair.PublicKey, 5000)
	require.NoError(t, err)
	require.NoError(t, n.validators.Register(state))

	// Three missed votes take the victim offline
	for i := 0; i < registry.MaxConsecutiveFailures; i++ {
		require.NoError(t, n.validators.RecordMissedVote(victim.id))
	}
	offline, _ := n.validators.Get(victim.id)
	require.False(t, offline.IsOnline)

	// A heartbeat naming the victim but signed with the adversary's key
	// must not count for the victim
	env, status := heartbeat(victim.id, adversary)
	assert.Error(t, n.handleNetworkStatus(context.Background(), env, status, "peer-b"))

	state, _ = n.validators.Get(victim.id)
	assert.False(t, state.IsOnline)
	assert.Equal(t, registry.MaxConsecutiveFailures, state.ConsecutiveFailures)
}

func TestHeartbeatWithOwnKeyRestoresValidator(t *testing.T) {
	n := newTestNode(t)
	rv := newRemoteValidator(t)

	state, err := data.NewValidatorState(rv.id, rv.keyPair.PublicKey, 5000)
	require.NoError(t, err)
	require.NoError(t, n.validators.Register(state))

	for i := 0; i < registry.MaxConsecutiveFailures; i++ {
		require.NoError(t, n.validators.RecordMissedVote(rv.id))
	}

	env, status := heartbeat(rv.id, rv)
	require.NoError(t, n.handleNetworkStatus(context.Background(), env, status, "peer-a"))

	state, _ = n.validators.Get(rv.id)
	assert.True(t, state.IsOnline)
	assert.Zero(t, state.ConsecutiveFailures)
}

func registerTestValidator(t *testing.T, n *Node, id string, stake float64) {
	t.Helper()

	state, err := data.NewValidatorState(id, []byte("key-"+id), stake)
	require.NoError(t, err)
	require.NoError(t, n.validators.Register(state))
}

func TestRoundEconomicsRewardsVotersAndWinner(t *testing.T) {
	n := newTestNode(t)
	registerTestValidator(t, n, "alpha", 5000)
	registerTestValidator(t, n, "bravo", 5000)
	registerTestValidator(t, n, "charlie", 5000)

	n.applyRoundEconomics(&consensus.RoundResult{
		RoundNumber: 1,
		Status:      consensus.StatusCompleted,
		WinnerID:    "alpha",
		WinnerScore: 95,
		VoterIDs:    []string{"alpha", "bravo"},
		CompletedAt: time.Now().UTC(),
	})

	// Winner earns the participation reward plus the block reward and the
	// high-fitness bonus; the other voter earns participation only
	alpha, _ := n.validators.Get("alpha")
	bravo, _ := n.validators.Get("bravo")
	charlie, _ := n.validators.Get("charlie")
	assert.InDelta(t, 25.0, alpha.Balance, 0.001)
	assert.InDelta(t, 10.0, bravo.Balance, 0.001)
	assert.Zero(t, charlie.Balance)
}

func TestRoundEconomicsFailedRoundPaysNothing(t *testing.T) {
	n := newTestNode(t)
	registerTestValidator(t, n, "alpha", 5000)

	n.applyRoundEconomics(&consensus.RoundResult{
		RoundNumber: 1,
		Status:      consensus.StatusFailed,
		Reason:      consensus.ReasonInsufficientVotes,
		VoterIDs:    []string{"alpha"},
		CompletedAt: time.Now().UTC(),
	})

	state, _ := n.validators.Get("alpha")
	assert.Zero(t, state.Balance)
}

func TestRoundBoundaryRunsSlashingSweep(t *testing.T) {
	n := newTestNode(t)
	registerTestValidator(t, n, "silent", 5000)

	// Stale heartbeat while still marked online is the offline offense
	n.validators.Update("silent", func(s *data.ValidatorState) {
		s.LastHeartbeat = time.Now().Add(-10 * time.Minute)
	})

	n.applyRoundEconomics(&consensus.RoundResult{
		RoundNumber: 1,
		Status:      consensus.StatusFailed,
		Reason:      consensus.ReasonInsufficientVotes,
		CompletedAt: time.Now().UTC(),
	})

	state, _ := n.validators.Get("silent")
	assert.InDelta(t, 4950.0, state.Stake, 0.001)
	assert.Equal(t, uint64(1), n.policy.GetMetrics().SweepsRun)
}
