package node

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"fitchain/pkg/chain"
	"fitchain/pkg/config"
	"fitchain/pkg/consensus"
	"fitchain/pkg/crypto"
	"fitchain/pkg/data"
	"fitchain/pkg/fitness"
	"fitchain/pkg/p2p"
	"fitchain/pkg/p2p/discovery"
	"fitchain/pkg/registry"
	"fitchain/pkg/scheduler"
	"fitchain/pkg/slashing"
)

// Scheduled task identifiers
const (
	heartbeatTaskID    = "heartbeat-broadcast"
	slashingTaskID     = "slashing-sweep"
	dhtDiscoveryTaskID = "dht-discovery"
)

// validatorIDLength is the hex prefix of the public key hash used as the
// validator identity.
const validatorIDLength = 16

// Node composes the full validator: transport, fitness scoring, consensus,
// block pipeline, and the slashing policy, all torn down together.
type Node struct {
	cfg    *config.Config
	logger *zap.Logger

	nodeID     string
	keyPair    *crypto.KeyPair
	provider   crypto.Provider
	challenges *crypto.ChallengeIssuer

	repo       data.Repository
	validators *registry.ValidatorRegistry
	peers      *registry.PeerStore

	fitness   *fitness.Engine
	consensus *consensus.Engine
	pipeline  *chain.Pipeline
	policy    *slashing.Policy

	host      *p2p.Host
	bootstrap *discovery.BootstrapDiscovery
	dht       *discovery.DHTDiscovery
	sched     *scheduler.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
}

// NewNode wires all node components together
func NewNode(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Node, error) {
	keyPair, err := crypto.LoadOrGenerateKeyPair(cfg.Security.KeyFile, cfg.Security.KeyPassphrase)
	if err != nil {
		return nil, fmt.Errorf("loading node key: %w", err)
	}

	provider, err := crypto.NewEd25519Provider(keyPair)
	if err != nil {
		return nil, fmt.Errorf("creating crypto provider: %w", err)
	}

	nodeID := provider.Hash(keyPair.PublicKey)[:validatorIDLength]

	var repo data.Repository
	if cfg.Database.URL != "" {
		repo, err = data.NewPostgresRepository(ctx, cfg.Database.URL, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
	} else {
		logger.Warn("No database configured, using in-memory storage")
		repo = data.NewMemoryRepository()
	}

	validators := registry.NewValidatorRegistry(logger)
	peers := registry.NewPeerStore()

	n := &Node{
		cfg:        cfg,
		logger:     logger,
		nodeID:     nodeID,
		keyPair:    keyPair,
		provider:   provider,
		challenges: crypto.NewChallengeIssuer([]byte(cfg.Security.ChallengeSecret), cfg.Security.ChallengeTTL),
		repo:       repo,
		validators: validators,
		peers:      peers,
		sched:      scheduler.NewScheduler(logger),
	}

	n.fitness = fitness.NewEngine(cfg.Fitness, provider, validators.PublicKey, logger)
	n.policy = slashing.NewPolicy(cfg.Slashing, validators, n.fitness, logger)

	host, err := p2p.NewHost(ctx, cfg.P2P, nodeID, keyPair, provider, peers, logger)
	if err != nil {
		return nil, fmt.Errorf("creating p2p host: %w", err)
	}
	n.host = host

	n.pipeline = chain.NewPipeline(cfg.Chain, cfg.P2P.SendTimeout, provider, validators.PublicKey, peers, repo, host, logger)
	n.consensus = consensus.NewEngine(cfg.Consensus, validators, provider, repo, n, logger)
	n.consensus.SetVotingOpenedHook(n.castOwnVote)

	if len(cfg.P2P.BootstrapPeers) > 0 {
		n.bootstrap, err = discovery.NewBootstrapDiscovery(host.Underlying(), cfg.P2P.BootstrapPeers, logger)
		if err != nil {
			return nil, fmt.Errorf("creating bootstrap discovery: %w", err)
		}
	}
	if cfg.P2P.EnableDHT {
		n.dht, err = discovery.NewDHTDiscovery(host.Underlying(), logger)
		if err != nil {
			return nil, fmt.Errorf("creating DHT discovery: %w", err)
		}
	}

	n.registerHandlers()

	return n, nil
}

// ID returns the node's validator identity
func (n *Node) ID() string {
	return n.nodeID
}

// Start brings the node online: registers itself as a validator, starts
// the transport, discovery, consensus, pipeline, and background tasks.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)

	state, err := data.NewValidatorState(n.nodeID, n.keyPair.PublicKey, n.cfg.Slashing.MinStake)
	if err != nil {
		return fmt.Errorf("building own validator state: %w", err)
	}
	if err := n.validators.Register(state); err != nil {
		return fmt.Errorf("registering own validator: %w", err)
	}

	if err := n.host.Start(n.ctx); err != nil {
		return fmt.Errorf("starting p2p host: %w", err)
	}
	if n.bootstrap != nil {
		if err := n.bootstrap.Start(); err != nil {
			n.logger.Warn("Bootstrap discovery failed to start", zap.Error(err))
		}
	}
	if n.dht != nil {
		if err := n.dht.Start(); err != nil {
			n.logger.Warn("DHT discovery failed to start", zap.Error(err))
		}
	}

	if err := n.pipeline.Start(n.ctx); err != nil {
		return fmt.Errorf("starting block pipeline: %w", err)
	}
	if err := n.consensus.Start(n.ctx); err != nil {
		return fmt.Errorf("starting consensus engine: %w", err)
	}

	if err := n.scheduleTasks(); err != nil {
		return fmt.Errorf("scheduling background tasks: %w", err)
	}
	if err := n.sched.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	n.logger.Info("Node started",
		zap.String("validatorID", n.nodeID),
		zap.String("peerID", n.host.ID()))
	return nil
}

// Stop shuts the node down in reverse dependency order
func (n *Node) Stop() error {
	n.logger.Info("Stopping node", zap.String("validatorID", n.nodeID))

	if n.cancel != nil {
		n.cancel()
	}

	if err := n.sched.Stop(); err != nil {
		n.logger.Warn("Scheduler stop failed", zap.Error(err))
	}
	n.consensus.Stop()
	n.pipeline.Stop()

	if n.dht != nil {
		if err := n.dht.Stop(); err != nil {
			n.logger.Warn("DHT stop failed", zap.Error(err))
		}
	}
	if n.bootstrap != nil {
		if err := n.bootstrap.Stop(); err != nil {
			n.logger.Warn("Bootstrap discovery stop failed", zap.Error(err))
		}
	}
	if err := n.host.Stop(); err != nil {
		n.logger.Warn("P2P host stop failed", zap.Error(err))
	}

	n.logger.Info("Node stopped")
	return nil
}

// ConsensusStats is the read-only consensus snapshot for operators
type ConsensusStats struct {
	Round   consensus.RoundInfo `json:"round"`
	Engine  consensus.Stats     `json:"engine"`
	History int                 `json:"history"`
}

// GetConsensusStats returns the current consensus snapshot
func (n *Node) GetConsensusStats() ConsensusStats {
	return ConsensusStats{
		Round:   n.consensus.CurrentRound(),
		Engine:  n.consensus.GetStats(),
		History: len(n.consensus.History()),
	}
}

// NetworkState is the read-only network snapshot for operators
type NetworkState struct {
	PeerID           string          `json:"peer_id"`
	ValidatorID      string          `json:"validator_id"`
	ConnectedPeers   int             `json:"connected_peers"`
	KnownPeers       []data.PeerInfo `json:"known_peers"`
	TotalValidators  int             `json:"total_validators"`
	OnlineValidators int             `json:"online_validators"`
	DHTRoutingPeers  int             `json:"dht_routing_peers"`
	ChainHeight      uint64          `json:"chain_height"`
	OrphanCount      int             `json:"orphan_count"`
}

// GetNetworkState returns the current network snapshot
func (n *Node) GetNetworkState() NetworkState {
	total, online := n.validators.Count()
	state := NetworkState{
		PeerID:           n.host.ID(),
		ValidatorID:      n.nodeID,
		ConnectedPeers:   n.host.PeerCount(),
		KnownPeers:       n.peers.List(),
		TotalValidators:  total,
		OnlineValidators: online,
		ChainHeight:      n.pipeline.Height(),
		OrphanCount:      n.pipeline.OrphanCount(),
	}
	if n.dht != nil {
		state.DHTRoutingPeers = len(n.dht.GetConnectedPeers())
	}
	return state
}

// NodeMetrics aggregates per-component metrics
type NodeMetrics struct {
	Network   p2p.Metrics              `json:"network"`
	Fitness   fitness.EngineMetrics    `json:"fitness"`
	Pipeline  chain.PipelineMetrics    `json:"pipeline"`
	Slashing  slashing.PolicyMetrics   `json:"slashing"`
	Scheduler scheduler.SchedulerStats `json:"scheduler"`
}

// GetMetrics returns a snapshot of all component metrics
func (n *Node) GetMetrics() NodeMetrics {
	return NodeMetrics{
		Network:   n.host.GetMetrics(),
		Fitness:   n.fitness.GetMetrics(),
		Pipeline:  n.pipeline.GetMetrics(),
		Slashing:  n.policy.GetMetrics(),
		Scheduler: n.sched.GetSchedulerStats(),
	}
}

// Private methods

func (n *Node) scheduleTasks() error {
	if err := n.sched.Every(heartbeatTaskID, "heartbeat broadcast",
		n.cfg.P2P.HeartbeatInterval, n.broadcastHeartbeat); err != nil {
		return err
	}
	if err := n.sched.Every(slashingTaskID, "slashing sweep",
		n.cfg.Slashing.SweepInterval, n.runSlashingSweep); err != nil {
		return err
	}
	if n.dht != nil {
		return n.sched.Every(dhtDiscoveryTaskID, "DHT peer refresh",
			n.cfg.P2P.DHTRefreshEvery, n.refreshDHTPeers)
	}
	return nil
}

// refreshDHTPeers looks up validators advertising on the DHT and connects
// to any we are missing, up to the peer cap.
func (n *Node) refreshDHTPeers(ctx context.Context) error {
	if n.host.PeerCount() >= n.cfg.P2P.MaxPeers {
		return nil
	}

	found, err := n.dht.FindPeers()
	if err != nil {
		return fmt.Errorf("DHT peer lookup: %w", err)
	}

	for _, info := range found {
		if n.host.PeerCount() >= n.cfg.P2P.MaxPeers {
			break
		}
		if n.dht.IsConnected(info.ID) {
			continue
		}
		if err := n.host.Underlying().Connect(ctx, info); err != nil {
			n.logger.Debug("DHT peer connect failed",
				zap.String("peer", info.ID.String()),
				zap.Error(err))
			continue
		}
		n.peers.Upsert(info.ID.String(), false)
	}
	return nil
}

func (n *Node) runSlashingSweep(context.Context) error {
	events := n.policy.Sweep()
	if len(events) > 0 {
		n.logger.Info("Slashing sweep applied penalties",
			zap.Int("count", len(events)))
	}
	n.persistValidatorStates()
	return nil
}

// persistValidatorStates writes the registry to storage transactionally
func (n *Node) persistValidatorStates() {
	states := n.validators.All()
	if len(states) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Database.Timeout)
	defer cancel()

	if err := n.repo.StoreValidatorStates(ctx, states); err != nil {
		n.logger.Warn("Failed to persist validator states", zap.Error(err))
	}
}
