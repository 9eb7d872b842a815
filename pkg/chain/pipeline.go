package chain

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"fitchain/pkg/config"
	"fitchain/pkg/crypto"
	"fitchain/pkg/data"
	"fitchain/pkg/registry"
)

// Validation check names reported in failed-check lists
const (
	CheckHash         = "hash"
	CheckSignature    = "signature"
	CheckFitnessProof = "fitness_proof"
	CheckTimestamp    = "timestamp"
	CheckTransactions = "transactions"
)

// ValidationResult lists the outcome of the five block checks
type ValidationResult struct {
	BlockHash    string   `json:"block_hash"`
	IsValid      bool     `json:"is_valid"`
	FailedChecks []string `json:"failed_checks,omitempty"`
}

// Sender is the transport used for block delivery and parent requests
type Sender interface {
	SendBlock(ctx context.Context, peerID string, block *data.Block) error
	RequestBlock(ctx context.Context, blockHash string) error
}

// KeyLookup resolves a proposer's verification key
type KeyLookup func(validatorID string) []byte

// PipelineMetrics tracks block pipeline activity
type PipelineMetrics struct {
	BlocksAccepted  uint64
	BlocksRejected  uint64
	OrphansPooled   uint64
	OrphansResolved uint64
	OrphansEvicted  uint64
	SendsSucceeded  uint64
	SendsFailed     uint64
}

// Pipeline validates, stores, and gossips blocks, resolving orphans whose
// parents arrive later.
type Pipeline struct {
	cfg         config.ChainConfig
	sendTimeout time.Duration
	provider    crypto.Provider
	keyLookup   KeyLookup
	peers       *registry.PeerStore
	repo        data.Repository
	sender      Sender
	logger      *zap.Logger

	blocks  map[string]*data.Block
	tip     *data.Block
	orphans *OrphanPool

	metrics   *PipelineMetrics
	metricsMu sync.RWMutex
	mu        sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPipeline creates the block pipeline
func NewPipeline(cfg config.ChainConfig, sendTimeout time.Duration, provider crypto.Provider, keyLookup KeyLookup, peers *registry.PeerStore, repo data.Repository, sender Sender, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		sendTimeout: sendTimeout,
		provider:    provider,
		keyLookup:   keyLookup,
		peers:       peers,
		repo:        repo,
		sender:      sender,
		logger:      logger,
		blocks:      make(map[string]*data.Block),
		orphans:     NewOrphanPool(),
		metrics:     &PipelineMetrics{},
	}
}

// Start launches the periodic orphan sweep
func (p *Pipeline) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.sweepLoop()

	p.logger.Info("Block pipeline started",
		zap.Duration("orphanSweepEvery", p.cfg.OrphanSweepEvery))
	return nil
}

// Stop halts the orphan sweep
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Block pipeline stopped")
}

// ValidateIncomingBlock runs the five independent checks against a block.
// All checks run even when an early one fails, so the result names every
// defect.
func (p *Pipeline) ValidateIncomingBlock(block *data.Block, arrivedAt time.Time) *ValidationResult {
	result := &ValidationResult{BlockHash: block.Hash}

	if block.ComputeHash() != block.Hash {
		result.FailedChecks = append(result.FailedChecks, CheckHash)
	}

	key := p.keyLookup(block.ProposerID)
	if key == nil || !p.provider.Verify(block.SigningBytes(), block.Signature, key) {
		result.FailedChecks = append(result.FailedChecks, CheckSignature)
	}

	if block.FitnessProof == nil || block.FitnessProof.Validate() != nil {
		result.FailedChecks = append(result.FailedChecks, CheckFitnessProof)
	}

	age := arrivedAt.Sub(block.Timestamp)
	if age < 0 || age >= p.cfg.MaxBlockAge {
		result.FailedChecks = append(result.FailedChecks, CheckTimestamp)
	}

	for _, tx := range block.Transactions {
		if tx.Validate() != nil {
			result.FailedChecks = append(result.FailedChecks, CheckTransactions)
			break
		}
	}

	result.IsValid = len(result.FailedChecks) == 0
	return result
}

// HandleIncomingBlock validates a received block and either accepts it into
// the chain or pools it as an orphan when the parent is unknown.
func (p *Pipeline) HandleIncomingBlock(ctx context.Context, block *data.Block, receivedFrom string) (*ValidationResult, error) {
	result := p.ValidateIncomingBlock(block, time.Now())
	if !result.IsValid {
		p.metricsMu.Lock()
		p.metrics.BlocksRejected++
		p.metricsMu.Unlock()

		p.logger.Warn("Block rejected",
			zap.String("blockHash", block.Hash),
			zap.String("receivedFrom", receivedFrom),
			zap.Strings("failedChecks", result.FailedChecks))
		return result, nil
	}

	if !p.hasParent(block) {
		if p.orphans.Add(block, receivedFrom) {
			p.metricsMu.Lock()
			p.metrics.OrphansPooled++
			p.metricsMu.Unlock()

			p.logger.Info("Block orphaned, requesting parent",
				zap.String("blockHash", block.Hash),
				zap.String("parentHash", block.PreviousHash))

			if err := p.sender.RequestBlock(ctx, block.PreviousHash); err != nil {
				p.logger.Debug("Parent request failed", zap.Error(err))
			}
		}
		return result, nil
	}

	if err := p.acceptBlock(ctx, block); err != nil {
		return result, err
	}
	p.resolveChildren(ctx, block.Hash)
	return result, nil
}

// PropagateBlock gossips a block to known peers in optimized order:
// validators first, then descending reliability, then ascending latency.
// Sends run in parallel with a per-peer timeout.
func (p *Pipeline) PropagateBlock(ctx context.Context, block *data.Block, excludePeers []string) {
	ordered := p.optimizePropagationPath(excludePeers)

	var wg sync.WaitGroup
	for _, peer := range ordered {
		wg.Add(1)
		go func(peerID string) {
			defer wg.Done()
			p.sendToPeer(ctx, peerID, block)
		}(peer.PeerID)
	}
	wg.Wait()
}

// GetBlock returns a block from the local cache
func (p *Pipeline) GetBlock(hash string) (*data.Block, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	block, exists := p.blocks[hash]
	return block, exists
}

// Tip returns the highest accepted block
func (p *Pipeline) Tip() *data.Block {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tip
}

// Height returns the current chain height, zero when empty
func (p *Pipeline) Height() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.tip == nil {
		return 0
	}
	return p.tip.Height
}

// OrphanCount returns the current orphan pool size
func (p *Pipeline) OrphanCount() int {
	return p.orphans.Size()
}

// GetMetrics returns a snapshot of pipeline activity
func (p *Pipeline) GetMetrics() PipelineMetrics {
	p.metricsMu.RLock()
	defer p.metricsMu.RUnlock()

	return PipelineMetrics{
		BlocksAccepted:  p.metrics.BlocksAccepted,
		BlocksRejected:  p.metrics.BlocksRejected,
		OrphansPooled:   p.metrics.OrphansPooled,
		OrphansResolved: p.metrics.OrphansResolved,
		OrphansEvicted:  p.metrics.OrphansEvicted,
		SendsSucceeded:  p.metrics.SendsSucceeded,
		SendsFailed:     p.metrics.SendsFailed,
	}
}

// Private methods

// hasParent reports whether the block's parent is known locally. Genesis
// blocks have no parent and always pass.
func (p *Pipeline) hasParent(block *data.Block) bool {
	if block.PreviousHash == "" {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.blocks[block.PreviousHash]
	return exists
}

// acceptBlock stores a validated block. Accepting an already-known block is
// a no-op, so resolution stays idempotent.
func (p *Pipeline) acceptBlock(ctx context.Context, block *data.Block) error {
	p.mu.Lock()
	if _, exists := p.blocks[block.Hash]; exists {
		p.mu.Unlock()
		return nil
	}
	p.blocks[block.Hash] = block
	if p.tip == nil || block.Height > p.tip.Height {
		p.tip = block
	}
	p.mu.Unlock()

	if p.repo != nil {
		if err := p.repo.StoreBlock(ctx, block); err != nil && err != data.ErrDuplicate {
			p.logger.Warn("Failed to persist block",
				zap.String("blockHash", block.Hash),
				zap.Error(err))
		}
	}

	p.metricsMu.Lock()
	p.metrics.BlocksAccepted++
	p.metricsMu.Unlock()

	p.logger.Info("Block accepted",
		zap.String("blockHash", block.Hash),
		zap.Uint64("height", block.Height),
		zap.String("proposerID", block.ProposerID))
	return nil
}

// resolveChildren accepts every pooled orphan whose parent just resolved,
// recursing so whole orphan chains land in one pass.
func (p *Pipeline) resolveChildren(ctx context.Context, parentHash string) {
	for _, child := range p.orphans.ChildrenOf(parentHash) {
		p.orphans.Remove(child.Hash)

		if err := p.acceptBlock(ctx, child); err != nil {
			p.logger.Warn("Failed to resolve orphan",
				zap.String("blockHash", child.Hash),
				zap.Error(err))
			continue
		}

		p.metricsMu.Lock()
		p.metrics.OrphansResolved++
		p.metricsMu.Unlock()

		p.logger.Info("Orphan resolved",
			zap.String("blockHash", child.Hash),
			zap.Uint64("height", child.Height))

		p.resolveChildren(ctx, child.Hash)
	}
}

func (p *Pipeline) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.OrphanSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweepOrphans()
		case <-p.ctx.Done():
			return
		}
	}
}

// sweepOrphans retries resolution for due orphans and re-requests missing
// parents.
func (p *Pipeline) sweepOrphans() {
	before := p.orphans.Size()
	due := p.orphans.Due(time.Now(), p.cfg.OrphanRetryBackoff, p.cfg.OrphanMaxAge, p.cfg.OrphanMaxAttempts)
	evicted := before - p.orphans.Size()

	for _, entry := range due {
		if p.hasParent(entry.Block) {
			p.orphans.Remove(entry.Block.Hash)
			if err := p.acceptBlock(p.ctx, entry.Block); err != nil {
				continue
			}
			p.metricsMu.Lock()
			p.metrics.OrphansResolved++
			p.metricsMu.Unlock()
			p.resolveChildren(p.ctx, entry.Block.Hash)
			continue
		}

		if err := p.sender.RequestBlock(p.ctx, entry.Block.PreviousHash); err != nil {
			p.logger.Debug("Parent re-request failed", zap.Error(err))
		}
	}

	if evicted > 0 {
		p.metricsMu.Lock()
		p.metrics.OrphansEvicted += uint64(evicted)
		p.metricsMu.Unlock()

		p.logger.Debug("Orphans evicted", zap.Int("count", evicted))
	}
}

// optimizePropagationPath orders peers for gossip: validators first, then
// descending reliability, then ascending latency.
func (p *Pipeline) optimizePropagationPath(excludePeers []string) []data.PeerInfo {
	excluded := make(map[string]bool, len(excludePeers))
	for _, id := range excludePeers {
		excluded[id] = true
	}

	var peers []data.PeerInfo
	for _, peer := range p.peers.List() {
		if !excluded[peer.PeerID] {
			peers = append(peers, peer)
		}
	}

	sort.Slice(peers, func(i, j int) bool {
		if peers[i].IsValidator != peers[j].IsValidator {
			return peers[i].IsValidator
		}
		if peers[i].Reliability != peers[j].Reliability {
			return peers[i].Reliability > peers[j].Reliability
		}
		return peers[i].Latency < peers[j].Latency
	})
	return peers
}

// sendToPeer delivers a block with a bounded timeout and folds the outcome
// into the peer's quality record.
func (p *Pipeline) sendToPeer(ctx context.Context, peerID string, block *data.Block) {
	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()

	start := time.Now()
	err := p.sender.SendBlock(sendCtx, peerID, block)
	if err != nil {
		p.peers.RecordSendFailure(peerID)

		p.metricsMu.Lock()
		p.metrics.SendsFailed++
		p.metricsMu.Unlock()

		p.logger.Debug("Block send failed",
			zap.String("peerID", peerID),
			zap.Error(err))
		return
	}

	p.peers.RecordSendSuccess(peerID, time.Since(start))

	p.metricsMu.Lock()
	p.metrics.SendsSucceeded++
	p.metricsMu.Unlock()
}
