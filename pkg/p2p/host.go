package p2p

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.uber.org/zap"

	"fitchain/pkg/config"
	"fitchain/pkg/crypto"
	"fitchain/pkg/data"
	"fitchain/pkg/p2p/message"
	"fitchain/pkg/registry"
)

const (
	// BlockSyncProtocol carries direct block delivery streams
	BlockSyncProtocol = "/fitchain/blocks/1.0.0"

	// Topic names
	BiometricProofsTopic  = "biometric-proofs"
	EmotionalVotesTopic   = "emotional-votes"
	BlockProposalsTopic   = "block-proposals"
	ConsensusResultsTopic = "consensus-results"
	NetworkStatusTopic    = "network-status"

	maxStreamMessageBytes = 1 << 20
)

// Handler consumes one decoded envelope. Handlers run concurrently per
// message and must do their own locking.
type Handler func(ctx context.Context, env *message.Envelope, payload interface{}, from string) error

// Metrics tracks P2P network activity
type Metrics struct {
	MessagesPublished uint64
	MessagesReceived  uint64
	MessagesDropped   uint64
	StreamsSent       uint64
	StreamsFailed     uint64
}

// Status represents the current state of the P2P host
type Status struct {
	IsReady   bool
	LastError error
	StartTime time.Time
	UpdatedAt time.Time
}

// Host manages the libp2p transport: gossip topics for broadcast traffic
// and a direct stream protocol for block delivery.
type Host struct {
	cfg      config.P2PConfig
	nodeID   string
	host     host.Host
	pubsub   *pubsub.PubSub
	topics   map[string]*pubsub.Topic
	subs     map[string]*pubsub.Subscription
	provider crypto.Provider
	peers    *registry.PeerStore
	handlers map[message.MessageType]Handler
	logger   *zap.Logger

	metrics   *Metrics
	metricsMu sync.RWMutex
	status    *Status

	shutdown chan struct{}
	mu       sync.RWMutex
}

// NewHost creates a P2P host listening on the configured port. The node's
// Ed25519 identity doubles as the libp2p identity.
func NewHost(ctx context.Context, cfg config.P2PConfig, nodeID string, keyPair *crypto.KeyPair, provider crypto.Provider, peers *registry.PeerStore, logger *zap.Logger) (*Host, error) {
	priv, err := libp2pcrypto.UnmarshalEd25519PrivateKey(keyPair.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("loading host identity: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port)),
		libp2p.EnableNATService(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("creating pubsub: %w", err)
	}

	hst := &Host{
		cfg:      cfg,
		nodeID:   nodeID,
		host:     h,
		pubsub:   ps,
		topics:   make(map[string]*pubsub.Topic),
		subs:     make(map[string]*pubsub.Subscription),
		provider: provider,
		peers:    peers,
		handlers: make(map[message.MessageType]Handler),
		logger:   logger,
		metrics:  &Metrics{},
		status: &Status{
			StartTime: time.Now(),
			UpdatedAt: time.Now(),
		},
		shutdown: make(chan struct{}),
	}

	if err := hst.initializeTopics(ctx); err != nil {
		h.Close()
		return nil, fmt.Errorf("initializing topics: %w", err)
	}

	h.SetStreamHandler(BlockSyncProtocol, hst.handleBlockStream)

	return hst, nil
}

// Handle registers the handler for a message type. Must be called before
// Start.
func (h *Host) Handle(msgType message.MessageType, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[msgType] = handler
}

// Start begins P2P network operations
func (h *Host) Start(ctx context.Context) error {
	h.logger.Info("Starting P2P host",
		zap.String("peerID", h.host.ID().String()),
		zap.Any("listenAddrs", h.host.Addrs()))

	if err := h.connectToBootstrapPeers(ctx); err != nil {
		h.logger.Warn("Failed to connect to some bootstrap peers", zap.Error(err))
	}

	h.mu.Lock()
	h.status.IsReady = true
	h.status.UpdatedAt = time.Now()
	h.mu.Unlock()

	return nil
}

// Stop gracefully shuts down the P2P host
func (h *Host) Stop() error {
	h.logger.Info("Stopping P2P host")

	close(h.shutdown)

	for _, sub := range h.subs {
		sub.Cancel()
	}
	for _, topic := range h.topics {
		topic.Close()
	}

	if err := h.host.Close(); err != nil {
		return fmt.Errorf("closing libp2p host: %w", err)
	}

	h.logger.Info("P2P host stopped")
	return nil
}

// ID returns the libp2p peer ID
func (h *Host) ID() string {
	return h.host.ID().String()
}

// PeerCount returns the number of connected peers
func (h *Host) PeerCount() int {
	return len(h.host.Network().Peers())
}

// Underlying exposes the raw libp2p host for discovery services
func (h *Host) Underlying() host.Host {
	return h.host
}

// Publish signs a payload into an envelope and broadcasts it on a topic
func (h *Host) Publish(ctx context.Context, topicName string, msgType message.MessageType, payload interface{}) error {
	h.mu.RLock()
	topic, ok := h.topics[topicName]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("topic not initialized: %s", topicName)
	}

	env, err := message.NewEnvelope(msgType, h.nodeID, payload, h.provider)
	if err != nil {
		return fmt.Errorf("building envelope: %w", err)
	}

	raw, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	if err := topic.Publish(ctx, raw); err != nil {
		return fmt.Errorf("publishing to %s: %w", topicName, err)
	}

	h.metricsMu.Lock()
	h.metrics.MessagesPublished++
	h.metricsMu.Unlock()

	return nil
}

// SendBlock delivers a block to one peer over a direct stream. The context
// deadline bounds the whole exchange.
func (h *Host) SendBlock(ctx context.Context, peerID string, block *data.Block) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("invalid peer ID %s: %w", peerID, err)
	}

	env, err := message.NewEnvelope(message.BlockProposalMessage, h.nodeID,
		&message.BlockProposal{Block: block}, h.provider)
	if err != nil {
		return fmt.Errorf("building envelope: %w", err)
	}

	raw, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	stream, err := h.host.NewStream(ctx, pid, BlockSyncProtocol)
	if err != nil {
		h.metricsMu.Lock()
		h.metrics.StreamsFailed++
		h.metricsMu.Unlock()
		return fmt.Errorf("opening stream to %s: %w", peerID, err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetWriteDeadline(deadline)
	}

	if _, err := stream.Write(raw); err != nil {
		h.metricsMu.Lock()
		h.metrics.StreamsFailed++
		h.metricsMu.Unlock()
		return fmt.Errorf("writing block to %s: %w", peerID, err)
	}

	h.metricsMu.Lock()
	h.metrics.StreamsSent++
	h.metricsMu.Unlock()

	return stream.CloseWrite()
}

// RequestBlock asks the network to resend a block by hash
func (h *Host) RequestBlock(ctx context.Context, blockHash string) error {
	return h.Publish(ctx, BlockProposalsTopic, message.BlockRequestMessage,
		&message.BlockRequest{BlockHash: blockHash})
}

// GetMetrics returns a snapshot of network activity
func (h *Host) GetMetrics() Metrics {
	h.metricsMu.RLock()
	defer h.metricsMu.RUnlock()

	return Metrics{
		MessagesPublished: h.metrics.MessagesPublished,
		MessagesReceived:  h.metrics.MessagesReceived,
		MessagesDropped:   h.metrics.MessagesDropped,
		StreamsSent:       h.metrics.StreamsSent,
		StreamsFailed:     h.metrics.StreamsFailed,
	}
}

// GetStatus returns the host's readiness state
func (h *Host) GetStatus() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return *h.status
}

// Private methods

func (h *Host) initializeTopics(ctx context.Context) error {
	names := []string{
		BiometricProofsTopic,
		EmotionalVotesTopic,
		BlockProposalsTopic,
		ConsensusResultsTopic,
		NetworkStatusTopic,
	}

	for _, name := range names {
		topic, err := h.pubsub.Join(name)
		if err != nil {
			return fmt.Errorf("joining topic %s: %w", name, err)
		}
		h.topics[name] = topic

		sub, err := topic.Subscribe()
		if err != nil {
			return fmt.Errorf("subscribing to topic %s: %w", name, err)
		}
		h.subs[name] = sub

		go h.handleTopicMessages(ctx, name, sub)
	}

	return nil
}

func (h *Host) handleTopicMessages(ctx context.Context, topicName string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			select {
			case <-h.shutdown:
			case <-ctx.Done():
			default:
				h.logger.Warn("Topic subscription error",
					zap.String("topic", topicName),
					zap.Error(err))
			}
			return
		}

		if msg.ReceivedFrom == h.host.ID() {
			continue
		}

		go h.dispatchRaw(ctx, msg.Data, msg.ReceivedFrom.String())
	}
}

func (h *Host) handleBlockStream(stream network.Stream) {
	defer stream.Close()

	from := stream.Conn().RemotePeer().String()
	stream.SetReadDeadline(time.Now().Add(h.cfg.SendTimeout))

	raw, err := io.ReadAll(io.LimitReader(stream, maxStreamMessageBytes))
	if err != nil {
		h.logger.Debug("Block stream read failed",
			zap.String("peer", from),
			zap.Error(err))
		return
	}

	h.dispatchRaw(context.Background(), raw, from)
}

// dispatchRaw decodes a wire message and routes it to the registered
// handler. Protocol faults drop the message and penalize the sender's
// reliability; they never crash the node.
func (h *Host) dispatchRaw(ctx context.Context, raw []byte, from string) {
	env, err := message.Decode(raw, h.provider)
	if err != nil {
		h.peers.RecordSendFailure(from)

		h.metricsMu.Lock()
		h.metrics.MessagesDropped++
		h.metricsMu.Unlock()

		h.logger.Debug("Dropped message",
			zap.String("from", from),
			zap.Error(err))
		return
	}

	payload, err := env.DecodePayload()
	if err != nil {
		h.peers.RecordSendFailure(from)

		h.metricsMu.Lock()
		h.metrics.MessagesDropped++
		h.metricsMu.Unlock()

		h.logger.Debug("Dropped message with bad payload",
			zap.String("from", from),
			zap.String("type", string(env.Type)),
			zap.Error(err))
		return
	}

	h.peers.Touch(from)

	h.mu.RLock()
	handler, ok := h.handlers[env.Type]
	h.mu.RUnlock()
	if !ok {
		h.logger.Debug("No handler for message type",
			zap.String("type", string(env.Type)))
		return
	}

	h.metricsMu.Lock()
	h.metrics.MessagesReceived++
	h.metricsMu.Unlock()

	if err := handler(ctx, env, payload, from); err != nil {
		h.logger.Warn("Message handler failed",
			zap.String("type", string(env.Type)),
			zap.String("from", from),
			zap.Error(err))
	}
}

func (h *Host) connectToBootstrapPeers(ctx context.Context) error {
	var lastErr error
	for _, addr := range h.cfg.BootstrapPeers {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			h.logger.Warn("Invalid bootstrap address",
				zap.String("addr", addr),
				zap.Error(err))
			lastErr = err
			continue
		}
		if info.ID == h.host.ID() {
			continue
		}
		if err := h.host.Connect(ctx, *info); err != nil {
			h.logger.Debug("Bootstrap connect failed",
				zap.String("peer", info.ID.String()),
				zap.Error(err))
			lastErr = err
			continue
		}
		h.peers.Upsert(info.ID.String(), false)
	}
	return lastErr
}
