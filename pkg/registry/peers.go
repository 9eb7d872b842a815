package registry

import (
	"sync"
	"time"

	"fitchain/pkg/data"
)

// Peer quality adjustments
const (
	InitialReliability   = 0.5
	reliabilityOnSuccess = 0.01
	reliabilityOnFailure = 0.05

	// Latency exponential moving average: new = 0.7*old + 0.3*sample
	latencyOldWeight = 0.7
	latencySample    = 0.3
)

// PeerStore tracks transport-level quality per peer. Mutated on every send
// and receive outcome.
type PeerStore struct {
	peers map[string]*data.PeerInfo
	mu    sync.RWMutex
}

// NewPeerStore creates an empty peer store
func NewPeerStore() *PeerStore {
	return &PeerStore{
		peers: make(map[string]*data.PeerInfo),
	}
}

// Upsert ensures a peer record exists, updating its validator flag
func (ps *PeerStore) Upsert(peerID string, isValidator bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	peer, exists := ps.peers[peerID]
	if !exists {
		ps.peers[peerID] = &data.PeerInfo{
			PeerID:      peerID,
			Reliability: InitialReliability,
			IsValidator: isValidator,
			LastSeen:    time.Now(),
		}
		return
	}
	peer.IsValidator = isValidator
	peer.LastSeen = time.Now()
}

// Touch refreshes a peer's last-seen timestamp
func (ps *PeerStore) Touch(peerID string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if peer, exists := ps.peers[peerID]; exists {
		peer.LastSeen = time.Now()
	}
}

// RecordSendSuccess rewards a delivered message and folds the observed
// latency into the moving average.
func (ps *PeerStore) RecordSendSuccess(peerID string, latency time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	peer := ps.ensureLocked(peerID)
	peer.Reliability += reliabilityOnSuccess
	if peer.Reliability > 1 {
		peer.Reliability = 1
	}
	if peer.Latency == 0 {
		peer.Latency = latency
	} else {
		peer.Latency = time.Duration(latencyOldWeight*float64(peer.Latency) + latencySample*float64(latency))
	}
	peer.LastSeen = time.Now()
}

// RecordSendFailure penalizes a failed or timed-out send
func (ps *PeerStore) RecordSendFailure(peerID string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	peer := ps.ensureLocked(peerID)
	peer.Reliability -= reliabilityOnFailure
	if peer.Reliability < 0 {
		peer.Reliability = 0
	}
}

// Get returns a copy of a peer record
func (ps *PeerStore) Get(peerID string) (data.PeerInfo, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	peer, exists := ps.peers[peerID]
	if !exists {
		return data.PeerInfo{}, false
	}
	return *peer, true
}

// List returns copies of all peer records
func (ps *PeerStore) List() []data.PeerInfo {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	out := make([]data.PeerInfo, 0, len(ps.peers))
	for _, peer := range ps.peers {
		out = append(out, *peer)
	}
	return out
}

// Remove drops a peer record
func (ps *PeerStore) Remove(peerID string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.peers, peerID)
}

func (ps *PeerStore) ensureLocked(peerID string) *data.PeerInfo {
	peer, exists := ps.peers[peerID]
	if !exists {
		peer = &data.PeerInfo{
			PeerID:      peerID,
			Reliability: InitialReliability,
			LastSeen:    time.Now(),
		}
		ps.peers[peerID] = peer
	}
	return peer
}
