package discovery

import (
	"context"
	"fmt"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/util"
	"go.uber.org/zap"
)

const (
	dhtLookupTimeout = 30 * time.Second

	// ValidatorNamespace is the rendezvous string validators advertise under
	ValidatorNamespace = "fitchain-validators"
)

// DHTDiscovery implements peer discovery using Kademlia DHT
type DHTDiscovery struct {
	host    host.Host
	dht     *dht.IpfsDHT
	routing *routing.RoutingDiscovery
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// NewDHTDiscovery creates a new DHT-based discovery service
func NewDHTDiscovery(h host.Host, logger *zap.Logger) (*DHTDiscovery, error) {
	ctx, cancel := context.WithCancel(context.Background())

	kadDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating DHT: %w", err)
	}

	return &DHTDiscovery{
		host:    h,
		dht:     kadDHT,
		routing: routing.NewRoutingDiscovery(kadDHT),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start bootstraps the DHT and advertises the validator namespace
func (d *DHTDiscovery) Start() error {
	if d.running {
		return fmt.Errorf("DHT discovery already running")
	}

	if err := d.dht.Bootstrap(d.ctx); err != nil {
		return fmt.Errorf("bootstrapping DHT: %w", err)
	}

	util.Advertise(d.ctx, d.routing, ValidatorNamespace)

	d.running = true
	d.logger.Info("DHT discovery started")
	return nil
}

// Stop halts DHT discovery
func (d *DHTDiscovery) Stop() error {
	if !d.running {
		return nil
	}

	d.cancel()
	if err := d.dht.Close(); err != nil {
		return fmt.Errorf("closing DHT: %w", err)
	}

	d.running = false
	d.logger.Info("DHT discovery stopped")
	return nil
}

// FindPeers looks up peers advertising the validator namespace
func (d *DHTDiscovery) FindPeers() ([]peer.AddrInfo, error) {
	if !d.running {
		return nil, fmt.Errorf("DHT discovery not running")
	}

	ctx, cancel := context.WithTimeout(d.ctx, dhtLookupTimeout)
	defer cancel()

	peerChan, err := d.routing.FindPeers(ctx, ValidatorNamespace)
	if err != nil {
		return nil, fmt.Errorf("finding peers: %w", err)
	}

	var peers []peer.AddrInfo
	for p := range peerChan {
		if p.ID == d.host.ID() {
			continue
		}
		peers = append(peers, p)
	}

	return peers, nil
}

// GetConnectedPeers returns connected peers from the DHT routing table
func (d *DHTDiscovery) GetConnectedPeers() []peer.ID {
	if !d.running {
		return nil
	}

	peers := d.dht.RoutingTable().ListPeers()

	result := make([]peer.ID, 0, len(peers))
	for _, p := range peers {
		if p == d.host.ID() {
			continue
		}
		if d.host.Network().Connectedness(p) == network.Connected {
			result = append(result, p)
		}
	}

	return result
}

// IsConnected checks if a specific peer is connected
func (d *DHTDiscovery) IsConnected(id peer.ID) bool {
	if !d.running {
		return false
	}
	return d.host.Network().Connectedness(id) == network.Connected
}
