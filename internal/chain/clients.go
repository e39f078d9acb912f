package chain

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/x402-foundation/escrow-facilitator/internal/config"
)

// ClientSet holds one lazily-dialed RPC client per configured network.
// Construct one per process and release it on shutdown.
type ClientSet struct {
	mu       sync.Mutex
	networks map[string]config.NetworkConfig
	clients  map[string]*ethclient.Client
}

// NewClientSet creates a client set for the configured networks.
// No connection is made until Client is first called for a network.
func NewClientSet(networks []config.NetworkConfig) *ClientSet {
	byID := make(map[string]config.NetworkConfig, len(networks))
	for _, n := range networks {
		byID[n.ID] = n
	}
	return &ClientSet{
		networks: byID,
		clients:  make(map[string]*ethclient.Client),
	}
}

// Client returns the RPC client for a network, dialing on first use.
func (s *ClientSet) Client(networkID string) (*ethclient.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if client, ok := s.clients[networkID]; ok {
		return client, nil
	}
	cfg, ok := s.networks[networkID]
	if !ok {
		return nil, fmt.Errorf("unknown network: %s", networkID)
	}
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", networkID, err)
	}
	s.clients[networkID] = client
	return client, nil
}

// Network returns the configuration for a network id.
func (s *ClientSet) Network(networkID string) (config.NetworkConfig, bool) {
	cfg, ok := s.networks[networkID]
	return cfg, ok
}

// Close releases all dialed clients.
func (s *ClientSet) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, client := range s.clients {
		client.Close()
		delete(s.clients, id)
	}
}
