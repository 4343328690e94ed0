package connector

import (
	"fmt"
	"sync"

	"github.com/trailproof/core/pkg/contracts"
)

// Registry holds the connectors available to the sync service, keyed by
// source system.
type Registry struct {
	mu         sync.RWMutex
	connectors map[contracts.SourceSystem]Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[contracts.SourceSystem]Connector)}
}

// Register adds a connector. Registering the same system twice replaces the
// earlier connector.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.System()] = c
}

// Lookup returns the connector for a source system.
func (r *Registry) Lookup(system contracts.SourceSystem) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[system]
	if !ok {
		return nil, fmt.Errorf("connector for %s: %w", system, contracts.ErrNotFound)
	}
	return c, nil
}
