package rpc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"module_vali/internal/fanout"
)

// ClientPool caches one client per peer address.
type ClientPool struct {
	connector Connector
	logger    *zap.Logger

	mu      sync.RWMutex
	clients map[string]Client
	// cullMu serialises removals so a client is never closed twice.
	cullMu sync.Mutex
}

func NewClientPool(connector Connector, logger *zap.Logger) *ClientPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClientPool{
		connector: connector,
		logger:    logger,
		clients:   make(map[string]Client),
	}
}

// Get returns the cached client for address, connecting on first use.
func (p *ClientPool) Get(ctx context.Context, address string) (Client, error) {
	p.mu.RLock()
	c, ok := p.clients[address]
	p.mu.RUnlock()
	if ok {
		return c, nil
	}

	c, err := p.connector.Connect(ctx, address)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.clients[address]; ok {
		c.Close()
		return existing, nil
	}
	p.clients[address] = c
	return c, nil
}

// Cull closes and forgets the client of address, e.g. after the peer left the directory.
func (p *ClientPool) Cull(address string) bool {
	p.cullMu.Lock()
	defer p.cullMu.Unlock()

	p.mu.Lock()
	c, ok := p.clients[address]
	delete(p.clients, address)
	p.mu.Unlock()
	if !ok {
		return false
	}
	if err := c.Close(); err != nil {
		p.logger.Warn("failed to close client", zap.String("address", address), zap.Error(err))
	}
	return true
}

// Retain culls every cached client whose address is not in keep.
func (p *ClientPool) Retain(keep []string) int {
	wanted := make(map[string]struct{}, len(keep))
	for _, a := range keep {
		wanted[a] = struct{}{}
	}
	p.mu.RLock()
	var stale []string
	for a := range p.clients {
		if _, ok := wanted[a]; !ok {
			stale = append(stale, a)
		}
	}
	p.mu.RUnlock()

	culled := 0
	for _, a := range stale {
		if p.Cull(a) {
			culled++
		}
	}
	return culled
}

func (p *ClientPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// Forward calls fn on every address at once and returns once quorum calls
// succeeded; quorum 0 waits for all of them.
func (p *ClientPool) Forward(ctx context.Context, fn string, args []any, kwargs map[string]any, addresses []string, quorum int, timeout time.Duration) ([]fanout.Result[any], error) {
	requests := make([]fanout.Request[any], 0, len(addresses))
	for _, address := range addresses {
		address := address
		requests = append(requests, fanout.Request[any]{
			Name: address,
			Call: func(ctx context.Context) (any, error) {
				c, err := p.Get(ctx, address)
				if err != nil {
					return nil, err
				}
				return c.Call(ctx, fn, args, kwargs)
			},
		})
	}
	return fanout.Dispatch(ctx, requests, fanout.Options[any]{Quorum: quorum, Timeout: timeout})
}

func (p *ClientPool) Close() {
	p.mu.RLock()
	addresses := make([]string, 0, len(p.clients))
	for a := range p.clients {
		addresses = append(addresses, a)
	}
	p.mu.RUnlock()
	for _, a := range addresses {
		p.Cull(a)
	}
}
