package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"module_vali/internal/config"
	"module_vali/internal/utils"
)

var ErrEmptyDirectory = errors.New("no peers found in directory")

// Directory is the current name to address mapping of the network. It is
// read by every worker and only replaced by Refresh.
type Directory struct {
	registry Registry
	search   string
	network  string
	subnet   int
	clock    clockwork.Clock
	logger   *zap.Logger

	mu       sync.RWMutex
	byName   map[string]string
	byAddr   map[string]string
	keys     map[string]string
	lastSync time.Time
}

func New(registry Registry, cfg *config.MainConfig, clock clockwork.Clock, logger *zap.Logger) *Directory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		registry: registry,
		search:   cfg.Search,
		network:  cfg.Network,
		subnet:   cfg.Subnet,
		clock:    clock,
		logger:   logger,
		byName:   map[string]string{},
		byAddr:   map[string]string{},
		keys:     map[string]string{},
	}
}

// Refresh reloads the namespace and the identity keys from the registry.
// On error the previous mapping stays in place.
func (d *Directory) Refresh(ctx context.Context) error {
	namespace, err := d.registry.ResolveNamespace(ctx, d.search, d.network, d.subnet)
	if err != nil {
		return fmt.Errorf("failed to resolve namespace %s: %w", d.network, err)
	}
	keys, err := d.registry.Name2Key(ctx, d.search, d.network, d.subnet)
	if err != nil {
		d.logger.Warn("failed to resolve peer keys", zap.String("network", d.network), zap.Error(err))
		keys = nil
	}

	byName := make(map[string]string, len(namespace))
	byAddr := make(map[string]string, len(namespace))
	for name, addr := range namespace {
		canonical, err := utils.CanonicalizeAddress(addr)
		if err != nil {
			d.logger.Warn("skipping peer with invalid address", zap.String("peer", name), zap.Error(err))
			continue
		}
		byName[name] = canonical
		byAddr[canonical] = name
	}
	if keys == nil {
		d.mu.RLock()
		keys = d.keys
		d.mu.RUnlock()
	}

	d.mu.Lock()
	d.byName = byName
	d.byAddr = byAddr
	d.keys = keys
	d.lastSync = d.clock.Now()
	d.mu.Unlock()

	d.logger.Debug("directory refreshed", zap.String("network", d.network), zap.Int("peers", len(byName)))
	return nil
}

// MustResolve performs the first refresh at startup. An empty directory is
// an error when requirePeers is set.
func (d *Directory) MustResolve(ctx context.Context, requirePeers bool) error {
	if err := d.Refresh(ctx); err != nil {
		return err
	}
	if requirePeers && d.Len() == 0 {
		return fmt.Errorf("%w: network=%s subnet=%d search=%q", ErrEmptyDirectory, d.network, d.subnet, d.search)
	}
	return nil
}

// NeedsSync reports whether more than interval elapsed since the last refresh.
func (d *Directory) NeedsSync(interval time.Duration) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSync.IsZero() || d.clock.Since(d.lastSync) > interval
}

func (d *Directory) LastSync() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSync
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byName)
}

// Addresses returns a sorted snapshot of every peer address.
func (d *Directory) Addresses() []string {
	d.mu.RLock()
	out := make([]string, 0, len(d.byAddr))
	for addr := range d.byAddr {
		out = append(out, addr)
	}
	d.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (d *Directory) Names() []string {
	d.mu.RLock()
	out := make([]string, 0, len(d.byName))
	for name := range d.byName {
		out = append(out, name)
	}
	d.mu.RUnlock()
	sort.Strings(out)
	return out
}

// NameOf is the reverse lookup. Unknown addresses map to themselves.
func (d *Directory) NameOf(address string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if name, ok := d.byAddr[address]; ok {
		return name
	}
	return address
}

func (d *Directory) KeyOf(name string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.keys[name]
}

// Lookup accepts a peer name or address and returns both.
func (d *Directory) Lookup(nameOrAddress string) (name, address string, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if addr, found := d.byName[nameOrAddress]; found {
		return nameOrAddress, addr, true
	}
	if n, found := d.byAddr[nameOrAddress]; found {
		return n, nameOrAddress, true
	}
	if canonical, err := utils.CanonicalizeAddress(nameOrAddress); err == nil {
		if n, found := d.byAddr[canonical]; found {
			return n, canonical, true
		}
	}
	return "", "", false
}
