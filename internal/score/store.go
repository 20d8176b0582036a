package score

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"

	"module_vali/internal/config"
	"module_vali/internal/dataType"
	"module_vali/internal/fanout"
	"module_vali/internal/storage"
)

const lockShards = 64

// Update is the raw outcome of one evaluation, as reported by a worker.
type Update struct {
	Raw      float64
	Success  bool
	Error    string
	Latency  time.Duration
	Started  time.Time
	Address  string
	Key      string
	Metadata map[string]any
}

// Filter narrows ListAll. A zero MaxAge keeps every record.
type Filter struct {
	MaxAge time.Duration
}

// Store owns every peer record of one tag and network. Writes to the same
// name are serialised; different names only share a lock when their hashes
// collide on a shard.
type Store struct {
	storage    storage.Storage
	prefix     string
	alpha      float64
	maxHistory int
	features   []string
	batchSize  int
	clock      clockwork.Clock
	locks      [lockShards]sync.Mutex

	claimMu sync.Mutex
	claims  map[string]struct{}
}

func New(st storage.Storage, cfg *config.MainConfig, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		storage:    st,
		prefix:     cfg.StoragePath(),
		alpha:      cfg.Alpha,
		maxHistory: cfg.MaxHistory,
		features:   cfg.HistoryFeatures,
		batchSize:  cfg.BatchSize,
		clock:      clock,
		claims:     make(map[string]struct{}),
	}
}

// EMA blends a raw score into the previous one. Inputs outside [0,1] are
// clamped and NaN counts as 0.
func EMA(old, raw, alpha float64) float64 {
	raw = clamp(raw)
	alpha = clamp(alpha)
	return raw*alpha + old*(1-alpha)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Claim marks name as being evaluated. It reports false while another
// caller holds the claim; the holder calls Release once its result is merged.
func (s *Store) Claim(name string) bool {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	if _, held := s.claims[name]; held {
		return false
	}
	s.claims[name] = struct{}{}
	return true
}

func (s *Store) Release(name string) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	delete(s.claims, name)
}

func (s *Store) lock(name string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(name)%lockShards]
}

func (s *Store) path(name string) string {
	return storage.Join(s.prefix, name)
}

// Get returns the stored record or the default record of a peer never evaluated.
func (s *Store) Get(ctx context.Context, name string) (dataType.PeerRecord, error) {
	rec := dataType.NewPeerRecord(name, "")
	found, err := s.storage.Get(ctx, s.path(name), &rec)
	if err != nil {
		return dataType.NewPeerRecord(name, ""), fmt.Errorf("failed to load record %s: %w", name, err)
	}
	if !found {
		return dataType.NewPeerRecord(name, ""), nil
	}
	if rec.History == nil {
		rec.History = []dataType.HistoryEntry{}
	}
	rec.Name = name
	return rec, nil
}

// Put replaces the record of name. The last writer wins.
func (s *Store) Put(ctx context.Context, name string, rec dataType.PeerRecord) error {
	mu := s.lock(name)
	mu.Lock()
	defer mu.Unlock()
	return s.put(ctx, name, rec)
}

func (s *Store) put(ctx context.Context, name string, rec dataType.PeerRecord) error {
	rec.Name = name
	rec.Staleness = 0
	if err := s.storage.Put(ctx, s.path(name), rec); err != nil {
		return fmt.Errorf("failed to save record %s: %w", name, err)
	}
	return nil
}

// Merge folds one evaluation into the stored record of name and persists it.
func (s *Store) Merge(ctx context.Context, name string, u Update) (dataType.PeerRecord, error) {
	mu := s.lock(name)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.Get(ctx, name)
	if err != nil {
		return rec, err
	}
	rec = s.apply(rec, u)
	if err := s.put(ctx, name, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func (s *Store) apply(rec dataType.PeerRecord, u Update) dataType.PeerRecord {
	if u.Address != "" {
		rec.Address = u.Address
	}
	if u.Key != "" {
		rec.Key = u.Key
	}
	if rec.Metadata == nil && u.Metadata != nil {
		rec.Metadata = u.Metadata
	}

	started := u.Started
	if started.IsZero() {
		started = s.clock.Now()
	}
	rec.Timestamp = dataType.UnixSeconds(started)
	rec.Success = u.Success
	rec.Error = u.Error
	if u.Success {
		rec.Latency = u.Latency.Seconds()
	}

	raw := u.Raw
	if !u.Success {
		raw = 0
	}
	rec.Score = EMA(rec.Score, raw, s.alpha)

	rec.History = append(rec.History, rec.Snapshot(s.features))
	if over := len(rec.History) - s.maxHistory; over > 0 {
		rec.History = append([]dataType.HistoryEntry(nil), rec.History[over:]...)
	}
	return rec
}

// Names lists every peer with a stored record.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	paths, err := s.storage.List(ctx, s.prefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(paths))
	for _, p := range paths {
		names = append(names, storage.Base(p))
	}
	return names, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	names, err := s.Names(ctx)
	return len(names), err
}

// ListAll loads every record in batches and drops the ones older than
// f.MaxAge. Dropped records stay stored.
func (s *Store) ListAll(ctx context.Context, f Filter) ([]dataType.PeerRecord, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	batch := s.batchSize
	if batch < 1 {
		batch = len(names)
	}

	records := make([]dataType.PeerRecord, 0, len(names))
	for start := 0; start < len(names); start += batch {
		end := min(start+batch, len(names))
		requests := make([]fanout.Request[dataType.PeerRecord], 0, end-start)
		for _, name := range names[start:end] {
			name := name
			requests = append(requests, fanout.Request[dataType.PeerRecord]{
				Name: name,
				Call: func(ctx context.Context) (dataType.PeerRecord, error) {
					return s.Get(ctx, name)
				},
			})
		}
		results, err := fanout.Dispatch(ctx, requests, fanout.Options[dataType.PeerRecord]{})
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if !r.OK() {
				return nil, r.Err
			}
			rec := r.Value
			staleness := rec.StalenessAt(now)
			if f.MaxAge > 0 && staleness > f.MaxAge {
				continue
			}
			rec.Staleness = staleness.Seconds()
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

// Leaderboard orders fresh records by score, then by staleness, both descending.
func (s *Store) Leaderboard(ctx context.Context, maxAge time.Duration) ([]dataType.PeerRecord, error) {
	records, err := s.ListAll(ctx, Filter{MaxAge: maxAge})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Score != records[j].Score {
			return records[i].Score > records[j].Score
		}
		return records[i].Staleness > records[j].Staleness
	})
	return records, nil
}

// Reset drops every stored record of this tag and network.
func (s *Store) Reset(ctx context.Context) error {
	return s.storage.Remove(ctx, s.prefix)
}
