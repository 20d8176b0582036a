package vote

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"module_vali/internal/config"
	"module_vali/internal/dataType"
	"module_vali/internal/directory"
	"module_vali/internal/metrics"
	"module_vali/internal/score"
	"module_vali/internal/storage"
)

type countingRegistry struct {
	*directory.StaticRegistry
	submits atomic.Int64
	fail    error
}

func (r *countingRegistry) SubmitVote(ctx context.Context, payload dataType.VotePayload, network string, subnet int) (string, error) {
	r.submits.Add(1)
	if r.fail != nil {
		return "", r.fail
	}
	return r.StaticRegistry.SubmitVote(ctx, payload, network, subnet)
}

type fixture struct {
	agg      *Aggregator
	store    *score.Store
	registry *countingRegistry
	clock    *clockwork.FakeClock
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, mutate func(*config.MainConfig)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Alpha = 1
	cfg.VoteInterval = 100 * time.Second
	cfg.VoteStalenessMax = time.Hour
	cfg.MinNumWeights = 2
	if mutate != nil {
		mutate(&cfg)
	}
	st, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	store := score.New(st, &cfg, clock)
	reg := &countingRegistry{StaticRegistry: directory.NewStaticRegistry([]config.Peer{
		{Name: "model.a", Address: "127.0.0.1:1", Key: "key-a", UID: 10},
		{Name: "model.b", Address: "127.0.0.1:2", Key: "key-b", UID: 11},
		{Name: "model.c", Address: "127.0.0.1:3", Key: "key-c", UID: 12},
	})}
	m := metrics.New()
	return &fixture{
		agg:      New(st, store, reg, &cfg, clock, zaptest.NewLogger(t), m),
		store:    store,
		registry: reg,
		clock:    clock,
		metrics:  m,
	}
}

func (f *fixture) score(t *testing.T, name, key string, w float64) {
	t.Helper()
	_, err := f.store.Merge(context.Background(), name, score.Update{Raw: w, Success: true, Key: key})
	require.NoError(t, err)
}

func TestBuildVoteSkipsUnresolvedKeys(t *testing.T) {
	f := newFixture(t, nil)
	f.score(t, "model.a", "key-a", 0.9)
	f.score(t, "model.b", "key-b", 0.2)
	f.score(t, "model.x", "key-unknown", 1)
	f.score(t, "model.nokey", "", 1)

	payload, err := f.agg.BuildVote(context.Background(), -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"key-a", "key-b"}, payload.Keys)
	assert.Equal(t, []float64{0.9, 0.2}, payload.Weights)
	assert.Equal(t, []int{10, 11}, payload.UIDs)
	assert.NotEmpty(t, payload.ID)
	assert.Equal(t, dataType.UnixSeconds(f.clock.Now()), payload.Timestamp)

	payload, err = f.agg.BuildVote(context.Background(), 0.5)
	require.NoError(t, err)
	assert.Equal(t, []int{10}, payload.UIDs)
}

func TestBuildVoteSkipsStaleRecords(t *testing.T) {
	f := newFixture(t, nil)
	f.score(t, "model.a", "key-a", 0.9)
	f.clock.Advance(2 * time.Hour)
	f.score(t, "model.b", "key-b", 0.2)

	payload, err := f.agg.BuildVote(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"key-b"}, payload.Keys)
}

func TestVoteRateLimit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.score(t, "model.a", "key-a", 0.9)
	f.score(t, "model.b", "key-b", 0.4)

	first := f.agg.Vote(ctx)
	require.Equal(t, dataType.VoteVoted, first.Status, first.Error)
	assert.True(t, first.Success)
	assert.NotEmpty(t, first.Receipt)
	assert.Equal(t, int64(1), f.registry.submits.Load())

	last, found, err := f.agg.LastVote(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, first.Payload.UIDs, last.UIDs)

	f.clock.Advance(99 * time.Second)
	second := f.agg.Vote(ctx)
	assert.Equal(t, dataType.VoteTooSoon, second.Status)
	assert.False(t, second.Success)
	assert.Equal(t, int64(1), f.registry.submits.Load(), "no submission within the interval")

	f.clock.Advance(2 * time.Second)
	third := f.agg.Vote(ctx)
	assert.Equal(t, dataType.VoteVoted, third.Status)
	assert.Equal(t, int64(2), f.registry.submits.Load())

	staleness, err := f.agg.VoteStaleness(ctx)
	require.NoError(t, err)
	assert.Zero(t, staleness)
}

func TestSubmitTooFewWeights(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	out, err := f.agg.Submit(ctx, dataType.VotePayload{Keys: []string{"key-a"}, Weights: []float64{1}, UIDs: []int{10}})
	require.NoError(t, err)
	assert.Equal(t, dataType.VoteTooFewWeights, out.Status)
	assert.Equal(t, 1, out.Votes)
	assert.Equal(t, 2, out.MinNumWeights)
	assert.Zero(t, f.registry.submits.Load())

	_, found, err := f.agg.LastVote(ctx)
	require.NoError(t, err)
	assert.False(t, found, "rejected votes are not persisted")
}

func TestSubmitRejectsMismatchedPayload(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.agg.Submit(context.Background(), dataType.VotePayload{Keys: []string{"a"}, UIDs: []int{1}})
	assert.True(t, errors.Is(err, dataType.ErrPayloadMismatch))
	assert.Zero(t, f.registry.submits.Load())
}

func TestVoteWrapsRegistryFailure(t *testing.T) {
	f := newFixture(t, func(c *config.MainConfig) { c.MinNumWeights = 1 })
	f.registry.fail = errors.New("registry unreachable")
	f.score(t, "model.a", "key-a", 0.9)

	out := f.agg.Vote(context.Background())
	assert.Equal(t, dataType.VoteFailed, out.Status)
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "registry unreachable")

	_, found, err := f.agg.LastVote(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestVoteStalenessBeforeFirstVote(t *testing.T) {
	f := newFixture(t, nil)
	staleness, err := f.agg.VoteStaleness(context.Background())
	require.NoError(t, err)
	assert.Greater(t, staleness, 100*time.Second)
}
