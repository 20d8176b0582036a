package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"module_vali/internal/config"
	"module_vali/internal/dataType"
	"module_vali/internal/directory"
	"module_vali/internal/rpc"
	"module_vali/internal/score"
	"module_vali/internal/storage"
)

type fakePeer struct {
	name  string
	delay time.Duration
	fail  bool
}

type fakeNetwork struct {
	mu      sync.Mutex
	peers   map[string]*fakePeer
	calls   atomic.Int64
	running atomic.Int64
	peak    atomic.Int64
	culled  atomic.Int64
}

func (n *fakeNetwork) Connect(_ context.Context, address string) (rpc.Client, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[address]
	if !ok {
		return nil, fmt.Errorf("connection refused: %s", address)
	}
	return &fakeClient{net: n, peer: p, address: address}, nil
}

type fakeClient struct {
	net     *fakeNetwork
	peer    *fakePeer
	address string
}

func (c *fakeClient) Call(ctx context.Context, fn string, _ []any, _ map[string]any) (any, error) {
	c.net.calls.Add(1)
	n := c.net.running.Add(1)
	defer c.net.running.Add(-1)
	for {
		p := c.net.peak.Load()
		if n <= p || c.net.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-time.After(c.peer.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if c.peer.fail {
		return nil, errors.New("connection reset")
	}
	return map[string]any{"name": c.peer.name, "address": c.address}, nil
}

func (c *fakeClient) Info(ctx context.Context) (map[string]any, error) {
	out, err := c.Call(ctx, "info", nil, nil)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func (c *fakeClient) Address() string { return c.address }

func (c *fakeClient) Close() error {
	c.net.culled.Add(1)
	return nil
}

type harness struct {
	cfg     *config.MainConfig
	net     *fakeNetwork
	store   *score.Store
	dir     *directory.Directory
	clients *rpc.ClientPool
	clock   clockwork.Clock
}

func newHarness(t *testing.T, clock clockwork.Clock, peers ...*fakePeer) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Alpha = 0.5
	cfg.BatchSize = 2
	cfg.Timeout = time.Second
	cfg.RunLoopSleep = 10 * time.Millisecond

	net := &fakeNetwork{peers: map[string]*fakePeer{}}
	var list []config.Peer
	for i, p := range peers {
		addr := fmt.Sprintf("127.0.0.1:%d", 6000+i)
		net.peers[addr] = p
		list = append(list, config.Peer{Name: p.name, Address: addr, Key: "key-" + p.name, UID: i})
	}

	st, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	dir := directory.New(directory.NewStaticRegistry(list), &cfg, clock, logger)
	require.NoError(t, dir.Refresh(context.Background()))

	return &harness{
		cfg:     &cfg,
		net:     net,
		store:   score.New(st, &cfg, clock),
		dir:     dir,
		clients: rpc.NewClientPool(net, logger),
		clock:   clock,
	}
}

func (h *harness) worker(t *testing.T, scorer Scorer) *Worker {
	return New(0, h.cfg, Deps{
		Directory: h.dir,
		Store:     h.store,
		Clients:   h.clients,
		Scorer:    scorer,
		Clock:     h.clock,
		Logger:    zaptest.NewLogger(t),
		Rate:      dataType.NewCounter(4, 60, h.clock.Now),
	})
}

func TestStalenessGateIssuesNoCall(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	h := newHarness(t, clock, &fakePeer{name: "model.a"})
	w := h.worker(t, nil)
	ctx := context.Background()

	fresh := dataType.NewPeerRecord("model.a", "127.0.0.1:6000")
	fresh.Score = 0.42
	fresh.Timestamp = dataType.UnixSeconds(clock.Now().Add(-30 * time.Second))
	require.NoError(t, h.store.Put(ctx, "model.a", fresh))

	rec, err := w.EvalPeer(ctx, "model.a")
	require.NoError(t, err)
	assert.Equal(t, 0.42, rec.Score)
	assert.Equal(t, fresh.Timestamp, rec.Timestamp)
	assert.Zero(t, h.net.calls.Load())
	assert.Zero(t, w.Stats().RequestsSent.Load())

	clock.Advance(31 * time.Second)
	rec, err = w.EvalPeer(ctx, "model.a")
	require.NoError(t, err)
	assert.InDelta(t, 0.71, rec.Score, 1e-9)
	assert.Equal(t, int64(1), w.Stats().RequestsSent.Load())
}

func TestEvalPeerMergesAndCachesInfo(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	h := newHarness(t, clock, &fakePeer{name: "model.a"})
	w := h.worker(t, nil)
	ctx := context.Background()

	rec, err := w.EvalPeer(ctx, "127.0.0.1:6000")
	require.NoError(t, err)
	assert.Equal(t, "model.a", rec.Name)
	assert.Equal(t, 0.5, rec.Score)
	assert.True(t, rec.Success)
	assert.Equal(t, "key-model.a", rec.Key)
	assert.Equal(t, "model.a", rec.Metadata["name"])
	assert.Len(t, rec.History, 1)
	assert.Equal(t, int64(2), h.net.calls.Load(), "info fetched once, then scored")

	clock.Advance(2 * time.Minute)
	rec, err = w.EvalPeer(ctx, "model.a")
	require.NoError(t, err)
	assert.Equal(t, 0.75, rec.Score)
	assert.Equal(t, int64(3), h.net.calls.Load(), "cached info is not fetched again")
	assert.Equal(t, int64(2), w.Stats().Successes.Load())
	assert.Equal(t, int64(2), w.Stats().EvaluationsCompleted.Load())
	assert.Equal(t, int64(1), w.Rate.Query(RateKey, 60), "the first evaluation left the rate window")
}

func TestEvalPeerFailureScoresZero(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	h := newHarness(t, clock, &fakePeer{name: "model.bad", fail: true})
	w := h.worker(t, nil)
	ctx := context.Background()

	prior := dataType.NewPeerRecord("model.bad", "127.0.0.1:6000")
	prior.Score = 0.8
	require.NoError(t, h.store.Put(ctx, "model.bad", prior))

	rec, err := w.EvalPeer(ctx, "model.bad")
	require.NoError(t, err, "peer failures are recorded, not returned")
	assert.InDelta(t, 0.4, rec.Score, 1e-9)
	assert.False(t, rec.Success)
	assert.Contains(t, rec.Error, "connection reset")
	assert.Equal(t, int64(1), w.Stats().Errors.Load())
	assert.Equal(t, int64(1), h.net.culled.Load(), "the failed client is culled")
}

func TestEvalPeerScorerPanicIsIsolated(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	h := newHarness(t, clock, &fakePeer{name: "model.a"})
	w := h.worker(t, ScorerFunc(func(ctx context.Context, c rpc.Client) (float64, error) {
		panic("bad scorer")
	}))

	rec, err := w.EvalPeer(context.Background(), "model.a")
	require.NoError(t, err)
	assert.Zero(t, rec.Score)
	assert.Contains(t, rec.Error, "panicked")
	assert.Equal(t, int64(1), w.Stats().Errors.Load())
}

func TestEvalPeerNonFiniteScoreIsAFailure(t *testing.T) {
	for _, raw := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		t.Run(fmt.Sprint(raw), func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
			h := newHarness(t, clock, &fakePeer{name: "model.a"})
			w := h.worker(t, ScorerFunc(func(context.Context, rpc.Client) (float64, error) {
				return raw, nil
			}))
			ctx := context.Background()

			rec, err := w.EvalPeer(ctx, "model.a")
			require.NoError(t, err)
			assert.Zero(t, rec.Score)
			assert.False(t, rec.Success)
			assert.Contains(t, rec.Error, "non-finite")
			assert.Equal(t, int64(1), w.Stats().Errors.Load())
			assert.Zero(t, w.Stats().Successes.Load())

			stored, err := h.store.Get(ctx, "model.a")
			require.NoError(t, err)
			assert.Equal(t, dataType.UnixSeconds(clock.Now()), stored.Timestamp, "the record is saved")

			calls := h.net.calls.Load()
			_, err = w.EvalPeer(ctx, "model.a")
			require.NoError(t, err)
			assert.Equal(t, calls, h.net.calls.Load(), "the peer is not due again")
		})
	}
}

func TestEvalPeerSkipsPeerInFlight(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	h := newHarness(t, clock, &fakePeer{name: "model.a"})
	w := h.worker(t, nil)

	require.True(t, h.store.Claim("model.a"))
	rec, err := w.EvalPeer(context.Background(), "model.a")
	require.NoError(t, err)
	assert.Zero(t, rec.Timestamp)
	assert.Zero(t, h.net.calls.Load())

	h.store.Release("model.a")
	rec, err = w.EvalPeer(context.Background(), "model.a")
	require.NoError(t, err)
	assert.True(t, rec.Success)
}

func TestWorkersShareOneEvaluationPerPeer(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t, clockwork.NewRealClock(), &fakePeer{name: "model.a", delay: 100 * time.Millisecond})
	workers := []*Worker{h.worker(t, nil), h.worker(t, nil)}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, w := range workers {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	completed := func() int64 {
		return workers[0].Stats().EvaluationsCompleted.Load() + workers[1].Stats().EvaluationsCompleted.Load()
	}
	require.Eventually(t, func() bool { return completed() == 1 }, 3*time.Second, 5*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	cancel()
	wg.Wait()

	assert.Equal(t, int64(1), completed())
	assert.Equal(t, int64(2), h.net.calls.Load(), "one info call and one score call")
	rec, err := h.store.Get(context.Background(), "model.a")
	require.NoError(t, err)
	assert.Len(t, rec.History, 1)
	assert.Equal(t, 0.5, rec.Score)
}

func TestEvalPeerUnknownPeer(t *testing.T) {
	h := newHarness(t, clockwork.NewFakeClock(), &fakePeer{name: "model.a"})
	w := h.worker(t, nil)
	_, err := w.EvalPeer(context.Background(), "model.zzz")
	assert.Error(t, err)

	rec, err := w.EvalPeer(context.Background(), "127.0.0.1:6999")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6999", rec.Name, "unknown addresses are keyed by address")
	assert.False(t, rec.Success)
}

func TestRunEvaluatesEveryPeerWithBoundedConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	peers := []*fakePeer{
		{name: "model.a", delay: 20 * time.Millisecond},
		{name: "model.b", delay: 20 * time.Millisecond},
		{name: "model.c", delay: 20 * time.Millisecond},
		{name: "model.d", delay: 20 * time.Millisecond},
		{name: "model.e", delay: 20 * time.Millisecond, fail: true},
		{name: "model.f", delay: 20 * time.Millisecond},
	}
	h := newHarness(t, clockwork.NewRealClock(), peers...)
	w := h.worker(t, ScorerFunc(func(ctx context.Context, c rpc.Client) (float64, error) {
		if _, err := c.Call(ctx, "forward", nil, nil); err != nil {
			return 0, err
		}
		return 1, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return w.Stats().EvaluationsCompleted.Load() == 6
	}, 3*time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, StateStopped, w.State())
	assert.LessOrEqual(t, h.net.peak.Load(), int64(2))
	assert.Equal(t, int64(6), w.Stats().RequestsSent.Load(), "fresh peers are not called twice")
	assert.Equal(t, int64(5), w.Stats().Successes.Load())
	assert.Equal(t, int64(1), w.Stats().Errors.Load())
	assert.Zero(t, w.Stats().Pending.Load())

	records, err := h.store.ListAll(context.Background(), score.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 6)
	for _, r := range records {
		if r.Name == "model.e" {
			assert.Zero(t, r.Score)
		} else {
			assert.Equal(t, 0.5, r.Score, r.Name)
		}
	}
	assert.False(t, w.LastProgress().IsZero())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "COLLECTING", StateCollecting.String())
	assert.Equal(t, "STOPPED", StateStopped.String())
	assert.Equal(t, "State(42)", State(42).String())
}
