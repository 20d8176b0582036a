package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"module_vali/internal/config"
	"module_vali/internal/dataType"
	"module_vali/internal/directory"
	"module_vali/internal/fanout"
	"module_vali/internal/metrics"
	"module_vali/internal/rpc"
	"module_vali/internal/score"
	"module_vali/internal/utils"
)

// RateKey is the Counter key every completed evaluation is added to.
const RateKey = "evaluations"

var ErrInvalidScore = errors.New("scorer returned a non-finite score")

type State int32

const (
	StateSyncing State = iota
	StateSelecting
	StateDispatching
	StateCollecting
	StateReporting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateSyncing:
		return "SYNCING"
	case StateSelecting:
		return "SELECTING"
	case StateDispatching:
		return "DISPATCHING"
	case StateCollecting:
		return "COLLECTING"
	case StateReporting:
		return "REPORTING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Deps are the collaborators shared by every worker of a node.
type Deps struct {
	Directory *directory.Directory
	Store     *score.Store
	Clients   *rpc.ClientPool
	Scorer    Scorer
	Clock     clockwork.Clock
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Rate      *dataType.Counter
}

// Worker repeatedly evaluates every due peer of the directory with at most
// BatchSize calls in flight.
type Worker struct {
	id   int
	name string
	cfg  *config.MainConfig
	Deps

	stats        *dataType.WorkerStats
	rng          *rand.Rand
	state        atomic.Int32
	lastProgress atomic.Int64
	lastReport   time.Time
}

type callResult struct {
	raw  float64
	info map[string]any
}

type inflight struct {
	address string
	started time.Time
}

func New(id int, cfg *config.MainConfig, deps Deps) *Worker {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Scorer == nil {
		deps.Scorer = InfoScorer{}
	}
	now := deps.Clock.Now()
	w := &Worker{
		id:         id,
		name:       fmt.Sprintf("worker-%d", id),
		cfg:        cfg,
		Deps:       deps,
		stats:      dataType.NewWorkerStats(now),
		rng:        rand.New(rand.NewSource(now.UnixNano() + int64(id))),
		lastReport: now,
	}
	w.state.Store(int32(StateSyncing))
	w.lastProgress.Store(now.UnixNano())
	return w
}

func (w *Worker) ID() int {
	return w.id
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// LastProgress is the last time the worker completed an evaluation or a pass.
func (w *Worker) LastProgress() time.Time {
	return time.Unix(0, w.lastProgress.Load())
}

func (w *Worker) markProgress() {
	w.lastProgress.Store(w.Clock.Now().UnixNano())
}

func (w *Worker) Stats() *dataType.WorkerStats {
	return w.stats
}

// Run drives the evaluation loop until ctx ends.
func (w *Worker) Run(ctx context.Context) {
	defer w.setState(StateStopped)
	w.Logger.Info("worker started", zap.Int("batch_size", w.cfg.BatchSize))

	for ctx.Err() == nil {
		w.sync(ctx)
		if w.pass(ctx) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
		case <-w.Clock.After(w.cfg.RunLoopSleep):
		}
	}
	w.Logger.Info("worker stopped")
}

func (w *Worker) sync(ctx context.Context) {
	w.setState(StateSyncing)
	if !w.Directory.NeedsSync(w.cfg.SyncInterval) {
		return
	}
	if err := w.Directory.Refresh(ctx); err != nil {
		w.Logger.Warn("failed to refresh directory", zap.Error(err))
		return
	}
	if culled := w.Clients.Retain(w.Directory.Addresses()); culled > 0 {
		w.Logger.Debug("culled clients of departed peers", zap.Int("count", culled))
	}
	w.Metrics.SetPeers(w.Directory.Len())
}

// pass walks one shuffled snapshot of the directory and returns how many
// calls it dispatched.
func (w *Worker) pass(ctx context.Context) int {
	w.setState(StateSelecting)
	addresses := w.Directory.Addresses()
	w.rng.Shuffle(len(addresses), func(i, j int) {
		addresses[i], addresses[j] = addresses[j], addresses[i]
	})

	pool := fanout.NewPool[callResult](ctx, w.cfg.BatchSize, w.cfg.Timeout)
	defer pool.Close()

	pending := make(map[string]inflight)
	next, dispatched := 0, 0
	for {
		w.setState(StateDispatching)
		for !pool.Full() && next < len(addresses) && ctx.Err() == nil {
			address := addresses[next]
			next++
			name := w.Directory.NameOf(address)
			if !w.Store.Claim(name) {
				continue
			}
			rec, due, err := w.due(ctx, name)
			if err != nil {
				w.Store.Release(name)
				w.Logger.Error("failed to load record", zap.String("peer", name), zap.Error(err))
				continue
			}
			if !due {
				w.Store.Release(name)
				continue
			}
			if err := pool.Submit(w.request(name, address, rec.Metadata == nil)); err != nil {
				w.Store.Release(name)
				w.Logger.Error("failed to submit evaluation", zap.String("peer", name), zap.Error(err))
				break
			}
			pending[name] = inflight{address: address, started: w.Clock.Now()}
			w.stats.RequestsSent.Add(1)
			w.stats.Pending.Add(1)
			dispatched++
		}
		w.Metrics.SetPending(w.name, pool.Pending())
		if pool.Pending() == 0 {
			break
		}

		w.setState(StateCollecting)
		res, ok := pool.Next(ctx)
		if !ok {
			break
		}
		call := pending[res.Name]
		delete(pending, res.Name)
		w.stats.Pending.Add(-1)
		w.collect(ctx, res.Name, call, res)
		w.Store.Release(res.Name)

		w.setState(StateReporting)
		w.report()
		w.setState(StateSelecting)
	}

	for name := range pending {
		w.Store.Release(name)
	}
	w.stats.Pending.Add(-int64(len(pending)))
	w.Metrics.SetPending(w.name, 0)
	w.markProgress()
	return dispatched
}

// due loads the record of name and reports whether it is old enough to be
// evaluated again.
func (w *Worker) due(ctx context.Context, name string) (dataType.PeerRecord, bool, error) {
	rec, err := w.Store.Get(ctx, name)
	if err != nil {
		return rec, false, err
	}
	return rec, rec.StalenessAt(w.Clock.Now()) > w.cfg.MaxStaleness, nil
}

func (w *Worker) request(name, address string, needInfo bool) fanout.Request[callResult] {
	return fanout.Request[callResult]{
		Name: name,
		Call: func(ctx context.Context) (callResult, error) {
			client, err := w.Clients.Get(ctx, address)
			if err != nil {
				return callResult{}, err
			}
			var out callResult
			if needInfo {
				info, err := client.Info(ctx)
				if err != nil {
					return out, fmt.Errorf("info: %w", err)
				}
				if _, ok := info["name"]; ok {
					out.info = info
				}
			}
			raw, err := w.Scorer.Score(ctx, client)
			if err != nil {
				return out, err
			}
			if math.IsNaN(raw) || math.IsInf(raw, 0) {
				return out, fmt.Errorf("%w: %v", ErrInvalidScore, raw)
			}
			out.raw = raw
			return out, nil
		},
	}
}

// collect merges one finished call into the score store. Failures score
// zero; calls cut short by shutdown are dropped.
func (w *Worker) collect(ctx context.Context, name string, call inflight, res fanout.Result[callResult]) (dataType.PeerRecord, error) {
	if !res.OK() && errors.Is(res.Err, fanout.ErrCancelled) && ctx.Err() != nil {
		return w.Store.Get(context.Background(), name)
	}

	u := score.Update{
		Started: call.started,
		Address: call.address,
		Key:     w.Directory.KeyOf(name),
		Latency: res.Latency,
	}
	if res.OK() {
		u.Success = true
		u.Raw = res.Value.raw
		u.Metadata = res.Value.info
		w.stats.Successes.Add(1)
	} else {
		u.Error = res.Err.Error()
		w.stats.Errors.Add(1)
		w.Clients.Cull(call.address)
	}
	w.Metrics.RecordCall(res.OK(), res.Latency)

	rec, err := w.Store.Merge(ctx, name, u)
	if err != nil {
		w.Logger.Error("failed to save record", zap.String("peer", name), zap.Error(err))
	}
	w.stats.EvaluationsCompleted.Add(1)
	if w.Rate != nil {
		w.Rate.Add(RateKey, 1)
	}
	w.markProgress()

	if res.OK() {
		w.Logger.Debug("peer evaluated", zap.String("peer", name), zap.Float64("w", rec.Score), zap.Duration("latency", res.Latency))
	} else {
		w.Logger.Debug("peer failed", zap.String("peer", name), zap.Error(res.Err))
	}
	return rec, err
}

func (w *Worker) report() {
	now := w.Clock.Now()
	if now.Sub(w.lastReport) < w.cfg.PrintInterval {
		return
	}
	w.lastReport = now
	snap := w.stats.Snapshot(now, w.Directory.Len())
	w.Logger.Info("progress",
		zap.Int64("pending", snap.Pending),
		zap.Int64("sent", snap.RequestsSent),
		zap.Int64("errors", snap.Errors),
		zap.Int64("successes", snap.Successes),
		zap.Float64("lifetime", snap.Lifetime),
		zap.Int64("epochs", snap.Epochs))
}

// EvalPeer evaluates one peer given by name or address, unless it was
// evaluated within MaxStaleness or another evaluation of it is in flight,
// in which case the stored record is returned untouched.
func (w *Worker) EvalPeer(ctx context.Context, nameOrAddress string) (dataType.PeerRecord, error) {
	name, address, ok := w.Directory.Lookup(nameOrAddress)
	if !ok {
		addr, err := utils.CanonicalizeAddress(nameOrAddress)
		if err != nil {
			return dataType.PeerRecord{}, fmt.Errorf("unknown peer %q: %w", nameOrAddress, err)
		}
		name, address = addr, addr
	}

	if !w.Store.Claim(name) {
		return w.Store.Get(ctx, name)
	}
	defer w.Store.Release(name)

	rec, due, err := w.due(ctx, name)
	if err != nil || !due {
		return rec, err
	}

	call := inflight{address: address, started: w.Clock.Now()}
	w.stats.RequestsSent.Add(1)
	results, err := fanout.Dispatch(ctx, []fanout.Request[callResult]{w.request(name, address, rec.Metadata == nil)},
		fanout.Options[callResult]{Timeout: w.cfg.Timeout})
	if err != nil {
		return rec, err
	}
	return w.collect(ctx, name, call, results[0])
}
