package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"module_vali/internal/config"
	"module_vali/internal/dataType"
	"module_vali/internal/directory"
	"module_vali/internal/metrics"
	"module_vali/internal/rpc"
	"module_vali/internal/score"
	"module_vali/internal/vote"
	"module_vali/internal/worker"
)

var (
	ErrRunning    = errors.New("supervisor already running")
	ErrNotRunning = errors.New("supervisor not running")
)

// rateWindow is the number of seconds EvalRate averages over.
const rateWindow = 60

type Options struct {
	Config     *config.MainConfig
	Directory  *directory.Directory
	Store      *score.Store
	Clients    *rpc.ClientPool
	Scorer     worker.Scorer
	Aggregator *vote.Aggregator
	Clock      clockwork.Clock
	Metrics    *metrics.Metrics
	// Logger returns the logger of a component, e.g. "worker-0" or "vote".
	Logger func(component string) *zap.Logger
}

type slot struct {
	w      *worker.Worker
	cancel context.CancelFunc
}

// Supervisor runs the evaluation workers and the vote timer of one node.
type Supervisor struct {
	opts   Options
	cfg    config.MainConfig
	logger *zap.Logger
	rate   *dataType.Counter
	probe  *worker.Worker

	mu        sync.Mutex
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	runCfg    *config.MainConfig
	slots     []*slot
	retired   []*dataType.WorkerStats
	startTime time.Time
	restarts  atomic.Int64
	wg        sync.WaitGroup
}

func New(opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = func(string) *zap.Logger { return zap.NewNop() }
	}
	s := &Supervisor{
		opts:   opts,
		cfg:    *opts.Config,
		logger: opts.Logger("supervisor"),
		rate:   dataType.NewCounter(16, rateWindow, opts.Clock.Now),
	}
	s.probe = worker.New(0, &s.cfg, s.deps("probe"))
	return s
}

func (s *Supervisor) deps(component string) worker.Deps {
	return worker.Deps{
		Directory: s.opts.Directory,
		Store:     s.opts.Store,
		Clients:   s.opts.Clients,
		Scorer:    s.opts.Scorer,
		Clock:     s.opts.Clock,
		Logger:    s.opts.Logger(component),
		Metrics:   s.opts.Metrics,
		Rate:      s.rate,
	}
}

// Start resolves the directory and launches numWorkers workers with
// batchSize calls in flight each. A directory that cannot be resolved, or
// is empty while peers are required, stops the start.
func (s *Supervisor) Start(ctx context.Context, numWorkers, batchSize int) error {
	if numWorkers < 0 || batchSize < 1 {
		return fmt.Errorf("invalid worker layout: workers=%d batch_size=%d", numWorkers, batchSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	if err := s.opts.Directory.MustResolve(ctx, s.cfg.RequirePeers); err != nil {
		return err
	}
	s.opts.Metrics.SetPeers(s.opts.Directory.Len())

	runCfg := s.cfg
	runCfg.NumWorkers = numWorkers
	runCfg.BatchSize = batchSize
	s.runCfg = &runCfg
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startTime = s.opts.Clock.Now()
	s.slots = make([]*slot, numWorkers)
	for i := range s.slots {
		s.slots[i] = s.launch(i)
	}

	s.wg.Add(1)
	go s.livenessLoop()
	if s.cfg.Vote && s.opts.Aggregator != nil {
		s.wg.Add(1)
		go s.voteLoop()
	}
	s.running = true
	s.logger.Info("supervisor started",
		zap.Int("workers", numWorkers),
		zap.Int("batch_size", batchSize),
		zap.Int("peers", s.opts.Directory.Len()))
	return nil
}

// launch must be called with mu held.
func (s *Supervisor) launch(id int) *slot {
	ctx, cancel := context.WithCancel(s.ctx)
	w := worker.New(id, s.runCfg, s.deps(fmt.Sprintf("worker-%d", id)))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.Run(ctx)
	}()
	return &slot{w: w, cancel: cancel}
}

// Stop cancels every worker and loop and waits for them to return.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("supervisor stopped")
	return nil
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) livenessLoop() {
	defer s.wg.Done()
	ticker := s.opts.Clock.NewTicker(s.cfg.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.Chan():
			s.checkLiveness()
		}
	}
}

// checkLiveness replaces every worker that made no progress within the
// stall timeout. The stalled worker is cancelled, not awaited.
func (s *Supervisor) checkLiveness() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	now := s.opts.Clock.Now()
	for i, sl := range s.slots {
		idle := now.Sub(sl.w.LastProgress())
		if idle <= s.cfg.StallTimeout {
			continue
		}
		s.logger.Warn("restarting stalled worker",
			zap.String("worker", sl.w.Name()),
			zap.String("state", sl.w.State().String()),
			zap.Duration("idle", idle))
		sl.cancel()
		s.retire(sl.w)
		s.slots[i] = s.launch(i)
		s.restarts.Add(1)
		s.opts.Metrics.RecordRestart()
	}
}

// retire keeps the counters of a replaced worker in the run totals. Its
// goroutine may still be finishing calls, so they are read live.
func (s *Supervisor) retire(w *worker.Worker) {
	s.retired = append(s.retired, w.Stats())
}

func (s *Supervisor) voteLoop() {
	defer s.wg.Done()
	logger := s.opts.Logger("vote")
	ticker := s.opts.Clock.NewTicker(s.cfg.RunLoopSleep)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.Chan():
		}

		staleness, err := s.opts.Aggregator.VoteStaleness(s.ctx)
		if err != nil {
			logger.Error("failed to read vote staleness", zap.Error(err))
			continue
		}
		if staleness > s.cfg.VoteInterval {
			outcome := s.opts.Aggregator.Vote(s.ctx)
			logger.Debug("vote outcome", zap.String("status", string(outcome.Status)), zap.Int("votes", outcome.Votes))
		}
		info := s.RunInfo(s.ctx)
		logger.Debug("run info",
			zap.Float64("lifetime", info.Lifetime),
			zap.Float64("vote_staleness", info.VoteStaleness),
			zap.Int64("errors", info.Errors),
			zap.Int64("epochs", info.Epochs))
	}
}

// RunInfo aggregates the counters of every worker, retired ones included.
func (s *Supervisor) RunInfo(ctx context.Context) dataType.RunInfo {
	now := s.opts.Clock.Now()
	peers := s.opts.Directory.Len()

	s.mu.Lock()
	stats := append([]*dataType.WorkerStats{s.probe.Stats()}, s.retired...)
	for _, sl := range s.slots {
		stats = append(stats, sl.w.Stats())
	}
	workers := len(s.slots)
	start := s.startTime
	if !s.running {
		workers = 0
	}
	s.mu.Unlock()

	var total dataType.WorkerStatsSnapshot
	for _, st := range stats {
		total.RequestsSent += st.RequestsSent.Load()
		total.Errors += st.Errors.Load()
		total.Successes += st.Successes.Load()
		total.EvaluationsCompleted += st.EvaluationsCompleted.Load()
	}

	info := dataType.RunInfo{
		VoteInterval: s.cfg.VoteInterval.Seconds(),
		Errors:       total.Errors,
		Successes:    total.Successes,
		RequestsSent: total.RequestsSent,
		Epochs:       total.EvaluationsCompleted / int64(peers+1),
		EvalRate:     float64(s.rate.Query(worker.RateKey, rateWindow)) / rateWindow,
		Workers:      workers,
		Restarts:     s.restarts.Load(),
		Peers:        peers,
	}
	if !start.IsZero() {
		info.Lifetime = now.Sub(start).Seconds()
	}
	if s.opts.Aggregator != nil {
		if staleness, err := s.opts.Aggregator.VoteStaleness(ctx); err == nil {
			info.VoteStaleness = staleness.Seconds()
		}
	}
	return info
}

// Leaderboard lists the records fresh enough to vote with, best first.
func (s *Supervisor) Leaderboard(ctx context.Context) ([]dataType.PeerRecord, error) {
	return s.opts.Store.Leaderboard(ctx, s.cfg.VoteStalenessMax)
}

// EvalPeer evaluates a single peer outside the worker loops.
func (s *Supervisor) EvalPeer(ctx context.Context, nameOrAddress string) (dataType.PeerRecord, error) {
	return s.probe.EvalPeer(ctx, nameOrAddress)
}

// Vote forces a vote attempt. The rate limit still applies.
func (s *Supervisor) Vote(ctx context.Context) dataType.VoteOutcome {
	if s.opts.Aggregator == nil {
		return dataType.VoteOutcome{Status: dataType.VoteFailed, Error: "voting is disabled"}
	}
	return s.opts.Aggregator.Vote(ctx)
}

// WorkerStates reports the current state of every running worker.
func (s *Supervisor) WorkerStates() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.slots))
	for _, sl := range s.slots {
		out[sl.w.Name()] = sl.w.State().String()
	}
	return out
}
