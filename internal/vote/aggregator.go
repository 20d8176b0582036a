package vote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"module_vali/internal/config"
	"module_vali/internal/dataType"
	"module_vali/internal/directory"
	"module_vali/internal/metrics"
	"module_vali/internal/score"
	"module_vali/internal/storage"
)

// Aggregator turns the score store into weighted votes and submits them to
// the registry at most once per vote interval.
type Aggregator struct {
	storage  storage.Storage
	store    *score.Store
	registry directory.Registry
	clock    clockwork.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics

	network       string
	subnet        int
	votePath      string
	interval      time.Duration
	maxAge        time.Duration
	minNumWeights int
	minScore      float64

	// mu makes the rate-limit check and the submission one step.
	mu sync.Mutex
}

func New(st storage.Storage, store *score.Store, registry directory.Registry, cfg *config.MainConfig, clock clockwork.Clock, logger *zap.Logger, m *metrics.Metrics) *Aggregator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		storage:       st,
		store:         store,
		registry:      registry,
		clock:         clock,
		logger:        logger,
		metrics:       m,
		network:       cfg.Network,
		subnet:        cfg.Subnet,
		votePath:      cfg.VotePath(),
		interval:      cfg.VoteInterval,
		maxAge:        cfg.VoteStalenessMax,
		minNumWeights: cfg.MinNumWeights,
		minScore:      cfg.MinScore,
	}
}

// BuildVote collects every fresh record whose key the registry knows and
// whose score is at least minScore. Negative thresholds are raised to 0.
func (a *Aggregator) BuildVote(ctx context.Context, minScore float64) (dataType.VotePayload, error) {
	minScore = max(minScore, 0)
	payload := dataType.VotePayload{
		ID:        uuid.NewString(),
		Keys:      []string{},
		Weights:   []float64{},
		UIDs:      []int{},
		Timestamp: dataType.UnixSeconds(a.clock.Now()),
	}

	records, err := a.store.ListAll(ctx, score.Filter{MaxAge: a.maxAge})
	if err != nil {
		return payload, fmt.Errorf("failed to list records: %w", err)
	}
	key2uid, err := a.registry.Key2UID(ctx, a.network, a.subnet)
	if err != nil {
		return payload, fmt.Errorf("failed to resolve uids: %w", err)
	}

	for _, rec := range records {
		if rec.Key == "" || rec.Score < minScore {
			continue
		}
		uid, ok := key2uid[rec.Key]
		if !ok {
			continue
		}
		payload.Keys = append(payload.Keys, rec.Key)
		payload.Weights = append(payload.Weights, rec.Score)
		payload.UIDs = append(payload.UIDs, uid)
	}
	return payload, payload.Validate()
}

// LastVote loads the last submitted vote. It reports false before the first vote.
func (a *Aggregator) LastVote(ctx context.Context) (dataType.VotePayload, bool, error) {
	var last dataType.VotePayload
	found, err := a.storage.Get(ctx, a.votePath, &last)
	if err != nil {
		return dataType.VotePayload{}, false, fmt.Errorf("failed to load last vote: %w", err)
	}
	return last, found, nil
}

// VoteStaleness is the time since the last submitted vote.
func (a *Aggregator) VoteStaleness(ctx context.Context) (time.Duration, error) {
	last, _, err := a.LastVote(ctx)
	if err != nil {
		return 0, err
	}
	return a.clock.Now().Sub(dataType.FromUnixSeconds(last.Timestamp)), nil
}

func (a *Aggregator) tooSoon(ctx context.Context) (bool, time.Duration, error) {
	staleness, err := a.VoteStaleness(ctx)
	if err != nil {
		return false, 0, err
	}
	return staleness <= a.interval, staleness, nil
}

// Submit sends payload to the registry unless a vote went out within the
// vote interval or the payload carries too few weights. Neither case calls
// the registry. Only registry and storage failures are returned as errors.
func (a *Aggregator) Submit(ctx context.Context, payload dataType.VotePayload) (dataType.VoteOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.submit(ctx, payload)
}

func (a *Aggregator) submit(ctx context.Context, payload dataType.VotePayload) (dataType.VoteOutcome, error) {
	if err := payload.Validate(); err != nil {
		return dataType.VoteOutcome{}, err
	}

	soon, staleness, err := a.tooSoon(ctx)
	if err != nil {
		return dataType.VoteOutcome{}, err
	}
	if soon {
		return dataType.VoteOutcome{
			Status:  dataType.VoteTooSoon,
			Message: fmt.Sprintf("last vote was %s ago, interval is %s", staleness.Round(time.Second), a.interval),
			Votes:   len(payload.UIDs),
		}, nil
	}

	if len(payload.UIDs) < a.minNumWeights {
		return dataType.VoteOutcome{
			Status:        dataType.VoteTooFewWeights,
			Message:       "The votes are too low",
			Votes:         len(payload.UIDs),
			MinNumWeights: a.minNumWeights,
		}, nil
	}

	receipt, err := a.registry.SubmitVote(ctx, payload, a.network, a.subnet)
	if err != nil {
		return dataType.VoteOutcome{}, fmt.Errorf("failed to submit vote: %w", err)
	}
	if err := a.storage.Put(ctx, a.votePath, payload); err != nil {
		return dataType.VoteOutcome{}, fmt.Errorf("vote submitted but not saved: %w", err)
	}

	return dataType.VoteOutcome{
		Status:  dataType.VoteVoted,
		Success: true,
		Message: "Voted",
		Votes:   len(payload.UIDs),
		Payload: &payload,
		Receipt: receipt,
	}, nil
}

func (a *Aggregator) vote(ctx context.Context) (dataType.VoteOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	soon, staleness, err := a.tooSoon(ctx)
	if err != nil {
		return dataType.VoteOutcome{}, err
	}
	if soon {
		return dataType.VoteOutcome{
			Status:  dataType.VoteTooSoon,
			Message: fmt.Sprintf("last vote was %s ago, interval is %s", staleness.Round(time.Second), a.interval),
		}, nil
	}

	payload, err := a.BuildVote(ctx, a.minScore)
	if err != nil {
		return dataType.VoteOutcome{}, err
	}
	return a.submit(ctx, payload)
}

// Vote builds and submits a vote. Every failure comes back as a FAILED
// outcome so callers on a timer never see an error.
func (a *Aggregator) Vote(ctx context.Context) dataType.VoteOutcome {
	outcome, err := a.vote(ctx)
	if err != nil {
		outcome = dataType.VoteOutcome{
			Status: dataType.VoteFailed,
			Error:  err.Error(),
		}
		a.logger.Error("vote failed", zap.String("network", a.network), zap.Error(err))
	} else {
		a.logger.Info("vote attempted",
			zap.String("status", string(outcome.Status)),
			zap.Int("votes", outcome.Votes),
			zap.String("msg", outcome.Message))
	}
	a.metrics.RecordVote(string(outcome.Status))
	return outcome
}
