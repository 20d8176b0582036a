package dataType

import (
	"sync/atomic"
	"time"
)

// WorkerStats holds the counters of one evaluation worker. Calls running in
// parallel update them concurrently, so every field is atomic.
type WorkerStats struct {
	RequestsSent         atomic.Int64
	Errors               atomic.Int64
	Successes            atomic.Int64
	EvaluationsCompleted atomic.Int64
	Pending              atomic.Int64
	StartTime            time.Time
}

func NewWorkerStats(start time.Time) *WorkerStats {
	return &WorkerStats{StartTime: start}
}

type WorkerStatsSnapshot struct {
	Lifetime             float64 `json:"lifetime"`
	Pending              int64   `json:"pending"`
	RequestsSent         int64   `json:"sent"`
	Errors               int64   `json:"errors"`
	Successes            int64   `json:"successes"`
	EvaluationsCompleted int64   `json:"count"`
	Epochs               int64   `json:"epochs"`
}

func (s *WorkerStats) Snapshot(now time.Time, peerCount int) WorkerStatsSnapshot {
	completed := s.EvaluationsCompleted.Load()
	return WorkerStatsSnapshot{
		Lifetime:             now.Sub(s.StartTime).Seconds(),
		Pending:              s.Pending.Load(),
		RequestsSent:         s.RequestsSent.Load(),
		Errors:               s.Errors.Load(),
		Successes:            s.Successes.Load(),
		EvaluationsCompleted: completed,
		Epochs:               completed / int64(peerCount+1),
	}
}
