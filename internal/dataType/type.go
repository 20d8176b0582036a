package dataType

import (
	"errors"
	"fmt"
	"time"
)

const ValiVersion = "0.3.0"

var ErrPayloadMismatch = errors.New("vote payload length mismatch")

// PeerRecord is the persisted evaluation state of one peer, keyed by Name.
type PeerRecord struct {
	Name      string         `json:"name"`
	Address   string         `json:"address"`
	Key       string         `json:"key,omitempty"`
	Score     float64        `json:"w"`
	Timestamp float64        `json:"timestamp"`
	Latency   float64        `json:"latency"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	History   []HistoryEntry `json:"history"`
	Metadata  map[string]any `json:"info,omitempty"`
	Staleness float64        `json:"staleness,omitempty"`
}

// HistoryEntry is a projection of a record taken right after an evaluation.
type HistoryEntry map[string]any

// NewPeerRecord returns the default record of a peer never evaluated.
func NewPeerRecord(name, address string) PeerRecord {
	return PeerRecord{
		Name:    name,
		Address: address,
		History: []HistoryEntry{},
	}
}

// LastEvaluated converts the stored timestamp back to a time.
func (r PeerRecord) LastEvaluated() time.Time {
	return FromUnixSeconds(r.Timestamp)
}

// StalenessAt is the time elapsed since the last evaluation attempt.
func (r PeerRecord) StalenessAt(now time.Time) time.Duration {
	return now.Sub(r.LastEvaluated())
}

// Snapshot projects the record onto the requested history features.
func (r PeerRecord) Snapshot(features []string) HistoryEntry {
	entry := make(HistoryEntry, len(features))
	for _, f := range features {
		switch f {
		case "score":
			entry["w"] = r.Score
		case "timestamp":
			entry["timestamp"] = r.Timestamp
		case "latency":
			entry["latency"] = r.Latency
		case "success":
			entry["success"] = r.Success
		}
	}
	return entry
}

// Clone returns a deep enough copy for callers that mutate history or metadata.
func (r PeerRecord) Clone() PeerRecord {
	out := r
	out.History = append([]HistoryEntry(nil), r.History...)
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// VotePayload is the weighted vote built from the score store.
type VotePayload struct {
	ID        string    `json:"id,omitempty"`
	Keys      []string  `json:"keys"`
	Weights   []float64 `json:"weights"`
	UIDs      []int     `json:"uids"`
	Timestamp float64   `json:"timestamp"`
}

func (v VotePayload) Validate() error {
	if len(v.Keys) != len(v.Weights) || len(v.Weights) != len(v.UIDs) {
		return fmt.Errorf("%w: keys=%d weights=%d uids=%d", ErrPayloadMismatch, len(v.Keys), len(v.Weights), len(v.UIDs))
	}
	return nil
}

type VoteStatus string

const (
	VoteVoted         VoteStatus = "VOTED"
	VoteTooSoon       VoteStatus = "TOO_SOON"
	VoteTooFewWeights VoteStatus = "TOO_FEW_WEIGHTS"
	VoteFailed        VoteStatus = "FAILED"
)

// VoteOutcome is returned by every vote attempt; failures are values, not errors.
type VoteOutcome struct {
	Status        VoteStatus   `json:"status"`
	Success       bool         `json:"success"`
	Message       string       `json:"msg"`
	Votes         int          `json:"votes"`
	MinNumWeights int          `json:"min_num_weights,omitempty"`
	Payload       *VotePayload `json:"payload,omitempty"`
	Receipt       string       `json:"receipt,omitempty"`
	Error         string       `json:"error,omitempty"`
}

// RunInfo is the aggregate status exposed by the supervisor.
type RunInfo struct {
	Lifetime      float64 `json:"lifetime"`
	VoteStaleness float64 `json:"vote_staleness"`
	VoteInterval  float64 `json:"vote_interval"`
	Errors        int64   `json:"errors"`
	Successes     int64   `json:"successes"`
	RequestsSent  int64   `json:"sent"`
	Epochs        int64   `json:"epochs"`
	EvalRate      float64 `json:"modules_per_second"`
	Workers       int     `json:"workers"`
	Restarts      int64   `json:"restarts"`
	Peers         int     `json:"n"`
}

// UnixSeconds matches the float timestamps used in stored records.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func FromUnixSeconds(s float64) time.Time {
	if s <= 0 {
		return time.Unix(0, 0)
	}
	sec := int64(s)
	return time.Unix(sec, int64((s-float64(sec))*1e9))
}
