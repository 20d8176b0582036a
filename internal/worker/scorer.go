package worker

import (
	"context"
	"fmt"

	"module_vali/internal/rpc"
)

// Scorer turns a live peer into a raw score in [0,1].
type Scorer interface {
	Score(ctx context.Context, client rpc.Client) (float64, error)
}

type ScorerFunc func(ctx context.Context, client rpc.Client) (float64, error)

func (f ScorerFunc) Score(ctx context.Context, client rpc.Client) (float64, error) {
	return f(ctx, client)
}

// InfoScorer gives full marks to any peer answering its info call with
// an identity.
type InfoScorer struct{}

func (InfoScorer) Score(ctx context.Context, client rpc.Client) (float64, error) {
	info, err := client.Info(ctx)
	if err != nil {
		return 0, err
	}
	if _, ok := info["name"]; !ok {
		return 0, fmt.Errorf("info from %s has no name", client.Address())
	}
	return 1, nil
}
