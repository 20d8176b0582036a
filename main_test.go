package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"module_vali/internal/dataType"
	"module_vali/internal/score"
)

func writeConfig(t *testing.T, backend string) string {
	t.Helper()
	base := t.TempDir()
	body := `
network: local
tag: test
log_level: warn
storage:
  backend: ` + backend + `
  path: ` + filepath.Join(base, "data") + `
peers:
  - name: model.a
    address: 127.0.0.1:9001
    key: key-a
    uid: 1
  - name: model.b
    address: 127.0.0.1:9002
    key: key-b
    uid: 2
`
	require.NoError(t, os.MkdirAll(filepath.Join(base, "config"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "config", "vali.yml"), []byte(body), 0644))
	return base
}

func TestNewAppWiresStaticRegistry(t *testing.T) {
	for _, backend := range []string{"file", "sqlite", "badger"} {
		t.Run(backend, func(t *testing.T) {
			a, err := newApp(writeConfig(t, backend))
			require.NoError(t, err)
			defer a.Close()
			ctx := context.Background()

			a.refresh(ctx)
			assert.Equal(t, 2, a.sup.RunInfo(ctx).Peers)
			assert.Equal(t, "test.local", a.cfg.StoragePath())

			_, err = a.store.Merge(ctx, "model.a", score.Update{Raw: 1, Success: true, Key: "key-a"})
			require.NoError(t, err)
			board, err := a.store.Leaderboard(ctx, a.cfg.VoteStalenessMax)
			require.NoError(t, err)
			require.Len(t, board, 1)

			outcome := a.sup.Vote(ctx)
			require.Equal(t, dataType.VoteVoted, outcome.Status, outcome.Error)
			assert.Equal(t, []int{1}, outcome.Payload.UIDs)

			require.NoError(t, runRefreshStatsCmd(a, refreshStatsCmd, nil))
			n, err := a.store.Count(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "config"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "config", "vali.yml"), []byte("alpha: 3\n"), 0644))
	_, err := newApp(base)
	assert.Error(t, err)
}
