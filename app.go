package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"module_vali/internal/config"
	"module_vali/internal/directory"
	"module_vali/internal/metrics"
	"module_vali/internal/rpc"
	"module_vali/internal/score"
	"module_vali/internal/server"
	"module_vali/internal/storage"
	"module_vali/internal/supervisor"
	"module_vali/internal/utils"
	"module_vali/internal/vote"
	"module_vali/internal/worker"
)

// app holds every component of one node, wired from the main config.
type app struct {
	cfg     *config.MainConfig
	logs    *utils.LogxManager
	logger  *zap.Logger
	clock   clockwork.Clock
	storage storage.Storage
	store   *score.Store
	dir     *directory.Directory
	clients *rpc.ClientPool
	agg     *vote.Aggregator
	metrics *metrics.Metrics
	sup     *supervisor.Supervisor
}

func newApp(basePath string) (*app, error) {
	cfg, err := config.LoadMainConfig(basePath)
	missing := errors.Is(err, fs.ErrNotExist)
	if err != nil && !missing {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	logs := utils.NewManager(cfg.LogPath, cfg.LogLevel)
	logger := logs.Logger("main")
	if missing {
		logger.Warn("config file not found, using defaults", zap.String("prefix", basePath))
	}

	st, err := storage.Open(cfg.Storage)
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open storage failed: %w", err)
	}

	var registry directory.Registry
	if cfg.RegistryURL != "" {
		registry = directory.NewHTTPRegistry(cfg.RegistryURL, cfg.KeyName, cfg.Secret, cfg.Timeout)
	} else {
		registry = directory.NewStaticRegistry(cfg.Peers)
	}

	clock := clockwork.NewRealClock()
	m := metrics.New()
	store := score.New(st, cfg, clock)
	dir := directory.New(registry, cfg, clock, logs.Logger("directory"))
	clients := rpc.NewClientPool(rpc.HTTPConnector{Options: rpc.Options{
		KeyName: cfg.KeyName,
		Secret:  cfg.Secret,
		HTTP:    &http.Client{},
		Logger:  logs.Logger("rpc"),
	}}, logs.Logger("rpc"))
	agg := vote.New(st, store, registry, cfg, clock, logs.Logger("vote"), m)

	sup := supervisor.New(supervisor.Options{
		Config:     cfg,
		Directory:  dir,
		Store:      store,
		Clients:    clients,
		Scorer:     worker.InfoScorer{},
		Aggregator: agg,
		Clock:      clock,
		Metrics:    m,
		Logger:     logs.Logger,
	})

	return &app{
		cfg:     cfg,
		logs:    logs,
		logger:  logger,
		clock:   clock,
		storage: st,
		store:   store,
		dir:     dir,
		clients: clients,
		agg:     agg,
		metrics: m,
		sup:     sup,
	}, nil
}

// refresh resolves the directory once; commands that only read the store
// keep going when the registry is down.
func (a *app) refresh(ctx context.Context) {
	if err := a.dir.Refresh(ctx); err != nil {
		a.logger.Warn("directory refresh failed", zap.Error(err))
	}
}

func (a *app) statusServer() (*server.Server, error) {
	return server.NewServer(a.cfg, a.sup, a.metrics, a.clock, a.logs.Logger("server"))
}

func (a *app) Close() {
	a.clients.Close()
	if err := a.storage.Close(); err != nil {
		a.logger.Warn("failed to close storage", zap.Error(err))
	}
	a.logs.Close()
}
