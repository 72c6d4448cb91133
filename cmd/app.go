package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"pouw-captcha/apiconfig"
	"pouw-captcha/coordinator"
	"pouw-captcha/difficulty"
	"pouw-captcha/groundtruth"
	"pouw-captcha/internal/events"
	"pouw-captcha/internal/nats_server"
	adminserver "pouw-captcha/internal/server/admin"
	"pouw-captcha/internal/store"
	"pouw-captcha/internal/validation"
	"pouw-captcha/logging"
	"pouw-captcha/registry"
	"pouw-captcha/risk"
	"pouw-captcha/shards"
)

// app is the wired engine. Every field past cfg is built by newApp and torn
// down by Close in reverse order.
type app struct {
	cfg apiconfig.Config

	registry    *registry.Registry
	shards      *shards.Manager
	cache       *groundtruth.Cache
	store       store.Store
	reputation  risk.ReputationClient
	scorer      *risk.Scorer
	coordinator *coordinator.Coordinator
	validator   *validation.InferenceValidator
	publisher   *events.Publisher

	watcher    *shards.Watcher
	natsServer nats_server.NatsServer
	nc         *nats.Conn
	admin      *adminserver.Server
}

func newApp(ctx context.Context, cfg apiconfig.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err = os.MkdirAll(cfg.Models.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create models dir %s", cfg.Models.Dir)
	}
	a.registry = registry.New(cfg.Models.Dir)
	if err = a.registry.Load(ctx); err != nil {
		return nil, err
	}
	a.shards = shards.NewManager(cfg.Models.Dir, a.registry)
	if err = a.shards.Load(ctx); err != nil {
		return nil, err
	}

	a.cache = groundtruth.New(cfg.GroundTruth.Dir, a.registry)
	if _, err = a.cache.Load(); err != nil {
		return nil, err
	}

	if a.store, err = newStore(ctx, cfg.Redis); err != nil {
		return nil, err
	}
	a.reputation = risk.NewStoreReputation(a.store, cfg.Risk.ReputationConfig())

	if cfg.Nats.Enabled {
		if err = a.connectNats(); err != nil {
			return nil, err
		}
		a.reputation = events.NewPublishingReputation(a.reputation, a.publisher)
	}

	a.scorer = risk.NewScorer(cfg.Risk.ScorerConfig(), a.store, a.reputation)
	policy := difficulty.NewPolicy(cfg.Difficulty.PolicyConfig())
	a.coordinator = coordinator.New(cfg.CoordinatorConfig(), policy, a.shards, a.cache).
		WithModelForward(a.shards.Forward)
	a.validator = validation.NewInferenceValidator(cfg.ValidatorConfig(), a.cache, a.shards, a.reputation)

	a.admin = adminserver.NewServer(adminserver.Components{
		Registry:     a.registry,
		Shards:       a.shards,
		Cache:        a.cache,
		Coordinator:  a.coordinator,
		Scorer:       a.scorer,
		Validator:    a.validator,
		DefaultModel: cfg.Models.DefaultModel,
	})
	return a, nil
}

func newStore(ctx context.Context, cfg apiconfig.RedisConfig) (store.Store, error) {
	if !cfg.Enabled {
		logging.Info("Using in-memory signal store", logging.System)
		return store.NewMemory(), nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	redisStore, err := store.DialRedis(dialCtx, cfg.Url, cfg.Addr, cfg.DB)
	if err != nil {
		return nil, err
	}
	logging.Info("Using redis signal store", logging.System, "addr", cfg.Addr)
	return redisStore, nil
}

func (a *app) connectNats() error {
	cfg := a.cfg.Nats
	subjects := events.Subjects{Reputation: cfg.ReputationSubject, Golden: cfg.GoldenSubject}
	url := cfg.Url
	if cfg.Embedded {
		a.natsServer = nats_server.NewServer(nats_server.Config{
			Host:       cfg.Host,
			Port:       cfg.Port,
			StorageDir: cfg.StorageDir,
			TestMode:   cfg.TestMode,
			Subjects:   []string{subjects.Reputation, subjects.Golden},
		})
		if err := a.natsServer.Start(); err != nil {
			return err
		}
		url = a.natsServer.ClientURL()
	}

	nc, err := events.Connect(url, "pouw-captcha")
	if err != nil {
		return errors.Wrapf(err, "connect to nats at %s", url)
	}
	a.nc = nc

	if cfg.Embedded {
		a.publisher, err = events.NewJetStreamPublisher(nc, subjects)
		if err != nil {
			return err
		}
	} else {
		a.publisher = events.NewPublisher(nc, subjects)
	}
	logging.Info("Connected to nats", logging.Events, "url", url, "jetstream", cfg.Embedded)
	return nil
}

// Start launches the admin server and, when enabled, the models watcher.
func (a *app) Start(ctx context.Context) error {
	if a.cfg.Models.Watch {
		watcher, err := shards.NewWatcher(a.cfg.Models.Dir, a.cfg.Models.WatchDebounce, a.reloadModels)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		a.watcher = watcher
	}
	a.admin.Start(fmt.Sprintf(":%d", a.cfg.Api.AdminPort))
	return nil
}

func (a *app) reloadModels(ctx context.Context) error {
	if err := a.registry.Load(ctx); err != nil {
		return err
	}
	return a.shards.Reload(ctx)
}

// Close releases everything newApp and Start acquired. It tolerates a
// partially built app.
func (a *app) Close() {
	if a == nil {
		return
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.admin.Shutdown(ctx); err != nil {
			logging.Warn("Admin server shutdown failed", logging.Server, "error", err)
		}
		cancel()
	}
	if a.cache != nil && a.cfg.GroundTruth.SaveOnShutdown && a.cache.Len() > 0 {
		if err := a.cache.Save(""); err != nil {
			logging.Error("Failed to save ground truth", logging.GroundTruth, "error", err)
		}
	}
	if a.nc != nil {
		a.nc.Close()
	}
	if a.natsServer != nil {
		a.natsServer.Shutdown()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logging.Warn("Signal store close failed", logging.System, "error", err)
		}
	}
}
