package container

import (
	"context"
	"fmt"

	"github.com/lyzr/procflow/common/config"
	"github.com/lyzr/procflow/common/engine"
	"github.com/lyzr/procflow/common/logger"
	"github.com/lyzr/procflow/common/modelstore"
	"github.com/lyzr/procflow/common/script"
	"github.com/lyzr/procflow/common/store"
)

// Container owns every long-lived component of the process server and
// wires them together once at startup.
type Container struct {
	Config *config.Config
	Logger *logger.Logger
	Store  store.DocumentStore
	Locker *store.Locker
	Models *modelstore.Store
	Engine *engine.Engine

	bridge *engine.Bridge
	timers *engine.TimerStarter
}

func New(ctx context.Context, serviceName string) (*Container, error) {
	cfg, err := config.Load(serviceName)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	docStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	locker, err := store.NewLocker(ctx, docStore, log)
	if err != nil {
		return nil, fmt.Errorf("locker: %w", err)
	}
	if swept, err := locker.Sweep(ctx, cfg.Engine.LockSweepAge); err != nil {
		log.Error("lock sweep failed", "error", err)
	} else if swept > 0 {
		log.Info("swept stale locks", "count", swept)
	}

	models, err := modelstore.New(ctx, docStore, log)
	if err != nil {
		return nil, fmt.Errorf("model store: %w", err)
	}

	scripts, err := script.NewCELHandler()
	if err != nil {
		return nil, fmt.Errorf("script handler: %w", err)
	}

	eng, err := engine.New(ctx, engine.Opts{
		Store:     docStore,
		Locker:    locker,
		Models:    models,
		Scripts:   scripts,
		Delegates: engine.NewRegistry(),
		Config:    cfg.Engine,
		Log:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	c := &Container{
		Config: cfg,
		Logger: log,
		Store:  docStore,
		Locker: locker,
		Models: models,
		Engine: eng,
	}

	if cfg.Events.RedisAddr != "" {
		bridge, err := engine.NewBridge(ctx, cfg.Events, log)
		if err != nil {
			return nil, fmt.Errorf("event bridge: %w", err)
		}
		eng.Listen(bridge.Listener())
		c.bridge = bridge
	}

	c.timers = engine.NewTimerStarter(eng, cfg.Engine.TimerPollInterval)
	go c.timers.Run(ctx)

	return c, nil
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.DocumentStore, error) {
	switch cfg.Store.Backend {
	case "mongo":
		return store.NewMongoStore(ctx, cfg.Store.MongoURI, cfg.Store.MongoDB, log)
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.PostgresURL(), cfg.Store.MaxConns, cfg.Store.MinConns, log)
	case "memory", "":
		return store.NewMemoryStore(log), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// Shutdown stops background workers and closes connections
func (c *Container) Shutdown(ctx context.Context) {
	if c.timers != nil {
		c.timers.Stop()
	}
	c.Engine.Shutdown()
	if c.bridge != nil {
		if err := c.bridge.Close(); err != nil {
			c.Logger.Error("bridge close failed", "error", err)
		}
	}
	if err := c.Store.Close(ctx); err != nil {
		c.Logger.Error("store close failed", "error", err)
	}
}
