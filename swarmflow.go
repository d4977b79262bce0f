// Package swarmflow provides a top-level convenience entry point for
// embedding the swarm coordination engine in another process.
//
// Usage:
//
//	import "github.com/BaSui01/swarmflow"
//
//	engine, err := swarmflow.New(myExecutor)
//	run, err := engine.Registry.Start(ctx, task, agents, 0)
//
// The full service binary lives in cmd/swarmflow; this facade wires
// the same components with in-process defaults and no HTTP surface.
package swarmflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/pool"
	"github.com/BaSui01/swarmflow/stream"
	"github.com/BaSui01/swarmflow/swarm"
)

// Version is the library version, kept in sync with release tags.
const Version = "0.1.0"

// Engine bundles the wired components of one swarm coordination stack.
type Engine struct {
	Pool     *pool.Manager
	Hub      *stream.Hub
	Registry *swarm.Registry
}

// Option configures the engine created by [New].
type Option func(*options)

type options struct {
	logger      *zap.Logger
	poolConfig  pool.Config
	swarmConfig swarm.Config
	hubConfig   stream.Config
	cache       stream.ReplayCache
	archiver    swarm.Archiver
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithPoolConfig overrides the agent pool configuration.
func WithPoolConfig(cfg pool.Config) Option {
	return func(o *options) { o.poolConfig = cfg }
}

// WithSwarmConfig overrides the coordinator configuration.
func WithSwarmConfig(cfg swarm.Config) Option {
	return func(o *options) { o.swarmConfig = cfg }
}

// WithHubConfig overrides the event hub configuration.
func WithHubConfig(cfg stream.Config) Option {
	return func(o *options) { o.hubConfig = cfg }
}

// WithReplayCache sets the replay cache backend, such as a
// [stream.RedisReplayCache]. Defaults to the in-process cache.
func WithReplayCache(cache stream.ReplayCache) Option {
	return func(o *options) { o.cache = cache }
}

// WithArchiver persists terminal executions, such as a [store.Archive].
func WithArchiver(archiver swarm.Archiver) Option {
	return func(o *options) { o.archiver = archiver }
}

// New wires a pool, hub, coordinator, and registry around the given
// executor with default configuration.
func New(executor swarm.Executor, opts ...Option) (*Engine, error) {
	o := &options{
		poolConfig:  pool.DefaultConfig(),
		swarmConfig: swarm.DefaultConfig(),
		hubConfig:   stream.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}

	poolMgr := pool.NewManager(o.poolConfig, nil, o.logger)
	hub := stream.NewHub(o.hubConfig, o.cache, o.logger)
	coordinator := swarm.NewCoordinator(o.swarmConfig, poolMgr, hub, executor, nil, o.logger)
	registry := swarm.NewRegistry(coordinator, poolMgr, hub, o.archiver, o.logger)

	return &Engine{Pool: poolMgr, Hub: hub, Registry: registry}, nil
}

// Close force-stops every live execution and waits for them to finish.
func (e *Engine) Close(ctx context.Context) error {
	return e.Registry.Close(ctx)
}
