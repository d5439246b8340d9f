// Package flowmesh provides a top-level convenience entry point for running
// an in-process orchestration engine with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/flowmesh"
//
//	engine, err := flowmesh.New()
//	engine, err := flowmesh.New(flowmesh.WithBus(redisBus), flowmesh.WithStore(redisStore))
//
// The default engine wires an in-memory bus and store, suitable for
// embedding and testing. Production deployments should run cmd/flowmesh,
// which adds the WebSocket gateway, metrics and telemetry around the same
// components.
package flowmesh

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/flowmesh/breaker"
	"github.com/BaSui01/flowmesh/bus"
	"github.com/BaSui01/flowmesh/directory"
	"github.com/BaSui01/flowmesh/gateway"
	"github.com/BaSui01/flowmesh/orchestrator"
	"github.com/BaSui01/flowmesh/store"
)

// Engine bundles the orchestrator with the components it is wired to.
type Engine struct {
	Orchestrator *orchestrator.Orchestrator
	Gateway      *gateway.Gateway
	Bus          bus.Bus
	Store        store.ExecutionStore
	Directory    *directory.Directory
	Breakers     *breaker.Registry

	cancelSweep context.CancelFunc
}

type options struct {
	bus      bus.Bus
	store    store.ExecutionStore
	logger   *zap.Logger
	orch     orchestrator.Config
	breakers breaker.Config
	dir      directory.Config
	extra    []orchestrator.Option
}

// Option configures the engine created by [New].
type Option func(*options)

// WithBus sets a pre-built message bus. Defaults to an in-memory bus.
func WithBus(b bus.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithStore sets a pre-built execution store. Defaults to an in-memory store.
func WithStore(s store.ExecutionStore) Option {
	return func(o *options) { o.store = s }
}

// WithLogger sets a custom zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithOrchestratorConfig overrides the orchestrator configuration.
func WithOrchestratorConfig(cfg orchestrator.Config) Option {
	return func(o *options) { o.orch = cfg }
}

// WithBreakerConfig overrides the circuit breaker configuration.
func WithBreakerConfig(cfg breaker.Config) Option {
	return func(o *options) { o.breakers = cfg }
}

// WithDirectoryConfig overrides the agent directory configuration.
func WithDirectoryConfig(cfg directory.Config) Option {
	return func(o *options) { o.dir = cfg }
}

// WithOrchestratorOptions forwards options such as custom quality
// validators to the orchestrator.
func WithOrchestratorOptions(opts ...orchestrator.Option) Option {
	return func(o *options) { o.extra = append(o.extra, opts...) }
}

// New creates an engine with the given options.
func New(opts ...Option) (*Engine, error) {
	o := &options{
		orch:     orchestrator.DefaultConfig(),
		breakers: breaker.DefaultConfig(),
		dir:      directory.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.bus == nil {
		o.bus = bus.NewMemoryBus(o.logger)
	}
	if o.store == nil {
		o.store = store.NewMemoryStore()
	}

	dir := directory.New(o.dir, o.logger)
	breakers := breaker.NewRegistry(o.breakers, nil, o.logger)
	orch := orchestrator.New(o.orch, o.bus, dir, o.store, breakers, o.logger, o.extra...)

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	dir.Start(sweepCtx)

	return &Engine{
		Orchestrator: orch,
		Gateway:      gateway.New(orch, o.bus, o.logger),
		Bus:          o.bus,
		Store:        o.store,
		Directory:    dir,
		Breakers:     breakers,
		cancelSweep:  cancelSweep,
	}, nil
}

// Close shuts the engine down: gateway subscriptions first, then the
// orchestrator, then the transports.
func (e *Engine) Close() error {
	e.cancelSweep()
	err := e.Gateway.Close()
	if cerr := e.Orchestrator.Close(); err == nil {
		err = cerr
	}
	if cerr := e.Bus.Close(); err == nil {
		err = cerr
	}
	if cerr := e.Store.Close(); err == nil {
		err = cerr
	}
	return err
}
