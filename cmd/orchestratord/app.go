package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flowmesh/orchestrator/internal/bus"
	"github.com/flowmesh/orchestrator/internal/cache"
	"github.com/flowmesh/orchestrator/internal/coalesce"
	"github.com/flowmesh/orchestrator/internal/config"
	"github.com/flowmesh/orchestrator/internal/corelog"
	"github.com/flowmesh/orchestrator/internal/graph"
	"github.com/flowmesh/orchestrator/internal/plan"
	"github.com/flowmesh/orchestrator/internal/provider"
	"github.com/flowmesh/orchestrator/internal/redisconn"
	"github.com/flowmesh/orchestrator/internal/resilience"
	"github.com/flowmesh/orchestrator/internal/sse"
	"github.com/flowmesh/orchestrator/internal/telemetry"
)

// App composes every internal package into one running orchestrator
// instance: logger, telemetry, Redis, bus, resilience, router, SSE, cache,
// and factory all built once and handed to the parts that need them.
type App struct {
	Config *config.Config
	Logger corelog.Logger
	Tel    telemetry.Telemetry

	Redis *redis.Client
	Bus   bus.Bus

	Events     *sse.EventLog
	SSEHandler *sse.Handler
	Cache      *cache.PolicyDecisionCache
	Factory    *plan.Factory
	Service    *planService
	Router     *provider.Router
	Optimizer  *coalesce.Optimizer
	Coalescer  *coalesce.Coalescer
	Profiles   map[string]*plan.AgentProfile // keyed by profile name
}

// NewApp wires every component in dependency order. plansDir
// is a directory of plan-definition YAML files and agentProfilesDir a
// directory of agent-profile markdown files (both loaded at startup).
func NewApp(cfg *config.Config, plansDir, agentProfilesDir string) (*App, error) {
	logger := corelog.NewProductionLogger(cfg.Logging.Level)

	var tel telemetry.Telemetry = telemetry.NoOp{}
	if cfg.Telemetry.Enabled {
		telProvider, err := telemetry.NewProvider(cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		tel = telProvider
	}

	var redisClient *redis.Client
	needsRedis := cfg.Bus.Distributed || cfg.Cache.L2Enabled
	if needsRedis {
		redisClient = redisconn.New(cfg.Redis)
		if err := redisconn.Ping(context.Background(), redisClient); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
	}

	var messageBus bus.Bus
	var transport bus.Transport
	if cfg.Bus.Distributed {
		transport = bus.NewRedisTransport(redisClient)
		registry := bus.NewRedisRegistry(redisClient, cfg.Redis.Namespace, cfg.Bus.RequestTimeout*2)
		db, err := bus.NewDistributed(transport, registry, cfg.Bus.InstanceID, cfg.Redis.Namespace, cfg.Bus.RequestTimeout, logger)
		if err != nil {
			return nil, fmt.Errorf("bus: %w", err)
		}
		messageBus = db
	} else {
		messageBus = bus.NewLocal(logger)
		transport = bus.NewInMemoryTransport()
	}

	rateLimitStore := resilience.Store(resilience.NewInMemoryStore())
	if redisClient != nil {
		rateLimitStore = resilience.NewRedisStore(redisClient, cfg.Redis.Namespace)
	}
	rateLimiter := resilience.NewRateLimiter(rateLimitStore, cfg.Provider.RateLimitMax, cfg.Provider.RateLimitWindow, logger)

	cbConfig := resilience.DefaultCircuitBreakerConfig()
	cbConfig.FailureThreshold = cfg.Provider.CircuitFailureThreshold
	cbConfig.ResetTimeout = cfg.Provider.CircuitResetTimeout
	circuits := resilience.NewManager(cbConfig, logger)

	// Concrete provider SDKs (OpenAI, Anthropic, Bedrock, ...) are out of
	// scope; clients is populated by operators wiring in their own
	// provider.Client adapters. An empty map still exercises ordering,
	// rate limiting, and circuit breaking against AllProvidersFailedError.
	clients := map[string]provider.Client{}
	router := provider.New(provider.Config{
		Enabled:     cfg.Provider.Enabled,
		DefaultMode: "balanced",
	}, clients, rateLimiter, circuits, logger)

	optimizer := coalesce.NewOptimizer(coalesce.LengthEstimator{}, cfg.Coalesce.MaxCompressionPct)
	coalescer := coalesce.New(time.Duration(cfg.Coalesce.WindowMs)*time.Millisecond, cfg.Coalesce.MaxCoalesced, logger)

	events := sse.NewEventLog(cfg.SSE.HistorySize, logger)
	sseHandler := sse.NewHandler(events, sse.HandlerConfig{
		PerIPQuota:      cfg.SSE.PerIPQuota,
		PerSubjectQuota: cfg.SSE.PerSubjectQuota,
		KeepAlive:       cfg.SSE.KeepAlive,
	}, logger)

	var l2 cache.L2Store
	if cfg.Cache.L2Enabled {
		l2 = cache.NewRedisL2Store(redisClient, cfg.Redis.Namespace)
	}
	policyCache := cache.New(cache.Config{
		L1Capacity: cfg.Cache.L1Capacity,
		DefaultTTL: cfg.Cache.DefaultTTL,
		L2:         l2,
		Transport:  transport,
		InstanceID: cfg.Bus.InstanceID,
		Namespace:  cfg.Redis.Namespace,
	}, logger)

	factory := plan.NewFactory(plan.WithLogger(logger))
	factory.RegisterHandler(graph.NodeTask, newChatTaskHandler(router, logger))
	// Condition/Parallel/Merge/Loop carry no type-specific handler logic of
	// their own (see passthroughHandler) but every node type materialized
	// graphs may contain still needs a registered handler or execution
	// fails with ErrNoHandler the first time a plan uses one.
	passthrough := graph.HandlerFunc(passthroughHandler)
	factory.RegisterHandler(graph.NodeCondition, passthrough)
	factory.RegisterHandler(graph.NodeParallel, passthrough)
	factory.RegisterHandler(graph.NodeMerge, passthrough)
	factory.RegisterHandler(graph.NodeLoop, passthrough)

	if plansDir != "" {
		if err := loadPlanDefinitions(factory, plansDir); err != nil {
			return nil, err
		}
	}

	service := newPlanService(factory, events, tel)

	profiles := map[string]*plan.AgentProfile{}
	if agentProfilesDir != "" {
		loaded, err := loadAgentProfiles(agentProfilesDir)
		if err != nil {
			return nil, err
		}
		profiles = loaded
		logger.Info("agent profiles loaded", map[string]interface{}{"count": len(profiles)})
	}

	app := &App{
		Config:     cfg,
		Logger:     logger,
		Tel:        tel,
		Redis:      redisClient,
		Bus:        messageBus,
		Events:     events,
		SSEHandler: sseHandler,
		Cache:      policyCache,
		Factory:    factory,
		Service:    service,
		Router:     router,
		Optimizer:  optimizer,
		Coalescer:  coalescer,
		Profiles:   profiles,
	}
	return app, nil
}

// loadAgentProfiles walks dir for *.md agent profile files and parses each
// one's YAML front-matter, keyed by the profile's declared name.
func loadAgentProfiles(dir string) (map[string]*plan.AgentProfile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("agent profiles: %w", err)
	}
	out := make(map[string]*plan.AgentProfile)
	for _, e := range entries {
		if e.IsDir() || strings.ToLower(filepath.Ext(e.Name())) != ".md" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("agent profiles: reading %s: %w", e.Name(), err)
		}
		p, err := plan.ParseAgentProfile(data)
		if err != nil {
			return nil, fmt.Errorf("agent profiles: parsing %s: %w", e.Name(), err)
		}
		out[p.Name] = p
	}
	return out, nil
}

// Close releases every resource NewApp acquired, in reverse dependency
// order, collecting (not stopping on) the first error.
func (a *App) Close(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(a.Cache.Close())
	keep(a.Bus.Shutdown(ctx))
	if a.Redis != nil {
		keep(a.Redis.Close())
	}
	if p, ok := a.Tel.(*telemetry.Provider); ok {
		keep(p.Shutdown(ctx))
	}
	return firstErr
}

// loadPlanDefinitions walks dir for *.yaml/*.yml files and registers every
// plan they define, the load-time validation pass migrate-plans also runs.
func loadPlanDefinitions(factory *plan.Factory, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("plan definitions: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("plan definitions: reading %s: %w", e.Name(), err)
		}
		defs, err := plan.LoadDefinitionsYAML(data)
		if err != nil {
			return fmt.Errorf("plan definitions: parsing %s: %w", e.Name(), err)
		}
		if err := factory.LoadDefinitions(defs); err != nil {
			return fmt.Errorf("plan definitions: registering %s: %w", e.Name(), err)
		}
	}
	return nil
}
