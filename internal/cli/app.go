package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"sylvia/internal/config"
	"sylvia/internal/db"
	"sylvia/internal/memstore"
	"sylvia/internal/telemetry"
	"sylvia/pkg/achievement"
	"sylvia/pkg/agent"
	"sylvia/pkg/analytics"
	"sylvia/pkg/cache"
	"sylvia/pkg/events"
	"sylvia/pkg/llm"
	"sylvia/pkg/orchestrator"
	"sylvia/pkg/pattern"
	"sylvia/pkg/session"
	"sylvia/pkg/task"
	"sylvia/pkg/workflow"
)

// app is the wired process: stores, bus, agents and orchestrator.
type app struct {
	cfg *config.Config
	log *slog.Logger

	pool  *pgxpool.Pool
	rdb   redis.UniversalClient
	cache *cache.Redis
	bus   *events.Bus

	taskStore task.Store
	patterns  pattern.Store
	ledger    achievement.Store
	sessions  session.Store
	streams   []db.Migrator

	tasks     *task.Service
	calendar  *analytics.Aggregator
	orch      *orchestrator.Orchestrator
	telemetry *telemetry.Client
}

// stores opens the persistence layer: Postgres when a database URL is set,
// in-memory stores otherwise. Redis backs the cache in both modes.
func stores(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	a.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.cache = cache.New(a.rdb)

	var stream events.Stream
	if cfg.InMemory() {
		a.taskStore = memstore.NewTasks()
		a.patterns = memstore.NewPatterns()
		a.ledger = memstore.NewLedger(achievement.DefaultCatalog())
		a.sessions = memstore.NewSessions()
		if cfg.Events.Backend == "postgres" {
			a.close()
			return nil, errors.New("events.backend=postgres needs database.url")
		}
	} else {
		pool, err := db.Connect(ctx, cfg.Database.URL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.pool = pool
		a.taskStore = task.NewPgStore(pool)
		a.patterns = pattern.NewPgStore(pool)
		a.ledger = achievement.NewPgStore(pool)
		a.sessions = session.NewPgStore(pool)
		if cfg.Events.Backend == "postgres" {
			pg := events.NewPgStream(pool)
			a.streams = append(a.streams, pg)
			stream = pg
		}
	}
	if stream == nil {
		stream = events.NewRedisStream(a.rdb, cfg.Events.MaxLen, log)
	}
	a.bus = events.NewBus(stream)
	a.tasks = task.NewService(a.taskStore, a.patterns, a.ledger, a.cache, a.bus, log)
	a.calendar = analytics.NewAggregator(a.taskStore, a.sessions, a.cache, cfg.CalendarOptions(), log)
	return a, nil
}

// wire builds the agents and binds them to a new orchestrator. gen replaces
// the configured chat model when set.
func (a *app) wire(ctx context.Context, gen llm.Generator, daily bool) error {
	if gen == nil {
		g, err := llm.NewGenerator(ctx, a.cfg.LLMConfig(), "")
		if err != nil {
			return fmt.Errorf("chat model: %w", err)
		}
		gen = g
	}

	tel, err := telemetry.New(a.cfg.Telemetry.PosthogKey, a.cfg.Telemetry.PosthogEndpoint, a.log)
	if err != nil {
		return err
	}
	a.telemetry = tel

	runner := workflow.NewRunner(a.cache, a.cfg.WorkflowPolicy(), a.log)
	opts := a.cfg.OrchestratorOptions(daily)
	if tel.Enabled() {
		opts.OnDispatch = tel.Observe
	}
	a.orch = orchestrator.New(a.bus, opts, a.log)
	a.orch.Bind(orchestrator.Agents{
		Planner:  agent.NewPlanner(a.tasks, gen, a.bus, runner, a.log),
		Assessor: agent.NewAssessor(a.tasks, gen, a.bus, runner, a.log),
		Analyzer: agent.NewAnalyzer(a.tasks, a.sessions, gen, a.cache, a.bus, runner, a.cfg.AnalyzerConfig(), a.log),
		Users:    a.cache,
	})
	return nil
}

// migrate creates every table in foreign key order and seeds the
// achievement catalog.
func (a *app) migrate(ctx context.Context) error {
	all := []db.Migrator{a.taskStore, a.patterns, a.ledger, a.sessions}
	if err := db.Migrate(ctx, append(all, a.streams...)...); err != nil {
		return err
	}
	if err := a.ledger.Seed(ctx, achievement.DefaultCatalog()); err != nil {
		return fmt.Errorf("seed achievements: %w", err)
	}
	return nil
}

func (a *app) close() {
	if a.telemetry != nil {
		if err := a.telemetry.Close(); err != nil {
			a.log.Warn("close telemetry", "err", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn("close redis", "err", err)
		}
	}
}
