// Package bootstrap assembles C1–C13 into a running App from a loaded
// config.Config (C12's "wiring" responsibility).
package bootstrap

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/goadesign/parallax/internal/audit"
	"github.com/goadesign/parallax/internal/config"
	"github.com/goadesign/parallax/internal/consensus"
	"github.com/goadesign/parallax/internal/federation"
	"github.com/goadesign/parallax/internal/health"
	"github.com/goadesign/parallax/internal/httpapi"
	"github.com/goadesign/parallax/internal/lock"
	"github.com/goadesign/parallax/internal/patternstore"
	"github.com/goadesign/parallax/internal/redisutil"
	"github.com/goadesign/parallax/internal/runtimeprovider/localprovider"
	"github.com/goadesign/parallax/internal/schedule"
	"github.com/goadesign/parallax/internal/statebus"
	"github.com/goadesign/parallax/internal/telemetry"
	"github.com/goadesign/parallax/internal/trigger"
	"github.com/goadesign/parallax/internal/workflow"
)

// App is the fully wired control-plane process.
type App struct {
	Config *config.Config

	Redis     *redis.Client
	StateBus  statebus.Bus
	Consensus consensus.Client
	Locks     lock.Service
	Health    health.Tracker

	Patterns   *patternstore.Store
	Federation *federation.Federation
	Workflow   *workflow.Engine
	Schedules  schedule.Store
	Scheduler  *schedule.Scheduler
	Triggers   *trigger.Store
	Audit      audit.Sink

	HTTP *httpapi.Server

	logger telemetry.Logger
}

// executor adapts Workflow+Patterns to the PatternExecutor interfaces
// needed by the scheduler (C9) and trigger dispatcher (C10), and records
// an audit event for every pattern execution.
type executor struct {
	patterns *patternstore.Store
	engine   *workflow.Engine
	sink     audit.Sink
}

func (e *executor) ExecutePattern(ctx context.Context, patternName string, input any) error {
	pattern, err := e.patterns.Get(patternName)
	if err != nil {
		return err
	}
	result, err := e.engine.Run(ctx, pattern, input)
	if err != nil {
		e.sink.Record(ctx, audit.Event{Type: audit.EventWorkflowFailed, Subject: patternName, Details: map[string]any{"error": err.Error()}})
		return err
	}
	e.sink.Record(ctx, audit.Event{Type: audit.EventWorkflowCompleted, Subject: result.ExecutionID, Details: map[string]any{"pattern": patternName}})
	return nil
}

// New assembles every component per cfg. Patterns must be registered on
// the returned App.Patterns before any schedule/trigger referencing them
// fires.
func New(cfg *config.Config, logger telemetry.Logger) (*App, error) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = ulid.Make().String()
	}

	app := &App{Config: cfg, logger: logger}
	keys := redisutil.Keys{AppPrefix: cfg.AppPrefix}

	auditSink := audit.NewLogSink(logger)
	app.Audit = auditSink

	patterns := patternstore.New()
	app.Patterns = patterns

	fed := federation.New(federation.Config{Logger: logger})
	app.Federation = fed
	local := localprovider.New("local")
	fed.Register(context.Background(), "local", "local", local, 0)

	if cfg.HAEnabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		app.Redis = rdb

		cons := consensus.New(consensus.Config{
			Redis: rdb, Keys: keys, InstanceID: instanceID,
			LeaseTTL: cfg.LeaseTTL, Logger: logger,
		})
		app.Consensus = cons

		app.Locks = lock.New(lock.Config{Redis: rdb, Keys: keys, Logger: logger})

		bus := statebus.New(context.Background(), statebus.Config{Redis: rdb, Keys: keys, InstanceID: instanceID, Logger: logger})
		app.StateBus = bus

		app.Health = health.New(health.Config{
			Bus: bus, Consensus: cons, InstanceID: instanceID,
			Interval: cfg.HeartbeatInterval, Timeout: cfg.HeartbeatTimeout, Logger: logger,
		})
	} else {
		app.Consensus = alwaysLeader{}
		app.Locks = lock.NewLocal()
	}

	engine := workflow.New(workflow.Config{Federation: fed, Logger: logger})
	app.Workflow = engine

	exec := &executor{patterns: patterns, engine: engine, sink: auditSink}

	scheduleStore := schedule.NewMemStore()
	app.Schedules = scheduleStore
	app.Scheduler = schedule.New(schedule.Config{
		Store: scheduleStore, Locks: app.Locks, Consensus: app.Consensus,
		Executor: exec, Logger: logger, PollInterval: cfg.SchedulerPollInterval,
	})

	triggerStore := trigger.NewStore()
	app.Triggers = triggerStore

	app.HTTP = httpapi.New(httpapi.Config{
		Federation: fed, RuntimeName: "local", RuntimeType: "local",
		Triggers: triggerStore, PatternExecutor: exec,
		Schedules: scheduleStore, Scheduler: app.Scheduler, Logger: logger,
	})

	return app, nil
}

// Run starts every background loop (health heartbeat, consensus campaign,
// scheduler poll) and blocks until ctx is done.
func (app *App) Run(ctx context.Context) {
	if app.Consensus != nil {
		app.Consensus.Start(ctx)
		defer app.Consensus.Stop()
	}
	if app.Health != nil {
		app.Health.Start(ctx)
		defer app.Health.Stop()
	}
	go app.Scheduler.Run(ctx)
	<-ctx.Done()
}

// alwaysLeader implements consensus.Client for single-replica/dev mode
// (PARALLAX_HA_ENABLED=false), per SPEC_FULL.md §4.12.
type alwaysLeader struct{}

func (alwaysLeader) Start(ctx context.Context) {}
func (alwaysLeader) Stop()                     {}
func (alwaysLeader) IsLeader() bool            { return true }
func (alwaysLeader) LeaderID() (string, bool)  { return "", false }
func (alwaysLeader) WaitForLeadership(ctx context.Context, timeout time.Duration) bool {
	return true
}
func (alwaysLeader) Subscribe() <-chan consensus.Event { return make(chan consensus.Event) }
func (alwaysLeader) Unsubscribe(ch <-chan consensus.Event) {}
