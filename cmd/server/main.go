package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/initiative-engine/internal/approval"
	"github.com/t77yq/initiative-engine/internal/checkpoint"
	"github.com/t77yq/initiative-engine/internal/event"
	"github.com/t77yq/initiative-engine/internal/executor"
	"github.com/t77yq/initiative-engine/internal/model"
	"github.com/t77yq/initiative-engine/internal/orchestrator"
	"github.com/t77yq/initiative-engine/internal/plan"
	"github.com/t77yq/initiative-engine/internal/replan"
	"github.com/t77yq/initiative-engine/internal/scheduler"
)

// PhaseDecomposer is a rule-based stand-in for an LLM-backed planner.
// It splits any goal into the same four delivery phases.
type PhaseDecomposer struct {
	logger *zap.Logger
}

func (d *PhaseDecomposer) Decompose(ctx context.Context, req plan.Request) (*plan.Result, error) {
	d.logger.Info("Decomposing goal", zap.String("goal", req.Goal))

	tasks := []model.Task{
		{
			ID:              "analyze",
			Title:           "Analyze requirements",
			Description:     fmt.Sprintf("Analyze requirements for: %s", req.Goal),
			Type:            model.TaskTypeAnalysis,
			Priority:        model.TaskPriorityHigh,
			EstimatedHours:  4,
			SuccessCriteria: []string{"requirements documented"},
		},
		{
			ID:              "build",
			Title:           "Build the solution",
			Description:     "Implement the work identified in analysis",
			Type:            model.TaskTypeDevelopment,
			Priority:        model.TaskPriorityHigh,
			EstimatedHours:  16,
			Dependencies:    []string{"analyze"},
			SuccessCriteria: []string{"implementation merged"},
		},
		{
			ID:              "verify",
			Title:           "Verify the solution",
			Description:     "Test the implementation against the success criteria",
			Type:            model.TaskTypeTesting,
			Priority:        model.TaskPriorityMedium,
			EstimatedHours:  6,
			Dependencies:    []string{"build"},
			SuccessCriteria: []string{"tests green"},
		},
		{
			ID:              "handoff",
			Title:           "Hand off and document",
			Description:     "Write up the outcome and notify stakeholders",
			Type:            model.TaskTypeDocumentation,
			Priority:        model.TaskPriorityLow,
			EstimatedHours:  2,
			Dependencies:    []string{"verify"},
			SuccessCriteria: []string{"runbook updated"},
		},
	}

	return &plan.Result{
		Tasks:                  tasks,
		ExecutionPhases:        []string{"analysis", "development", "testing", "documentation"},
		CriticalPath:           []string{"analyze", "build", "verify", "handoff"},
		TotalEstimatedHours:    28,
		SuggestedTimelineWeeks: 2,
	}, nil
}

// SimulatedDevelopmentExecutor stands in for a real coding agent: it
// accepts development tasks and completes them after a short delay.
type SimulatedDevelopmentExecutor struct {
	logger *zap.Logger
}

func (e *SimulatedDevelopmentExecutor) Name() string { return "simulated-development" }

func (e *SimulatedDevelopmentExecutor) CanExecute(task model.Task) bool {
	return task.Type == model.TaskTypeDevelopment
}

func (e *SimulatedDevelopmentExecutor) Execute(ctx context.Context, task model.Task, _ model.ExecutionContext) (*model.TaskResult, error) {
	e.logger.Info("Simulating development work",
		zap.String("task_id", task.ID),
		zap.String("title", task.Title))

	start := time.Now()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Second):
	}

	return &model.TaskResult{
		TaskID:      task.ID,
		Outcome:     model.OutcomeCompleted,
		Result:      "simulated implementation complete",
		CompletedAt: time.Now(),
		Duration:    time.Since(start),
	}, nil
}

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	if err := viper.ReadInConfig(); err != nil {
		logger.Fatal("Failed to read config file", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Event bus; optionally bridged to JetStream for external consumers
	bus := event.NewBus(logger)
	bus.SubscribeAll(func(name string, payload event.Payload) {
		logger.Info("Event", zap.String("event", name), zap.Any("payload", map[string]interface{}(payload)))
	})

	if viper.GetBool("nats.enabled") {
		nc := connectNATS(logger)
		if nc != nil {
			defer nc.Close()
			js, err := nc.JetStream()
			if err != nil {
				logger.Fatal("Failed to create JetStream context", zap.Error(err))
			}
			publisher, err := event.NewNATSPublisher(js, logger)
			if err != nil {
				logger.Fatal("Failed to create event publisher", zap.Error(err))
			}
			bus.SubscribeAll(publisher.Observe)
		}
	}

	// Durable stores
	checkpointStore, err := checkpoint.NewSQLiteStore(logger, viper.GetString("storage.checkpoint_db"))
	if err != nil {
		logger.Fatal("Failed to open checkpoint store", zap.Error(err))
	}
	defer checkpointStore.Close()

	initiativeStore, err := orchestrator.NewSQLiteInitiativeStore(logger, viper.GetString("storage.initiative_db"))
	if err != nil {
		logger.Fatal("Failed to open initiative store", zap.Error(err))
	}
	defer initiativeStore.Close()

	// Executors
	registry := executor.NewRegistry(logger)
	registry.Register(executor.NewAnalysisExecutor(logger))
	registry.Register(executor.NewCoordinationExecutor(logger))
	registry.Register(&SimulatedDevelopmentExecutor{logger: logger.Named("dev-executor")})
	if viper.GetBool("docker.enabled") {
		deployExecutor, err := executor.NewDeploymentExecutor(logger)
		if err != nil {
			logger.Warn("Docker unavailable, deployment tasks will not run", zap.Error(err))
		} else {
			registry.Register(deployExecutor)
		}
	}

	// Scheduler with host resource backpressure
	resources := scheduler.NewResourceMonitor(
		scheduler.DefaultResourceThresholds(),
		viper.GetDuration("resources.sample_interval"),
		logger)
	resources.Start(ctx)
	defer resources.Stop()

	approvals := approval.NewMemoryRecorder(logger)
	sched := scheduler.New(registry, approvals, logger,
		scheduler.WithEvents(bus),
		scheduler.WithResourceMonitor(resources),
		scheduler.WithTickInterval(viper.GetDuration("engine.tick_interval")))

	decomposer := &PhaseDecomposer{logger: logger.Named("decomposer")}
	replanner := replan.New(decomposer, replan.DefaultPolicy(), logger)

	// Registry of running orchestrators with a periodic checkpoint sweep
	engineRegistry := orchestrator.NewRegistry(logger)
	defer engineRegistry.Close()
	if err := engineRegistry.StartSweep(viper.GetString("engine.checkpoint_sweep")); err != nil {
		logger.Fatal("Failed to start checkpoint sweep", zap.Error(err))
	}

	deps := orchestrator.Dependencies{
		Decomposer:  decomposer,
		Scheduler:   sched,
		Approvals:   approvals,
		Checkpoints: checkpointStore,
		Initiatives: initiativeStore,
		Replanner:   replanner,
		Events:      bus,
	}
	cfg := orchestrator.Config{
		TickInterval:       viper.GetDuration("engine.tick_interval"),
		CheckpointInterval: viper.GetDuration("engine.checkpoint_interval"),
		AutoApproveReplans: viper.GetBool("engine.auto_approve_replans"),
	}

	// Run one example initiative end to end
	engine := orchestrator.New(deps, cfg, logger)
	ectx := model.ExecutionContext{
		OrgID:              viper.GetString("app.org_id"),
		Owner:              viper.GetString("app.owner"),
		Mode:               model.ExecutionMode(viper.GetString("engine.mode")),
		AutoApproveLowRisk: viper.GetBool("engine.auto_approve_low_risk"),
		MaxParallelTasks:   viper.GetInt("engine.max_parallel_tasks"),
		ExecutionTimeout:   viper.GetDuration("engine.execution_timeout"),
		RetryFailedTasks:   viper.GetBool("engine.retry_failed_tasks"),
		MaxRetries:         viper.GetInt("engine.max_retries"),
	}

	initiative, err := engine.Start(ctx,
		"Example initiative",
		"demonstrate the execution engine end to end",
		ectx)
	if err != nil {
		logger.Fatal("Failed to start initiative", zap.Error(err))
	}
	if err := engineRegistry.Add(engine); err != nil {
		logger.Fatal("Failed to register orchestrator", zap.Error(err))
	}

	if err := engine.Execute(ctx); err != nil && err != context.Canceled {
		logger.Error("Initiative execution ended with error", zap.Error(err))
	}

	final := engine.Initiative()
	logger.Info("Initiative finished",
		zap.String("initiative_id", initiative.ID),
		zap.String("status", string(final.Status)),
		zap.Int("checkpoints", len(final.CheckpointIDs)))
}

// connectNATS dials the configured NATS server with retry. Returns nil
// when the broker stays unreachable; the engine runs fine without it.
func connectNATS(logger *zap.Logger) *nats.Conn {
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(viper.GetString("nats.url"), opts...)
		if err == nil {
			logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
			return nc
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	logger.Error("NATS unreachable, continuing without event forwarding", zap.Error(err))
	return nil
}
