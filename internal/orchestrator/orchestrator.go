package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/initiative-engine/internal/approval"
	"github.com/t77yq/initiative-engine/internal/checkpoint"
	"github.com/t77yq/initiative-engine/internal/event"
	"github.com/t77yq/initiative-engine/internal/graph"
	"github.com/t77yq/initiative-engine/internal/model"
	"github.com/t77yq/initiative-engine/internal/plan"
	"github.com/t77yq/initiative-engine/internal/replan"
	"github.com/t77yq/initiative-engine/internal/scheduler"
)

// Config tunes one orchestrator
type Config struct {
	// TickInterval is the sleep between execution loop iterations
	TickInterval time.Duration

	// CheckpointInterval is the maximum time between automatic checkpoints
	CheckpointInterval time.Duration

	// AutoApproveReplans installs partial and full replans without a
	// human decision. Minimal replans never need one.
	AutoApproveReplans bool
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() Config {
	return Config{
		TickInterval:       250 * time.Millisecond,
		CheckpointInterval: 10 * time.Minute,
	}
}

// Dependencies are the collaborators one orchestrator drives
type Dependencies struct {
	Decomposer  plan.Decomposer
	Scheduler   *scheduler.ExecutionScheduler
	Approvals   approval.Recorder
	Checkpoints checkpoint.Store
	Initiatives InitiativeStore
	Replanner   *replan.Replanner
	Events      *event.Bus
}

// Orchestrator binds one initiative's lifecycle: decompose the goal,
// drive the scheduler tick by tick, checkpoint progress, and replan when
// execution drifts. One orchestrator owns exactly one initiative; Execute
// is the single writer of its graph, so pause and cancel take effect at
// tick boundaries.
type Orchestrator struct {
	logger *zap.Logger
	deps   Dependencies
	cfg    Config

	mu         sync.Mutex
	initiative *model.Initiative
	graph      *graph.TaskGraph
	ectx       model.ExecutionContext

	autoPolicy    *checkpoint.AutoPolicy
	lastQuarter   int32
	pauseRequest  atomic.Bool
	cancelRequest atomic.Bool
}

// New creates an orchestrator for a single initiative
func New(deps Dependencies, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	return &Orchestrator{
		logger:     logger.Named("orchestrator"),
		deps:       deps,
		cfg:        cfg,
		autoPolicy: checkpoint.NewAutoPolicy(cfg.CheckpointInterval),
	}
}

// Start decomposes the goal into a task graph, persists the initiative
// as planned, and takes the initial milestone checkpoint. It does not
// begin executing; call Execute for that.
func (o *Orchestrator) Start(ctx context.Context, title, goal string, ectx model.ExecutionContext) (*model.Initiative, error) {
	decomposed, err := o.deps.Decomposer.Decompose(ctx, plan.Request{
		Goal:  goal,
		OrgID: ectx.OrgID,
		Owner: ectx.Owner,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plan.ErrDecomposition, err)
	}

	g, err := graph.New(decomposed.Tasks)
	if err != nil {
		return nil, fmt.Errorf("decomposed plan rejected: %w", err)
	}

	now := time.Now().UTC()
	initiative := &model.Initiative{
		ID:        uuid.NewString(),
		Title:     title,
		Goal:      goal,
		Status:    model.InitiativeStatusPlanned,
		PlanID:    uuid.NewString(),
		Owner:     ectx.Owner,
		OrgID:     ectx.OrgID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ectx.InitiativeID = initiative.ID
	ectx.PlanID = initiative.PlanID

	if err := o.deps.Initiatives.Create(ctx, initiative); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.initiative = initiative
	o.graph = g
	o.ectx = ectx
	o.mu.Unlock()

	o.snapshot(ctx, model.CheckpointMilestone, "initial plan")

	o.logger.Info("Initiative planned",
		zap.String("initiative_id", initiative.ID),
		zap.String("title", title),
		zap.Int("tasks", g.Len()),
		zap.Strings("critical_path", g.CriticalPath()))

	return o.snapshotInitiative(), nil
}

// Execute runs the initiative until it completes, blocks, pauses, or the
// context is cancelled. Cancellation is cooperative: a pause checkpoint
// is taken at the next tick boundary before returning.
func (o *Orchestrator) Execute(ctx context.Context) error {
	o.mu.Lock()
	if o.initiative == nil {
		o.mu.Unlock()
		return ErrNotFound
	}
	status := o.initiative.Status
	g := o.graph
	ectx := o.ectx
	o.mu.Unlock()

	if !status.CanTransition(model.InitiativeStatusInProgress) {
		return fmt.Errorf("%w: cannot execute from %s", ErrInvalidTransition, status)
	}
	starting := status == model.InitiativeStatusPlanned

	if err := o.setStatus(ctx, model.InitiativeStatusInProgress); err != nil {
		return err
	}
	o.pauseRequest.Store(false)
	if starting {
		o.emit(event.InitiativeStarted, event.Payload{
			"initiative_id": o.initiativeID(),
			"title":         o.initiativeTitle(),
			"tasks":         g.Len(),
		})
	}

	for {
		select {
		case <-ctx.Done():
			o.pauseNow(context.WithoutCancel(ctx), "interrupted: "+ctx.Err().Error())
			return ctx.Err()
		default:
		}

		if o.cancelRequest.Load() {
			return o.setStatus(ctx, model.InitiativeStatusCancelled)
		}
		if o.pauseRequest.Load() {
			return o.pauseNow(ctx, "pause requested")
		}

		o.syncParkedApprovals(g)

		if _, fired := o.deps.Replanner.ShouldReplan(g); fired {
			newGraph, halt, err := o.replan(ctx, g, ectx)
			if err != nil {
				return err
			}
			if halt {
				return nil
			}
			if newGraph != nil {
				// The revised graph gets a tick before the triggers are
				// consulted again, so a repair can prove itself.
				g = newGraph
				o.mu.Lock()
				o.graph = g
				o.mu.Unlock()
			}
		}

		tick, err := o.deps.Scheduler.RunTick(ctx, g, ectx)
		if err != nil {
			o.snapshot(ctx, model.CheckpointError, "tick failed: "+err.Error())
			if blockErr := o.block(ctx, err.Error()); blockErr != nil {
				return blockErr
			}
			return err
		}

		progress := g.Progress()
		o.markMilestones(ctx, progress)
		if o.autoPolicy.Needed(progress) {
			o.snapshot(ctx, model.CheckpointAuto, fmt.Sprintf("automatic at %.0f%%", progress.PercentComplete))
		}

		if tick.Done {
			failed := progress.ByStatus[model.TaskStatusFailed]
			if failed == 0 {
				return o.finish(ctx, progress)
			}
			// Every node is terminal but some failed: replan if a
			// trigger fires, otherwise hand over to a human.
			if _, fired := o.deps.Replanner.ShouldReplan(g); !fired {
				o.snapshot(ctx, model.CheckpointError, "finished with failed tasks")
				return o.block(ctx, fmt.Sprintf("%d task(s) failed with no automatic remedy", failed))
			}
		}
		if tick.Stalled {
			if awaitingApproval(g, ectx.Mode) {
				// Humans hold the frontier; keep polling for decisions.
				o.logger.Debug("Waiting on approvals",
					zap.String("initiative_id", ectx.InitiativeID))
			} else if _, fired := o.deps.Replanner.ShouldReplan(g); !fired {
				o.snapshot(ctx, model.CheckpointError, "execution stalled")
				return o.block(ctx, "execution stalled with no automatic remedy")
			}
		}

		select {
		case <-ctx.Done():
			o.pauseNow(context.WithoutCancel(ctx), "interrupted: "+ctx.Err().Error())
			return ctx.Err()
		case <-time.After(o.cfg.TickInterval):
		}
	}
}

// Pause requests a pause. It takes effect at the next tick boundary,
// where a pause checkpoint is taken before Execute returns.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initiative == nil {
		return ErrNotFound
	}
	if o.initiative.Status != model.InitiativeStatusInProgress {
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, o.initiative.Status)
	}
	o.pauseRequest.Store(true)
	return nil
}

// Resume continues a paused or blocked initiative. With a checkpoint id
// the graph is restored from that checkpoint first; without one the
// in-memory graph continues as-is. Either way no completed task is ever
// re-executed.
func (o *Orchestrator) Resume(ctx context.Context, checkpointID string) error {
	o.mu.Lock()
	initiative := o.initiative
	o.mu.Unlock()
	if initiative == nil {
		return ErrNotFound
	}
	if initiative.Status != model.InitiativeStatusPaused && initiative.Status != model.InitiativeStatusBlocked {
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, initiative.Status)
	}

	if checkpointID != "" {
		g, ectx, cp, err := o.deps.Checkpoints.Restore(ctx, checkpointID)
		if err != nil {
			return err
		}
		if cp.InitiativeID != initiative.ID {
			return fmt.Errorf("%w: checkpoint %s belongs to initiative %s", ErrInvalidTransition, checkpointID, cp.InitiativeID)
		}
		o.mu.Lock()
		o.graph = g
		o.ectx = ectx
		o.mu.Unlock()
		atomic.StoreInt32(&o.lastQuarter, int32(cp.Progress.PercentComplete/25))
		o.logger.Info("Resuming from checkpoint",
			zap.String("initiative_id", initiative.ID),
			zap.String("checkpoint_id", checkpointID),
			zap.Float64("percent_complete", cp.Progress.PercentComplete))
	}

	return o.Execute(ctx)
}

// Load attaches an existing initiative record to a fresh orchestrator,
// e.g. after a process restart. Execution state is not rebuilt here;
// call Resume with a checkpoint id for that.
func (o *Orchestrator) Load(ctx context.Context, initiativeID string) error {
	initiative, err := o.deps.Initiatives.Get(ctx, initiativeID)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.initiative = initiative
	o.mu.Unlock()

	o.logger.Info("Initiative loaded",
		zap.String("initiative_id", initiative.ID),
		zap.String("status", string(initiative.Status)))
	return nil
}

// Cancel abandons the initiative. Running work is allowed to finish its
// tick; the record stays queryable forever.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()
	initiative := o.initiative
	o.mu.Unlock()
	if initiative == nil {
		return ErrNotFound
	}
	if initiative.Status.Terminal() {
		return fmt.Errorf("%w: initiative already %s", ErrInvalidTransition, initiative.Status)
	}

	if initiative.Status == model.InitiativeStatusInProgress {
		// The execute loop owns the graph; let it cancel at its boundary.
		o.cancelRequest.Store(true)
		return nil
	}
	return o.setStatus(ctx, model.InitiativeStatusCancelled)
}

// CheckpointNow takes a manual checkpoint of the current state
func (o *Orchestrator) CheckpointNow(ctx context.Context, description, createdBy string) (*model.Checkpoint, error) {
	o.mu.Lock()
	initiative := o.initiative
	g := o.graph
	ectx := o.ectx
	o.mu.Unlock()
	if initiative == nil || g == nil {
		return nil, ErrNotFound
	}

	cp, err := o.deps.Checkpoints.Create(ctx, initiative.ID, g, ectx, model.CheckpointManual, description, nil, createdBy)
	if err != nil {
		return nil, err
	}
	o.recordCheckpoint(ctx, cp, g)
	return cp, nil
}

// CheckpointIfDue takes an automatic checkpoint when the policy says one
// is due. The registry's sweep calls this for every running initiative.
func (o *Orchestrator) CheckpointIfDue(ctx context.Context) {
	o.mu.Lock()
	running := o.initiative != nil && o.initiative.Status == model.InitiativeStatusInProgress
	g := o.graph
	o.mu.Unlock()
	if !running || g == nil {
		return
	}
	progress := g.Progress()
	if o.autoPolicy.Needed(progress) {
		o.snapshot(ctx, model.CheckpointAuto, fmt.Sprintf("sweep at %.0f%%", progress.PercentComplete))
	}
}

// Initiative returns a copy of the current initiative record
func (o *Orchestrator) Initiative() *model.Initiative {
	return o.snapshotInitiative()
}

// Graph returns the live task graph. All graph methods are safe for
// concurrent use.
func (o *Orchestrator) Graph() *graph.TaskGraph {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.graph
}

// replan runs one replan attempt. Returns the graph to install (nil to
// keep the current one), whether the execute loop should stop, and a
// hard error.
func (o *Orchestrator) replan(ctx context.Context, g *graph.TaskGraph, ectx model.ExecutionContext) (*graph.TaskGraph, bool, error) {
	o.mu.Lock()
	initiative := o.initiative
	o.mu.Unlock()

	result, err := o.deps.Replanner.Replan(ctx, initiative, g, ectx, nil)
	switch {
	case errors.Is(err, replan.ErrBudgetExhausted):
		o.snapshot(ctx, model.CheckpointError, "replan budget exhausted")
		return nil, true, o.block(ctx, "replan budget exhausted, manual intervention required")

	case err != nil:
		// A failed attempt consumed budget; keep executing on the old
		// graph and let the budget bound further tries.
		o.logger.Warn("Replan attempt failed",
			zap.String("initiative_id", initiative.ID),
			zap.Error(err))
		return nil, false, nil
	}

	o.emit(event.ReplanTriggered, event.Payload{
		"initiative_id": initiative.ID,
		"trigger":       string(result.Trigger),
		"scope":         string(result.Scope),
		"summary":       result.Summary,
		"impact":        result.Impact,
	})

	if result.RequiresApproval && !o.cfg.AutoApproveReplans {
		// Replan approvals are recorded against the initiative under a
		// reserved key, the same way task approvals are.
		decision, decided := o.deps.Approvals.Get(ReplanApprovalKey(initiative.ID))
		switch {
		case decided && decision.Status == model.ApprovalApproved:
			o.logger.Info("Replan approved",
				zap.String("initiative_id", initiative.ID),
				zap.String("decided_by", decision.DecidedBy))
		case decided && decision.Status == model.ApprovalRejected:
			o.snapshot(ctx, model.CheckpointError, "replan rejected: "+result.Summary)
			return nil, true, o.block(ctx, "proposed replan rejected by "+decision.DecidedBy)
		default:
			o.snapshot(ctx, model.CheckpointPause, "replan awaiting approval: "+result.Summary)
			o.emit(event.ApprovalNeeded, event.Payload{
				"initiative_id": initiative.ID,
				"subject":       "replan",
				"scope":         string(result.Scope),
				"summary":       result.Summary,
			})
			if err := o.setStatus(ctx, model.InitiativeStatusPaused); err != nil {
				return nil, true, err
			}
			return nil, true, nil
		}
	}

	o.logger.Info("Replan installed",
		zap.String("initiative_id", initiative.ID),
		zap.String("scope", string(result.Scope)),
		zap.String("summary", result.Summary))
	return result.NewGraph, false, nil
}

// finish completes the initiative: final milestone checkpoint, status
// done, completion event.
func (o *Orchestrator) finish(ctx context.Context, progress model.ProgressSummary) error {
	o.snapshot(ctx, model.CheckpointMilestone, "initiative complete")
	if err := o.setStatus(ctx, model.InitiativeStatusDone); err != nil {
		return err
	}
	o.emit(event.InitiativeCompleted, event.Payload{
		"initiative_id":    o.initiativeID(),
		"percent_complete": progress.PercentComplete,
		"tasks_completed":  progress.ByStatus[model.TaskStatusCompleted],
		"tasks_total":      progress.Total,
	})
	o.logger.Info("Initiative completed",
		zap.String("initiative_id", o.initiativeID()),
		zap.Int("tasks", progress.Total))
	return nil
}

// block moves the initiative to blocked and surfaces it for manual
// intervention.
func (o *Orchestrator) block(ctx context.Context, reason string) error {
	if err := o.setStatus(ctx, model.InitiativeStatusBlocked); err != nil {
		return err
	}
	o.emit(event.InitiativeFailed, event.Payload{
		"initiative_id": o.initiativeID(),
		"status":        string(model.InitiativeStatusBlocked),
		"reason":        reason,
	})
	o.logger.Warn("Initiative blocked",
		zap.String("initiative_id", o.initiativeID()),
		zap.String("reason", reason))
	return nil
}

// pauseNow checkpoints the current state and moves to paused
func (o *Orchestrator) pauseNow(ctx context.Context, reason string) error {
	o.snapshot(ctx, model.CheckpointPause, reason)
	return o.setStatus(ctx, model.InitiativeStatusPaused)
}

// markMilestones emits milestone_reached and takes a milestone
// checkpoint each time progress crosses a 25% boundary.
func (o *Orchestrator) markMilestones(ctx context.Context, progress model.ProgressSummary) {
	quarter := int32(progress.PercentComplete / 25)
	last := atomic.LoadInt32(&o.lastQuarter)
	if quarter <= last {
		return
	}
	atomic.StoreInt32(&o.lastQuarter, quarter)

	o.emit(event.MilestoneReached, event.Payload{
		"initiative_id":    o.initiativeID(),
		"percent_complete": progress.PercentComplete,
		"milestone":        fmt.Sprintf("%d%%", quarter*25),
	})
	if quarter < 4 {
		// 100% gets its own final checkpoint in finish.
		o.snapshot(ctx, model.CheckpointMilestone, fmt.Sprintf("%d%% milestone", quarter*25))
	}
}

// syncParkedApprovals applies recorded decisions to tasks that parked
// themselves pending approval without carrying an approval gate of
// their own (the scheduler only syncs gated tasks).
func (o *Orchestrator) syncParkedApprovals(g *graph.TaskGraph) {
	for _, node := range g.Nodes() {
		if node.Status != model.TaskStatusBlocked || node.Task.ApprovalRequired {
			continue
		}
		if len(node.Task.Approvers) == 0 || node.ApprovalStatus != "" {
			continue
		}
		decision, ok := o.deps.Approvals.Get(node.Task.ID)
		if !ok {
			continue
		}
		switch decision.Status {
		case model.ApprovalApproved:
			// The decision is the work product for a parked task.
			g.SetApproval(node.Task.ID, decision.Status)
			g.Start(node.Task.ID, decision.DecidedBy)
			g.Complete(node.Task.ID, "approved by "+decision.DecidedBy)
		case model.ApprovalRejected:
			g.SetApproval(node.Task.ID, decision.Status)
			g.Skip(node.Task.ID, "approval rejected by "+decision.DecidedBy)
		}
	}
}

// snapshot persists a checkpoint of the current state, ignoring failures
// beyond logging them: a missed checkpoint must never take down the run.
func (o *Orchestrator) snapshot(ctx context.Context, kind model.CheckpointKind, description string) *model.Checkpoint {
	o.mu.Lock()
	initiative := o.initiative
	g := o.graph
	ectx := o.ectx
	o.mu.Unlock()
	if initiative == nil || g == nil {
		return nil
	}

	cp, err := o.deps.Checkpoints.Create(ctx, initiative.ID, g, ectx, kind, description, nil, "orchestrator")
	if err != nil {
		o.logger.Error("Checkpoint creation failed",
			zap.String("initiative_id", initiative.ID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return nil
	}
	o.recordCheckpoint(ctx, cp, g)
	return cp
}

func (o *Orchestrator) recordCheckpoint(ctx context.Context, cp *model.Checkpoint, g *graph.TaskGraph) {
	o.mu.Lock()
	o.initiative.CheckpointIDs = append(o.initiative.CheckpointIDs, cp.ID)
	initiative := o.initiative
	o.mu.Unlock()

	if err := o.deps.Initiatives.Update(ctx, initiative); err != nil {
		o.logger.Error("Failed to persist checkpoint reference",
			zap.String("initiative_id", initiative.ID),
			zap.Error(err))
	}
	o.autoPolicy.MarkCheckpointed(g.Progress())
	o.emit(event.CheckpointCreated, event.Payload{
		"initiative_id":    cp.InitiativeID,
		"checkpoint_id":    cp.ID,
		"kind":             string(cp.Kind),
		"percent_complete": cp.Progress.PercentComplete,
	})
}

// setStatus transitions the initiative's lifecycle status and persists it
func (o *Orchestrator) setStatus(ctx context.Context, to model.InitiativeStatus) error {
	o.mu.Lock()
	initiative := o.initiative
	from := initiative.Status
	if !from.CanTransition(to) {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	initiative.Status = to
	o.mu.Unlock()

	if err := o.deps.Initiatives.Update(ctx, initiative); err != nil {
		return err
	}
	o.logger.Info("Initiative status changed",
		zap.String("initiative_id", initiative.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

func (o *Orchestrator) emit(name string, payload event.Payload) {
	if o.deps.Events != nil {
		o.deps.Events.Publish(name, payload)
	}
}

func (o *Orchestrator) initiativeID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initiative == nil {
		return ""
	}
	return o.initiative.ID
}

func (o *Orchestrator) initiativeTitle() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initiative == nil {
		return ""
	}
	return o.initiative.Title
}

func (o *Orchestrator) snapshotInitiative() *model.Initiative {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initiative == nil {
		return nil
	}
	copied := *o.initiative
	copied.CheckpointIDs = append([]string(nil), o.initiative.CheckpointIDs...)
	return &copied
}

// ReplanApprovalKey is the approval-recorder key for decisions on a
// proposed replan of the given initiative.
func ReplanApprovalKey(initiativeID string) string {
	return "replan:" + initiativeID
}

// awaitingApproval reports whether any blocked task is waiting on a
// human decision rather than on a dependency. In manual mode every
// undecided blocked task is waiting on one.
func awaitingApproval(g *graph.TaskGraph, mode model.ExecutionMode) bool {
	for _, node := range g.Nodes() {
		if node.Status != model.TaskStatusBlocked {
			continue
		}
		if node.ApprovalStatus == model.ApprovalRejected {
			continue
		}
		if mode == model.ExecutionModeManual || node.Task.ApprovalRequired || len(node.Task.Approvers) > 0 {
			return true
		}
	}
	return false
}
