// Package daemon assembles the running system: the control socket server,
// the request pipeline behind it, and the component lifecycle. Everything a
// client verb can do lives in Service; Server owns the wire.
package daemon

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"grimm.is/rime/internal/checkpoint"
	"grimm.is/rime/internal/clock"
	"grimm.is/rime/internal/config"
	"grimm.is/rime/internal/engine"
	"grimm.is/rime/internal/fault"
	"grimm.is/rime/internal/ipc"
	"grimm.is/rime/internal/logging"
	"grimm.is/rime/internal/plan"
	"grimm.is/rime/internal/plugin"
	"grimm.is/rime/internal/schema"
	"grimm.is/rime/internal/state"
)

// Snapshotter is the merge layer as the pipeline sees it.
type Snapshotter interface {
	Query(ctx context.Context, scope []string) (*schema.UnifiedSnapshot, error)
}

// Planner is the planning layer as the pipeline sees it.
type Planner interface {
	Plan(ctx context.Context, desired *schema.DesiredState) (*schema.Plan, error)
}

// Executor runs a plan that planning produced.
type Executor interface {
	Execute(ctx context.Context, plan *schema.Plan, hold bool) (*schema.RunResult, error)
}

// Service is the request pipeline: every client verb maps to one method.
// Locking discipline lives here so the transports stay dumb: queries take
// shared locks on their scope, applies and rollbacks take exclusive locks on
// exactly the interfaces they may write.
type Service struct {
	cfg         *config.Config
	locker      *engine.Locker
	snaps       Snapshotter
	planner     Planner
	executor    Executor
	checkpoints *checkpoint.Manager
	registry    *plugin.Registry
	applied     *state.AppliedBucket
	logger      *logging.Logger

	version   string
	startedAt time.Time

	// probe decides whether a confirm-window checkpoint may auto-commit.
	// Overridable in tests; nil means no connectivity gate.
	probe func(ctx context.Context) error

	confirmMu sync.Mutex
	confirm   map[uint64]*time.Timer
}

// NewService wires the pipeline. applied may be nil; the last-applied record
// is then simply not kept.
func NewService(cfg *config.Config, locker *engine.Locker, snaps Snapshotter, planner Planner, executor Executor, checkpoints *checkpoint.Manager, registry *plugin.Registry, applied *state.AppliedBucket, version string, logger *logging.Logger) *Service {
	s := &Service{
		cfg:         cfg,
		locker:      locker,
		snaps:       snaps,
		planner:     planner,
		executor:    executor,
		checkpoints: checkpoints,
		registry:    registry,
		applied:     applied,
		logger:      logger.WithComponent("daemon"),
		version:     version,
		startedAt:   clock.Now(),
		confirm:     make(map[uint64]*time.Timer),
	}
	if cfg.Checkpoint != nil && cfg.Checkpoint.ProbeHost != "" {
		s.probe = func(ctx context.Context) error {
			return probeHost(ctx, cfg.Checkpoint.ProbeHost, cfg.Checkpoint.ProbeTimeoutDuration())
		}
	}
	return s
}

// Query assembles a fresh unified snapshot for the scope. The shared locks
// make a query concurrent with other queries but force it to wait out any
// in-flight apply touching the same interfaces, so it never observes a plan
// mid-write.
func (s *Service) Query(ctx context.Context, scope []string) (*schema.UnifiedSnapshot, error) {
	lease, err := s.locker.Acquire(ctx, scope, engine.LockShared)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	return s.snaps.Query(ctx, scope)
}

// Apply plans and executes a desired-state document. Planning happens under
// the same exclusive locks execution uses; between the snapshot the plan was
// computed against and the last write, nobody else touches these interfaces.
// With dryRun the plan comes back unexecuted and no checkpoint opens.
func (s *Service) Apply(ctx context.Context, desired *schema.DesiredState, dryRun bool, confirmSeconds int) (*schema.Plan, *schema.RunResult, error) {
	if desired == nil {
		return nil, nil, fault.ConfigurationConflict("apply request carries no desired state")
	}
	// Desired state that arrived over the wire still carries untyped nested
	// values from the codec.
	for i := range desired.Interfaces {
		desired.Interfaces[i].Properties = schema.NormalizeMap(desired.Interfaces[i].Properties)
	}

	lease, err := s.locker.Acquire(ctx, plan.Scope(desired), engine.LockExclusive)
	if err != nil {
		return nil, nil, err
	}
	defer lease.Release()

	if err := s.validateDesired(ctx, desired); err != nil {
		return nil, nil, err
	}

	pl, err := s.planner.Plan(ctx, desired)
	if err != nil {
		return nil, nil, err
	}
	if dryRun {
		return pl, nil, nil
	}

	window := s.confirmWindow(confirmSeconds)
	res, err := s.executor.Execute(ctx, pl, window > 0)
	if err != nil {
		return pl, nil, err
	}

	if window > 0 && res.State == schema.RunApplied && res.Checkpoint != 0 {
		res.ConfirmBy = clock.Now().Add(window)
		s.armConfirm(res.Checkpoint, window)
	}
	if res.State == schema.RunCommitted || res.State == schema.RunApplied {
		s.recordApplied(desired, pl)
	}
	return pl, res, nil
}

// validateDesired gives every plugin with a stake in a desired entry the
// chance to reject it before planning starts. The type owner and any
// property-authority holders are asked; absent entries carry nothing a
// plugin could vet.
func (s *Service) validateDesired(ctx context.Context, desired *schema.DesiredState) error {
	for _, iface := range desired.Interfaces {
		if iface.State == schema.StateAbsent {
			continue
		}
		op := &schema.Operation{
			Kind:    schema.OpModify,
			Iface:   iface.Name,
			Type:    iface.Type,
			Desired: iface,
		}
		asked := map[string]bool{}
		if owner, ok := s.registry.OwnerOf(iface.Type); ok {
			asked[owner.Name] = true
			if err := owner.Validate(ctx, op); err != nil {
				return err
			}
		}
		for _, sess := range s.registry.List() {
			if asked[sess.Name] {
				continue
			}
			stake := false
			for key := range iface.Properties {
				if sess.OwnsProperty(iface.Type, key) {
					stake = true
					break
				}
			}
			if !stake {
				continue
			}
			if err := sess.Validate(ctx, op); err != nil {
				return err
			}
		}
	}
	return nil
}

// Commit resolves a checkpoint by ID or tag and commits it, closing any
// confirm window still running for it.
func (s *Service) Commit(ctx context.Context, ref string) (*ipc.CheckpointInfo, error) {
	rec, err := s.checkpoints.Resolve(ref)
	if err != nil {
		return nil, err
	}
	if err := s.checkpoints.Commit(ctx, rec.ID); err != nil {
		return nil, err
	}
	s.disarmConfirm(rec.ID)

	rec, err = s.checkpoints.Get(rec.ID)
	if err != nil {
		return nil, err
	}
	info := checkpointInfo(rec)
	return &info, nil
}

// Rollback resolves a checkpoint and replays its captures. The captured
// interfaces are locked exclusively first; a rollback is a write like any
// other.
func (s *Service) Rollback(ctx context.Context, ref string) (*ipc.CheckpointInfo, error) {
	rec, err := s.checkpoints.Resolve(ref)
	if err != nil {
		return nil, err
	}

	lease, err := s.locker.Acquire(ctx, capturedNames(rec), engine.LockExclusive)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if err := s.checkpoints.Rollback(ctx, rec.ID); err != nil {
		return nil, err
	}
	s.disarmConfirm(rec.ID)

	rec, err = s.checkpoints.Get(rec.ID)
	if err != nil {
		return nil, err
	}
	info := checkpointInfo(rec)
	return &info, nil
}

// Checkpoints lists every retained checkpoint, oldest first.
func (s *Service) Checkpoints() ([]ipc.CheckpointInfo, error) {
	recs, err := s.checkpoints.List()
	if err != nil {
		return nil, err
	}
	infos := make([]ipc.CheckpointInfo, 0, len(recs))
	for _, rec := range recs {
		infos = append(infos, checkpointInfo(rec))
	}
	return infos, nil
}

// Plugins lists the live plugin sessions.
func (s *Service) Plugins() []ipc.PluginInfo {
	sessions := s.registry.List()
	infos := make([]ipc.PluginInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info("ready"))
	}
	return infos
}

// Status reports the daemon's own state. queueDepth comes from the server;
// sysinfo may be nil when no collector runs.
func (s *Service) Status(queueDepth int, sysinfo *ipc.SystemInfo) (*ipc.DaemonStatus, error) {
	pending, err := s.checkpoints.Pending()
	if err != nil {
		return nil, err
	}
	uptime := clock.Since(s.startedAt)
	return &ipc.DaemonStatus{
		Version:            s.version,
		PID:                os.Getpid(),
		StartedAt:          s.startedAt,
		UptimeSeconds:      int64(uptime / time.Second),
		PluginsConnected:   s.registry.Count(),
		CheckpointsPending: len(pending),
		QueueDepth:         queueDepth,
		System:             sysinfo,
	}, nil
}

// confirmWindow maps the request knob onto a duration: negative commits
// immediately, zero takes the configured default, positive overrides it.
func (s *Service) confirmWindow(confirmSeconds int) time.Duration {
	if confirmSeconds < 0 {
		return 0
	}
	if confirmSeconds > 0 {
		return time.Duration(confirmSeconds) * time.Second
	}
	if s.cfg.Checkpoint != nil {
		return s.cfg.Checkpoint.ConfirmDuration()
	}
	return 0
}

// armConfirm starts the dead-man timer for a held checkpoint. If nobody
// commits within the window the apply is assumed to have cut the operator
// off and is rolled back, unless the connectivity probe proves otherwise.
func (s *Service) armConfirm(id uint64, window time.Duration) {
	s.confirmMu.Lock()
	defer s.confirmMu.Unlock()
	s.confirm[id] = time.AfterFunc(window, func() { s.confirmExpired(id) })
}

func (s *Service) disarmConfirm(id uint64) {
	s.confirmMu.Lock()
	defer s.confirmMu.Unlock()
	if t, ok := s.confirm[id]; ok {
		t.Stop()
		delete(s.confirm, id)
	}
}

// confirmExpired resolves an unconfirmed checkpoint. With a probe configured
// and answering, the applied configuration evidently still carries traffic
// and is committed; otherwise the captures are replayed.
func (s *Service) confirmExpired(id uint64) {
	s.confirmMu.Lock()
	delete(s.confirm, id)
	s.confirmMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeouts.RequestDuration())
	defer cancel()

	if s.probe != nil {
		if err := s.probe(ctx); err == nil {
			if err := s.checkpoints.Commit(ctx, id); err != nil {
				s.logger.Error("Auto-commit after confirm window failed", "checkpoint", id, "error", err)
				return
			}
			s.logger.Info("Confirm window passed, probe reachable, checkpoint committed", "checkpoint", id)
			return
		}
		s.logger.Warn("Connectivity probe failed, rolling back unconfirmed checkpoint", "checkpoint", id)
	} else {
		s.logger.Warn("Confirm window passed without commit, rolling back", "checkpoint", id)
	}

	rec, err := s.checkpoints.Get(id)
	if err != nil {
		s.logger.Error("Unconfirmed checkpoint vanished", "checkpoint", id, "error", err)
		return
	}
	lease, err := s.locker.Acquire(ctx, capturedNames(rec), engine.LockExclusive)
	if err != nil {
		s.logger.Error("Could not lock interfaces for auto-rollback", "checkpoint", id, "error", err)
		return
	}
	defer lease.Release()

	if err := s.checkpoints.Rollback(ctx, id); err != nil {
		s.logger.Error("Auto-rollback of unconfirmed checkpoint failed", "checkpoint", id, "error", err)
	}
}

// recordApplied keeps the last successfully applied document and plan for
// diffing and post-crash inspection. Best effort.
func (s *Service) recordApplied(desired *schema.DesiredState, pl *schema.Plan) {
	if s.applied == nil {
		return
	}
	if err := s.applied.SetDesired(desired); err != nil {
		s.logger.Warn("Recording applied desired state failed", "error", err)
	}
	if err := s.applied.SetLastPlan(pl); err != nil {
		s.logger.Warn("Recording last plan failed", "error", err)
	}
}

func capturedNames(rec *state.CheckpointRecord) []string {
	if len(rec.Order) > 0 {
		return rec.Order
	}
	names := make([]string, 0, len(rec.Before))
	for name := range rec.Before {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func checkpointInfo(rec *state.CheckpointRecord) ipc.CheckpointInfo {
	return ipc.CheckpointInfo{
		ID:         rec.ID,
		Tag:        rec.Tag,
		PlanID:     rec.PlanID,
		State:      rec.State,
		CreatedAt:  rec.CreatedAt,
		ExpiresAt:  rec.ExpiresAt,
		ResolvedAt: rec.ResolvedAt,
		Interfaces: capturedNames(rec),
	}
}
