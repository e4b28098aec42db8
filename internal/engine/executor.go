// Package engine executes plans and serializes the requests that produce
// them. The executor walks a plan's operations in their planned order under
// a checkpoint; the locker keeps concurrent requests off each other's
// interfaces. Together they are the only writers the daemon has.
package engine

import (
	"context"
	"sort"
	"time"

	"grimm.is/rime/internal/checkpoint"
	"grimm.is/rime/internal/clock"
	"grimm.is/rime/internal/events"
	"grimm.is/rime/internal/fault"
	"grimm.is/rime/internal/logging"
	"grimm.is/rime/internal/metrics"
	"grimm.is/rime/internal/plugin"
	"grimm.is/rime/internal/provider"
	"grimm.is/rime/internal/schema"
)

// rollbackGrace keeps a rollback going briefly after the surrounding
// request's context dies; compensation must not be cancelled by the
// failure that triggered it.
const rollbackGrace = 2 * time.Minute

// Executor runs plans. One plan at a time per interface set is the locker's
// problem; the executor assumes its operations are already in dependency
// order and stops at the first failure.
type Executor struct {
	provider    provider.Provider
	registry    *plugin.Registry
	checkpoints *checkpoint.Manager
	hub         *events.Hub
	logger      *logging.Logger
}

// NewExecutor wires an executor. hub may be nil in tests.
func NewExecutor(p provider.Provider, registry *plugin.Registry, checkpoints *checkpoint.Manager, hub *events.Hub, logger *logging.Logger) *Executor {
	return &Executor{
		provider:    p,
		registry:    registry,
		checkpoints: checkpoints,
		hub:         hub,
		logger:      logger.WithComponent("engine"),
	}
}

// Execute runs the plan's operations in order; every operation's
// predecessors have succeeded by the time it starts. The first failure
// skips everything not yet started and rolls the plan back. hold keeps the
// checkpoint pending on success so the caller can run a confirm window;
// otherwise success commits it. The returned result is terminal either way;
// an error return means nothing was written.
func (e *Executor) Execute(ctx context.Context, plan *schema.Plan, hold bool) (*schema.RunResult, error) {
	res := &schema.RunResult{PlanID: plan.ID}
	if len(plan.Ops) == 0 {
		res.State = schema.RunCommitted
		e.logger.Debug("Plan is empty, nothing to execute", "plan", plan.ID)
		return res, nil
	}

	started := clock.Now()
	cp, err := e.checkpoints.Open(ctx, plan)
	if err != nil {
		return nil, err
	}
	res.Checkpoint = cp.ID
	res.CheckpointTag = cp.Tag

	e.emitPlan(events.EventPlanStarted, plan, "")
	e.logger.Info("Executing plan",
		"plan", plan.ID, "ops", len(plan.Ops), "checkpoint", cp.ID)

	outcomes := make([]schema.OpOutcome, 0, len(plan.Ops))
	for i := range plan.Ops {
		op := &plan.Ops[i]
		e.emitOp(events.EventOpStarted, plan.ID, op, nil)

		err := e.dispatchOp(ctx, op)
		if err == nil {
			outcomes = append(outcomes, outcomeOf(op, schema.OutcomeOK, nil))
			metrics.Get().RecordOperation(string(op.Kind), op.Target, "ok")
			e.emitOp(events.EventOpCompleted, plan.ID, op, nil)
			continue
		}

		fe := fault.From(err)
		outcomes = append(outcomes, outcomeOf(op, schema.OutcomeFailed, fe))
		metrics.Get().RecordOperation(string(op.Kind), op.Target, "error")
		e.emitOp(events.EventOpFailed, plan.ID, op, fe)
		e.logger.Error("Operation failed",
			"plan", plan.ID, "seq", op.Seq, "iface", op.Iface,
			"target", op.Target, "error", err)

		for j := i + 1; j < len(plan.Ops); j++ {
			outcomes = append(outcomes, outcomeOf(&plan.Ops[j], schema.OutcomeSkipped, nil))
		}
		res.Ops = outcomes
		res.Error = fe
		e.rollback(ctx, plan, cp.ID, res)
		metrics.Get().RecordPlan(res.State, clock.Since(started))
		return res, nil
	}

	res.Ops = outcomes
	switch {
	case hold:
		res.State = schema.RunApplied
	default:
		if err := e.checkpoints.Commit(ctx, cp.ID); err != nil {
			// Every write landed; only the bookkeeping failed. The plan
			// stays applied and the checkpoint's fate is surfaced.
			res.State = schema.RunApplied
			res.Error = fault.From(err)
			e.logger.Error("Committing checkpoint failed",
				"plan", plan.ID, "checkpoint", cp.ID, "error", err)
		} else {
			res.State = schema.RunCommitted
		}
	}
	e.emitPlan(events.EventPlanCompleted, plan, "")
	metrics.Get().RecordPlan(res.State, clock.Since(started))
	e.logger.Info("Plan complete", "plan", plan.ID, "state", res.State)
	return res, nil
}

// dispatchOp sends one operation to its target, then to each plugin riding
// in Notify. A notified plugin failing fails the operation: the target's
// write alone does not satisfy the desired document.
func (e *Executor) dispatchOp(ctx context.Context, op *schema.Operation) error {
	if op.Target == schema.TargetProvider {
		if err := e.provider.ApplyState(ctx, op.Desired); err != nil {
			return err
		}
	} else {
		sess, ok := e.registry.Get(op.Target)
		if !ok {
			return fault.PluginLost(op.Target, "no live session to apply %s", op.Iface)
		}
		if _, err := sess.Apply(ctx, op); err != nil {
			return err
		}
	}

	for _, name := range op.Notify {
		sess, ok := e.registry.Get(name)
		if !ok {
			return fault.PluginLost(name, "no live session to finish %s", op.Iface)
		}
		if _, err := sess.Apply(ctx, op); err != nil {
			return err
		}
	}
	return nil
}

// rollback reverses an aborted plan and records the damage on res. Partial
// restore failures leave the checkpoint pending for a retry; the result
// names what was reversed and what is now unknown.
func (e *Executor) rollback(ctx context.Context, plan *schema.Plan, cpID uint64, res *schema.RunResult) {
	metrics.Get().RollbacksTotal.WithLabelValues("op-failure").Inc()

	// Compensation keeps going even when the op failure was the context
	// dying underneath us.
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackGrace)
	defer cancel()

	touched := plan.TouchedNames()
	if err := e.checkpoints.Rollback(rbCtx, cpID); err != nil {
		rf := fault.From(err)
		res.State = schema.RunFailed
		if len(rf.Interfaces) > 0 {
			res.Indeterminate = rf.Interfaces
			res.Reversed = subtract(touched, rf.Interfaces)
		} else {
			// Rollback never ran; everything the plan wrote is suspect.
			res.Indeterminate = startedNames(res.Ops)
		}
		e.emitPlan(events.EventPlanFailed, plan, rf.Message)
		e.logger.Error("Rollback failed, interfaces left indeterminate",
			"plan", plan.ID, "checkpoint", cpID,
			"interfaces", res.Indeterminate, "error", err)
		return
	}

	res.State = schema.RunRolledBack
	res.Reversed = touched
	e.emitPlan(events.EventPlanFailed, plan, res.Error.Message)
	e.logger.Warn("Plan rolled back",
		"plan", plan.ID, "checkpoint", cpID, "cause", res.Error.Message)
}

func (e *Executor) emitPlan(t events.EventType, plan *schema.Plan, errMsg string) {
	if e.hub == nil {
		return
	}
	e.hub.EmitPlan(t, plan.ID, len(plan.Ops), plan.TouchedNames(), errMsg)
}

func (e *Executor) emitOp(t events.EventType, planID string, op *schema.Operation, fe *fault.Error) {
	if e.hub == nil {
		return
	}
	msg := ""
	if fe != nil {
		msg = fe.Message
	}
	e.hub.EmitOperation(t, planID, op.Seq, string(op.Kind), op.Iface, op.Target, msg)
}

func outcomeOf(op *schema.Operation, status string, fe *fault.Error) schema.OpOutcome {
	return schema.OpOutcome{
		Seq:    op.Seq,
		Kind:   op.Kind,
		Iface:  op.Iface,
		Target: op.Target,
		Status: status,
		Error:  fe,
	}
}

// startedNames lists the interfaces of operations that were dispatched,
// successfully or not. Skipped operations never touched anything.
func startedNames(outcomes []schema.OpOutcome) []string {
	seen := make(map[string]struct{}, len(outcomes))
	var names []string
	for _, o := range outcomes {
		if o.Status == schema.OutcomeSkipped {
			continue
		}
		if _, ok := seen[o.Iface]; ok {
			continue
		}
		seen[o.Iface] = struct{}{}
		names = append(names, o.Iface)
	}
	sort.Strings(names)
	return names
}

func subtract(names, drop []string) []string {
	dropped := make(map[string]struct{}, len(drop))
	for _, n := range drop {
		dropped[n] = struct{}{}
	}
	var out []string
	for _, n := range names {
		if _, ok := dropped[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}
