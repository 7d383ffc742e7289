package engine

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
)

// handleIntent validates and applies one intent. It runs on the loop goroutine.
func (l *Loop) handleIntent(intent Intent, now time.Time) (Ack, error) {
	switch intent.Type {
	case IntentDeploy:
		return l.deploy(intent, now)
	case IntentDelete:
		return l.deleteUnit(intent, now)
	default:
		return Ack{}, NewValidationError(fmt.Sprintf("unknown intent type %q", intent.Type), nil)
	}
}

// deploy validates affordability and the target address, debits credits,
// registers a Pending unit and issues the create asynchronously. Every
// rejection happens before any mutation or cluster call.
func (l *Loop) deploy(intent Intent, now time.Time) (Ack, error) {
	if l.world.Degraded() {
		return Ack{}, ErrClusterUnavailable
	}
	if !intent.Kind.Valid() {
		return Ack{}, NewValidationError(fmt.Sprintf("unknown unit kind %q", intent.Kind), nil).
			WithCode(ErrCodeInvalidKind)
	}

	target, err := validateTarget(intent.Kind, intent.TargetAddress)
	if err != nil {
		return Ack{}, err
	}

	cost := l.econ.Price(intent.Kind, l.world.LiveCount(intent.Kind))
	balance := l.world.Ledger().Balance()

	if l.opts.Policy != nil {
		req := DeployRequest{
			Kind:      intent.Kind,
			Target:    target,
			Cost:      cost,
			Balance:   balance,
			LiveUnits: l.world.LiveCount(""),
			LiveByKind: map[UnitKind]int{
				KindMiner:     l.world.LiveCount(KindMiner),
				KindProcessor: l.world.LiveCount(KindProcessor),
			},
			NodeCount: l.world.NodeCount(),
		}
		if err := l.opts.Policy.AdmitDeploy(l.runCtx, req); err != nil {
			_ = l.events.PublishPolicyDenied(string(intent.Kind), err.Error())
			return Ack{}, err
		}
	}

	if !l.world.Ledger().CanSpend(cost) {
		return Ack{}, &EngineError{
			Class:   ErrorClassValidation,
			Code:    ErrCodeInsufficientCredit,
			Message: fmt.Sprintf("insufficient credits: %s costs %d, balance is %d", intent.Kind, cost, balance),
			Details: map[string]interface{}{"cost": cost, "balance": balance},
		}
	}

	name := l.newUnitName(intent.Kind)
	pod, err := l.opts.Renderer.Render(intent.Kind, target, name)
	if err != nil {
		return Ack{}, NewValidationError("failed to render unit manifest", err).
			WithCode(ErrCodeRenderFailed).
			WithResource(name)
	}

	entry, err := l.world.Ledger().Spend(cost, name, "deploy "+string(intent.Kind), now)
	if err != nil {
		return Ack{}, err
	}
	origin := intent.Origin
	if origin == "" {
		origin = OriginPlayer
	}
	t, err := l.world.AddPending(AstroUnit{
		ID:            name,
		Kind:          intent.Kind,
		TargetAddress: target,
		Origin:        origin,
		Cost:          cost,
		Deadline:      now.Add(l.econ.Tuning().DeployTimeout),
	}, now)
	if err != nil {
		// Unreachable with generated names; undo the spend so the ledger stays exact.
		l.recordLedger(entry)
		l.recordLedger(l.world.Ledger().Credit(LedgerRefund, cost, name, "register failed", now))
		return Ack{}, err
	}
	l.recordLedger(entry)
	l.recordTransition(t)

	l.log.WithUnit(name, string(intent.Kind)).Infof("deploying for %d credits", cost)

	timeout := l.econ.Tuning().DeployTimeout
	go func() {
		ctx, cancel := context.WithTimeout(l.runCtx, timeout)
		defer cancel()
		l.post(applyResult{unitID: name, err: l.opts.Writer.ApplyPod(ctx, pod)})
	}()

	return Ack{Status: AckAccepted, UnitID: name, Cost: cost}, nil
}

// validateTarget checks the Miner target syntactically. Reachability is left to link computation.
func validateTarget(kind UnitKind, target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		if kind == KindMiner {
			return "", &EngineError{
				Class:   ErrorClassValidation,
				Code:    ErrCodeInvalidAddress,
				Message: "miner requires a target address",
			}
		}
		return "", nil
	}
	addr, err := netip.ParseAddr(target)
	if err != nil {
		return "", &EngineError{
			Class:   ErrorClassValidation,
			Code:    ErrCodeInvalidAddress,
			Message: fmt.Sprintf("invalid target address %q", target),
			Err:     err,
		}
	}
	if kind == KindProcessor {
		// Processor addresses are assigned by the cluster.
		return "", nil
	}
	return addr.String(), nil
}

func (l *Loop) newUnitName(kind UnitKind) string {
	for {
		name := fmt.Sprintf("%s-%s", kind, uuid.NewString()[:8])
		if l.world.record(name) == nil {
			return name
		}
	}
}

// deleteUnit marks a unit Terminating and issues the delete. Chaos and player
// deletes share this path.
func (l *Loop) deleteUnit(intent Intent, now time.Time) (Ack, error) {
	if intent.UnitID == "" {
		return Ack{}, NewValidationError("unit id is required", nil)
	}
	rec := l.world.record(intent.UnitID)
	if rec == nil || rec.Status == StatusGone {
		if intent.Origin == OriginChaos {
			return Ack{Status: AckSkipped, UnitID: intent.UnitID, Reason: "unit gone"}, nil
		}
		return Ack{}, NewValidationError(fmt.Sprintf("unit %s not found", intent.UnitID), nil).
			WithCode(ErrCodeUnitNotFound).
			WithResource(intent.UnitID)
	}
	if intent.Origin == OriginChaos && rec.Status != StatusRunning {
		return Ack{Status: AckSkipped, UnitID: rec.ID, Reason: "unit is " + string(rec.Status)}, nil
	}
	if l.world.Degraded() {
		return Ack{}, ErrClusterUnavailable
	}
	if rec.Status == StatusTerminating {
		return Ack{Status: AckSkipped, UnitID: rec.ID, Reason: "already terminating"}, nil
	}

	t, ok := l.world.Transition(rec.ID, StatusTerminating, ReasonNone, now)
	if !ok {
		return Ack{}, NewValidationError(fmt.Sprintf("unit %s cannot be deleted from %s", rec.ID, rec.Status), nil).
			WithResource(rec.ID)
	}
	rec.Deadline = now.Add(l.econ.Tuning().DeployTimeout)
	l.recordTransition(t)

	// A create still in flight could land after the delete; issue it once the create settles.
	if rec.applied {
		l.issueDelete(rec)
	}
	return Ack{Status: AckAccepted, UnitID: rec.ID}, nil
}

// issueDelete starts an async deletePod unless one is already outstanding.
func (l *Loop) issueDelete(rec *unitRecord) {
	if rec.deleteInFlight {
		return
	}
	rec.deleteInFlight = true
	rec.deleteFailed = false
	name := rec.ID
	timeout := l.econ.Tuning().DeployTimeout
	go func() {
		ctx, cancel := context.WithTimeout(l.runCtx, timeout)
		defer cancel()
		l.post(deleteResult{unitID: name, err: l.opts.Writer.DeletePod(ctx, name)})
	}()
}

func (l *Loop) handleApplyResult(res applyResult, now time.Time) {
	rec := l.world.record(res.unitID)
	if rec == nil {
		return
	}
	log := l.log.WithUnit(rec.ID, string(rec.Kind))

	if res.err != nil {
		l.metrics.RecordError(string(ClassOf(res.err)), CodeOf(res.err))
		l.markUnreachable(res.err, now)
		if rec.Observed {
			// The pod exists regardless of what the create call reported.
			log.WithError(res.err).Warn("create reported failure for an observed pod")
			rec.applied = true
			if rec.Status == StatusTerminating {
				l.issueDelete(rec)
			}
			return
		}
		log.WithError(res.err).Warn("create failed")
		if rec.Status == StatusGone {
			// Timed out earlier. A rejected create left nothing behind; any
			// other failure may still have created the pod.
			if IsApply(res.err) {
				rec.cleanup = false
			} else {
				l.deleteLeftover(rec)
			}
			return
		}
		if t, ok := l.world.Transition(rec.ID, StatusGone, ReasonCreateFailed, now); ok {
			l.recordTransition(t)
		}
		l.refund(rec, now)
		return
	}

	rec.applied = true
	switch rec.Status {
	case StatusTerminating:
		l.issueDelete(rec)
	case StatusGone:
		if rec.Reason.Refundable() {
			// Timed out before the create returned; remove the late pod.
			log.Info("removing pod created after its deadline")
			l.deleteLeftover(rec)
		}
	}
}

func (l *Loop) handleDeleteResult(res deleteResult, now time.Time) {
	rec := l.world.record(res.unitID)
	if rec == nil {
		return
	}
	rec.deleteInFlight = false
	if res.err != nil {
		rec.deleteFailed = true
		l.metrics.RecordError(string(ClassOf(res.err)), CodeOf(res.err))
		l.log.WithUnit(rec.ID, string(rec.Kind)).WithError(res.err).Warn("delete failed, will retry")
		l.markUnreachable(res.err, now)
		return
	}
	if rec.Status == StatusGone {
		rec.cleanup = false
		return
	}
	if rec.Status == StatusTerminating && !rec.Observed {
		// Never observed, so no removal event will follow.
		if t, ok := l.world.Transition(rec.ID, StatusGone, ReasonDeleted, now); ok {
			l.recordTransition(t)
		}
	}
}

// refund applies the compensating credit exactly once, and only for refundable reasons.
func (l *Loop) refund(rec *unitRecord, now time.Time) {
	if rec.Refunded || rec.Cost <= 0 || !rec.Reason.Refundable() {
		return
	}
	rec.Refunded = true
	entry := l.world.Ledger().Credit(LedgerRefund, rec.Cost, rec.ID, string(rec.Reason), now)
	l.recordLedger(entry)
}

// expireDeadlines demotes Pending units past their deploy deadline and gives up
// on Terminating units that were never observed.
func (l *Loop) expireDeadlines(now time.Time) {
	for _, id := range l.world.sortedUnitIDs() {
		rec := l.world.record(id)
		if rec.Deadline.IsZero() || now.Before(rec.Deadline) {
			continue
		}
		switch rec.Status {
		case StatusPending:
			if t, ok := l.world.Transition(id, StatusGone, ReasonCreateTimeout, now); ok {
				l.log.WithUnit(id, string(rec.Kind)).Warn("deploy timed out")
				l.recordTransition(t)
			}
			l.refund(rec, now)
			// The create may still land; keep the tombstone until its pod is gone.
			rec.cleanup = true
			if rec.applied {
				l.deleteLeftover(rec)
			}
		case StatusTerminating:
			if !rec.Observed && !rec.deleteInFlight && rec.applied {
				if t, ok := l.world.Transition(id, StatusGone, ReasonDeleted, now); ok {
					l.recordTransition(t)
				}
			}
		}
	}
}

// retryDeletes reissues deletes that failed or were queued, while the cluster
// is reachable. Both player deletes and refunded leftovers are retried.
func (l *Loop) retryDeletes() {
	if l.world.Degraded() {
		return
	}
	for _, id := range l.world.sortedUnitIDs() {
		rec := l.world.record(id)
		if !rec.deleteFailed || rec.deleteInFlight {
			continue
		}
		if rec.Status == StatusTerminating || (rec.Status == StatusGone && rec.cleanup) {
			l.issueDelete(rec)
		}
	}
}

// cleanupLatePod deletes a pod that shows up for a unit already written off
// with a refund, so no workload outlives its refunded unit.
func (l *Loop) cleanupLatePod(p ObservedPod) {
	rec := l.world.record(p.Name)
	if rec == nil || rec.Status != StatusGone || !rec.Reason.Refundable() || p.Deleting || p.Phase.IsTerminal() {
		return
	}
	rec.cleanup = true
	l.deleteLeftover(rec)
}

// deleteLeftover removes the pod of a refunded unit, or queues the delete for
// retryDeletes while the cluster is unreachable.
func (l *Loop) deleteLeftover(rec *unitRecord) {
	if l.world.Degraded() {
		if !rec.deleteInFlight {
			rec.deleteFailed = true
		}
		return
	}
	l.issueDelete(rec)
}
