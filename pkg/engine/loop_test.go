package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"
)

func TestLoopMinerProcessorScenario(t *testing.T) {
	h := newHarness(t, nil)

	miner := h.mustDeploy(KindMiner, "10.0.0.5")
	snap := h.snapshot()
	if snap.Credits != 50 {
		t.Fatalf("credits after miner deploy = %d, want 50", snap.Credits)
	}
	if got := h.unit(miner.UnitID).Status; got != StatusPending {
		t.Fatalf("miner status = %s, want pending", got)
	}

	h.podReady(miner.UnitID, KindMiner, "10.1.0.9", "10.0.0.5")
	h.barrier()
	if got := h.unit(miner.UnitID).Status; got != StatusRunning {
		t.Fatalf("miner status = %s, want running", got)
	}
	if len(h.snapshot().Links) != 0 {
		t.Fatalf("links without a processor = %v, want none", h.snapshot().Links)
	}

	h.tick(time.Second)
	if got := h.snapshot().Credits; got != 50 {
		t.Fatalf("credits with no links after tick = %d, want 50", got)
	}

	proc := h.mustDeploy(KindProcessor, "")
	if got := h.snapshot().Credits; got != 0 {
		t.Fatalf("credits after processor deploy = %d, want 0", got)
	}

	h.podReady(proc.UnitID, KindProcessor, "10.0.0.5", "")
	h.barrier()
	links := h.snapshot().Links
	if len(links) != 1 || links[0].MinerID != miner.UnitID || links[0].ProcessorID != proc.UnitID {
		t.Fatalf("links = %+v, want one link %s->%s", links, miner.UnitID, proc.UnitID)
	}
	if h.snapshot().Rate != 1 {
		t.Errorf("rate = %d, want 1", h.snapshot().Rate)
	}

	h.tick(time.Second)
	if got := h.snapshot().Credits; got != 1 {
		t.Fatalf("credits after one linked tick = %d, want 1", got)
	}

	before := h.snapshot().Credits
	for i := 0; i < 4; i++ {
		h.tick(time.Second)
	}
	if got := h.snapshot().Credits; got != before+4 {
		t.Errorf("credits after 4 ticks = %d, want %d", got, before+4)
	}
}

func TestLoopApplyFailureRefunds(t *testing.T) {
	h := newHarness(t, nil)
	h.writer.setApplyErr(NewApplyError("admission webhook denied", nil))

	ack := h.mustDeploy(KindMiner, "10.0.0.5")
	waitFor(t, "create-failed", func() bool {
		u, ok := h.snapshot().Unit(ack.UnitID)
		return ok && u.Status == StatusGone
	})

	u := h.unit(ack.UnitID)
	if u.Reason != ReasonCreateFailed {
		t.Errorf("reason = %q, want %q", u.Reason, ReasonCreateFailed)
	}
	if !u.Refunded {
		t.Error("unit not marked refunded")
	}
	snap := h.snapshot()
	if snap.Credits != 100 {
		t.Errorf("credits after refund = %d, want 100", snap.Credits)
	}

	var kinds []LedgerEntryKind
	for _, e := range snap.Ledger {
		kinds = append(kinds, e.Kind)
	}
	if len(kinds) != 2 || kinds[0] != LedgerSpend || kinds[1] != LedgerRefund {
		t.Errorf("ledger kinds = %v, want [spend refund]", kinds)
	}

	// A late event for the written-off pod must not revive it.
	h.podReady(ack.UnitID, KindMiner, "10.1.0.9", "10.0.0.5")
	h.barrier()
	if got := h.unit(ack.UnitID).Status; got != StatusGone {
		t.Errorf("status after late pod event = %s, want gone", got)
	}
	if got := h.snapshot().Credits; got != 100 {
		t.Errorf("credits after late pod event = %d, want 100", got)
	}
}

func TestLoopInsufficientCredits(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.StartingCredits = 30 })
	before := h.snapshot()

	_, err := h.submit(DeployIntent(KindMiner, "10.0.0.5"))
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("deploy error = %v, want ErrInsufficientCredits", err)
	}
	if !IsValidation(err) {
		t.Errorf("error class = %s, want validation", ClassOf(err))
	}

	h.barrier()
	applied, deleted := h.writer.counts()
	if applied != 0 || deleted != 0 {
		t.Errorf("cluster calls = %d applies, %d deletes, want none", applied, deleted)
	}
	if h.renderer.callCount() != 0 {
		t.Errorf("renderer called %d times, want 0", h.renderer.callCount())
	}
	after := h.snapshot()
	if len(after.Units) != 0 || after.Credits != before.Credits || len(after.Ledger) != 0 {
		t.Errorf("world mutated: units=%d credits=%d ledger=%d", len(after.Units), after.Credits, len(after.Ledger))
	}
}

func TestLoopDeployValidation(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name   string
		intent Intent
		want   error
		code   string
	}{
		{name: "malformed address", intent: DeployIntent(KindMiner, "10.0.0"), want: ErrInvalidAddress},
		{name: "hostname", intent: DeployIntent(KindMiner, "processor.local"), want: ErrInvalidAddress},
		{name: "missing target", intent: DeployIntent(KindMiner, ""), want: ErrInvalidAddress},
		{name: "unknown kind", intent: DeployIntent("refinery", ""), code: ErrCodeInvalidKind},
		{name: "unknown intent", intent: Intent{Type: "upgrade"}, code: ErrCodeValidation},
		{name: "delete without id", intent: DeleteIntent(""), code: ErrCodeValidation},
		{name: "delete unknown unit", intent: DeleteIntent("miner-nope"), code: ErrCodeUnitNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.submit(tt.intent)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if tt.code != "" && CodeOf(err) != tt.code {
				t.Errorf("code = %s, want %s", CodeOf(err), tt.code)
			}
		})
	}

	if got := h.snapshot().Credits; got != 100 {
		t.Errorf("credits after rejected intents = %d, want 100", got)
	}

	ack := h.mustDeploy(KindMiner, " 10.0.0.5 ")
	if got := h.unit(ack.UnitID).TargetAddress; got != "10.0.0.5" {
		t.Errorf("target address = %q, want trimmed 10.0.0.5", got)
	}
	h.mustDeploy(KindProcessor, "")
}

func TestLoopRenderFailureMutatesNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.renderer.err = errors.New("template: bad field")

	_, err := h.submit(DeployIntent(KindProcessor, ""))
	if CodeOf(err) != ErrCodeRenderFailed {
		t.Fatalf("error = %v, want %s", err, ErrCodeRenderFailed)
	}
	snap := h.snapshot()
	if snap.Credits != 100 || len(snap.Units) != 0 {
		t.Errorf("world mutated after render failure: credits=%d units=%d", snap.Credits, len(snap.Units))
	}
}

func TestLoopChaosRacesPlayerDelete(t *testing.T) {
	h := newHarness(t, nil)
	ack := h.mustDeploy(KindMiner, "10.0.0.5")
	h.podReady(ack.UnitID, KindMiner, "10.1.0.9", "10.0.0.5")
	h.barrier()

	del, err := h.submit(DeleteIntent(ack.UnitID))
	if err != nil || del.Status != AckAccepted {
		t.Fatalf("player delete = %+v, %v", del, err)
	}
	if got := h.unit(ack.UnitID).Status; got != StatusTerminating {
		t.Fatalf("status after delete = %s, want terminating", got)
	}
	waitFor(t, "delete call", func() bool {
		_, deleted := h.writer.counts()
		return deleted == 1
	})

	chaos, err := h.submit(Intent{Type: IntentDelete, UnitID: ack.UnitID, Origin: OriginChaos})
	if err != nil {
		t.Fatalf("chaos delete error = %v, want nil", err)
	}
	if chaos.Status != AckSkipped {
		t.Errorf("chaos ack = %s, want skipped", chaos.Status)
	}

	again, err := h.submit(DeleteIntent(ack.UnitID))
	if err != nil || again.Status != AckSkipped {
		t.Errorf("second player delete = %+v, %v, want skipped", again, err)
	}

	h.podRemoved(ack.UnitID)
	h.barrier()

	if _, deleted := h.writer.counts(); deleted != 1 {
		t.Errorf("delete calls = %d, want 1", deleted)
	}
	u := h.unit(ack.UnitID)
	if u.Status != StatusGone || u.Reason != ReasonDeleted {
		t.Errorf("unit = %s/%s, want gone/deleted", u.Status, u.Reason)
	}
	if u.Refunded || h.snapshot().Credits != 50 {
		t.Errorf("destroyed unit refunded: refunded=%v credits=%d", u.Refunded, h.snapshot().Credits)
	}
}

func TestLoopChaosRoundTripNoRefund(t *testing.T) {
	h := newHarness(t, nil)
	ack := h.mustDeploy(KindProcessor, "")

	var seen []UnitStatus
	record := func() { seen = append(seen, h.unit(ack.UnitID).Status) }
	record()

	h.podReady(ack.UnitID, KindProcessor, "10.0.0.7", "")
	h.barrier()
	record()

	res, err := h.submit(Intent{Type: IntentDelete, UnitID: ack.UnitID, Origin: OriginChaos})
	if err != nil || res.Status != AckAccepted {
		t.Fatalf("chaos delete = %+v, %v", res, err)
	}
	record()

	h.podRemoved(ack.UnitID)
	h.barrier()
	record()

	want := []UnitStatus{StatusPending, StatusRunning, StatusTerminating, StatusGone}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("lifecycle = %v, want %v", seen, want)
		}
	}
	if got := h.snapshot().Credits; got != 50 {
		t.Errorf("credits = %d, want 50 (no refund)", got)
	}
}

func TestLoopExternalRemovalNoRefund(t *testing.T) {
	h := newHarness(t, nil)
	ack := h.mustDeploy(KindMiner, "10.0.0.5")
	h.podReady(ack.UnitID, KindMiner, "10.1.0.9", "10.0.0.5")
	h.podRemoved(ack.UnitID)
	h.barrier()

	u := h.unit(ack.UnitID)
	if u.Status != StatusGone || u.Reason != ReasonRemoved {
		t.Errorf("unit = %s/%s, want gone/removed", u.Status, u.Reason)
	}
	if u.Refunded || h.snapshot().Credits != 50 {
		t.Errorf("external removal refunded: refunded=%v credits=%d", u.Refunded, h.snapshot().Credits)
	}
	if _, deleted := h.writer.counts(); deleted != 0 {
		t.Errorf("delete calls = %d, want 0", deleted)
	}
}

func TestLoopDuplicateEventIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	ack := h.mustDeploy(KindMiner, "10.0.0.5")

	ev := ClusterEvent{
		Type:     EventPodModified,
		Seq:      7,
		Revision: 100,
		Name:     ack.UnitID,
		Pod: &ObservedPod{
			Name: ack.UnitID, Kind: KindMiner, NodeName: "node-a",
			IP: "10.1.0.9", Target: "10.0.0.5", Phase: PodPhaseRunning, Ready: true,
		},
	}
	h.observe(ev)
	h.barrier()
	first := h.unit(ack.UnitID)

	h.clock.Advance(time.Minute)
	h.observe(ev)
	h.barrier()
	if second := h.unit(ack.UnitID); second != first {
		t.Errorf("duplicate event changed the unit:\nfirst  %+v\nsecond %+v", first, second)
	}

	// Same revision under a fresh sequence number is a replay after resubscription.
	replay := ev
	replay.Seq = 8
	h.observe(replay)
	h.barrier()
	if got := h.unit(ack.UnitID); got != first {
		t.Errorf("replayed revision changed the unit")
	}

	// An older revision is dropped even with a newer sequence number.
	older := ev
	older.Seq = 9
	older.Revision = 99
	older.Pod = &ObservedPod{Name: ack.UnitID, Kind: KindMiner, Phase: PodPhaseFailed}
	h.observe(older)
	h.barrier()
	if got := h.unit(ack.UnitID).Status; got != StatusRunning {
		t.Errorf("stale event applied: status = %s", got)
	}
}

func TestLoopCreateTimeoutRefundsAndCleansUp(t *testing.T) {
	h := newHarness(t, nil)
	ack := h.mustDeploy(KindMiner, "10.0.0.5")
	waitFor(t, "apply call", func() bool {
		applied, _ := h.writer.counts()
		return applied == 1
	})

	h.tick(30 * time.Second)
	if got := h.unit(ack.UnitID).Status; got != StatusPending {
		t.Fatalf("status before deadline = %s, want pending", got)
	}

	h.tick(31 * time.Second)
	u := h.unit(ack.UnitID)
	if u.Status != StatusGone || u.Reason != ReasonCreateTimeout {
		t.Fatalf("unit = %s/%s, want gone/create-timeout", u.Status, u.Reason)
	}
	if !u.Refunded || h.snapshot().Credits != 100 {
		t.Errorf("timeout not refunded: refunded=%v credits=%d", u.Refunded, h.snapshot().Credits)
	}

	waitFor(t, "cleanup delete", func() bool {
		names := h.writer.deletedNames()
		return len(names) >= 1 && names[0] == ack.UnitID
	})

	h.tick(time.Second)
	if got := h.snapshot().Credits; got != 100 {
		t.Errorf("credits after further ticks = %d, want 100 (refund applied once)", got)
	}
}

func TestLoopDeletePendingBeforeCreateReturns(t *testing.T) {
	h := newHarness(t, nil)
	gate := make(chan struct{})
	h.writer.mu.Lock()
	h.writer.applyGate = gate
	h.writer.mu.Unlock()

	ack := h.mustDeploy(KindMiner, "10.0.0.5")
	del, err := h.submit(DeleteIntent(ack.UnitID))
	if err != nil || del.Status != AckAccepted {
		t.Fatalf("delete pending = %+v, %v", del, err)
	}
	if got := h.unit(ack.UnitID).Status; got != StatusTerminating {
		t.Fatalf("status = %s, want terminating", got)
	}
	if _, deleted := h.writer.counts(); deleted != 0 {
		t.Fatalf("delete issued before create settled")
	}

	close(gate)
	waitFor(t, "delete after create", func() bool {
		_, deleted := h.writer.counts()
		return deleted == 1
	})
	waitFor(t, "gone", func() bool {
		u, _ := h.snapshot().Unit(ack.UnitID)
		return u.Status == StatusGone
	})
	if u := h.unit(ack.UnitID); u.Reason != ReasonDeleted || u.Refunded {
		t.Errorf("unit = %s refunded=%v, want deleted without refund", u.Reason, u.Refunded)
	}
}

func TestLoopDegradedModeRejectsIntents(t *testing.T) {
	h := newHarness(t, nil)
	ack := h.mustDeploy(KindProcessor, "")
	h.podReady(ack.UnitID, KindProcessor, "10.0.0.5", "")

	h.observe(ClusterEvent{Type: EventAvailability, Available: false})
	h.barrier()
	snap := h.snapshot()
	if !snap.Degraded {
		t.Fatal("snapshot not degraded")
	}
	if len(snap.Units) != 1 {
		t.Errorf("degraded snapshot lost units: %d", len(snap.Units))
	}

	if _, err := h.submit(DeployIntent(KindMiner, "10.0.0.5")); !errors.Is(err, ErrClusterUnavailable) {
		t.Errorf("deploy while degraded = %v, want ErrClusterUnavailable", err)
	}
	if _, err := h.submit(DeleteIntent(ack.UnitID)); !errors.Is(err, ErrClusterUnavailable) {
		t.Errorf("delete while degraded = %v, want ErrClusterUnavailable", err)
	}

	h.observe(ClusterEvent{Type: EventAvailability, Available: true})
	h.barrier()
	if h.snapshot().Degraded {
		t.Fatal("still degraded after recovery")
	}
	h.mustDeploy(KindMiner, "10.0.0.5")
}

func TestLoopPolicyDenial(t *testing.T) {
	policy := &mockPolicy{deny: true}
	h := newHarness(t, func(o *Options) { o.Policy = policy })
	h.node("node-a")

	_, err := h.submit(DeployIntent(KindMiner, "10.0.0.5"))
	if !errors.Is(err, ErrPolicyDenied) {
		t.Fatalf("error = %v, want ErrPolicyDenied", err)
	}
	if applied, _ := h.writer.counts(); applied != 0 || h.snapshot().Credits != 100 {
		t.Errorf("denied deploy had effects: applies=%d credits=%d", applied, h.snapshot().Credits)
	}

	policy.mu.Lock()
	req := policy.seen[0]
	policy.mu.Unlock()
	if req.Kind != KindMiner || req.Cost != 50 || req.Balance != 100 || req.NodeCount != 1 {
		t.Errorf("policy request = %+v", req)
	}
}

func TestLoopPriceStep(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Tuning.CostStep = 10
		o.StartingCredits = 500
	})

	first := h.mustDeploy(KindMiner, "10.0.0.5")
	second := h.mustDeploy(KindMiner, "10.0.0.5")
	proc := h.mustDeploy(KindProcessor, "")
	if first.Cost != 50 || second.Cost != 60 || proc.Cost != 50 {
		t.Errorf("costs = %d, %d, %d, want 50, 60, 50", first.Cost, second.Cost, proc.Cost)
	}
	if got := h.snapshot().Prices[KindMiner]; got != 70 {
		t.Errorf("next miner price = %d, want 70", got)
	}
}

func TestLoopUpkeepDrainsToZero(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Tuning.UpkeepPerUnit = 30
		o.StartingCredits = 110
	})
	h.mustDeploy(KindProcessor, "")
	h.mustDeploy(KindProcessor, "")

	h.upkeepTick()
	if got := h.snapshot().Credits; got != 0 {
		t.Fatalf("credits after upkeep = %d, want 0 (saturated)", got)
	}
	h.upkeepTick()
	if got := h.snapshot().Credits; got != 0 {
		t.Errorf("credits went below zero or changed: %d", got)
	}
}

func TestLoopMaxLinksPerProcessor(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.StartingCredits = 1000 })
	proc := h.mustDeploy(KindProcessor, "")
	h.podReady(proc.UnitID, KindProcessor, "10.0.0.5", "")
	for i := 0; i < 5; i++ {
		m := h.mustDeploy(KindMiner, "10.0.0.5")
		h.podReady(m.UnitID, KindMiner, "10.1.0.1", "10.0.0.5")
	}
	h.barrier()
	if got := len(h.snapshot().Links); got != 3 {
		t.Errorf("links = %d, want 3 (per-processor cap)", got)
	}
}

func TestLoopAdoptsUnknownPods(t *testing.T) {
	h := newHarness(t, nil)
	h.node("node-a")
	h.podReady("processor-old1", KindProcessor, "10.0.0.5", "")
	h.barrier()

	u := h.unit("processor-old1")
	if u.Origin != OriginAdopted || u.Status != StatusRunning || u.Cost != 0 {
		t.Errorf("adopted unit = %+v", u)
	}
	if h.snapshot().Credits != 100 {
		t.Errorf("adoption changed credits")
	}
	nodes := h.snapshot().Nodes
	if len(nodes) != 1 || len(nodes[0].Units) != 1 || nodes[0].Units[0] != "processor-old1" {
		t.Errorf("node units = %+v", nodes)
	}
}

func TestLoopNodeRemovalOrphansUnits(t *testing.T) {
	h := newHarness(t, nil)
	h.node("node-a")
	ack := h.mustDeploy(KindProcessor, "")
	h.podReady(ack.UnitID, KindProcessor, "10.0.0.5", "")

	h.seq++
	h.observe(ClusterEvent{Type: EventNodeRemoved, Seq: h.seq, Name: "node-a"})
	h.barrier()
	if u := h.unit(ack.UnitID); !u.Orphaned || u.Status != StatusRunning {
		t.Errorf("unit after node removal = orphaned %v status %s", u.Orphaned, u.Status)
	}

	h.node("node-a")
	h.barrier()
	if u := h.unit(ack.UnitID); u.Orphaned {
		t.Error("unit still orphaned after node returned")
	}
}

func TestLoopPodTerminatedPhase(t *testing.T) {
	h := newHarness(t, nil)
	ack := h.mustDeploy(KindProcessor, "")
	h.podReady(ack.UnitID, KindProcessor, "10.0.0.5", "")
	h.podEvent(EventPodModified, ObservedPod{Name: ack.UnitID, Kind: KindProcessor, Phase: PodPhaseFailed})
	h.barrier()

	u := h.unit(ack.UnitID)
	if u.Status != StatusGone || u.Reason != ReasonPodTerminated || u.Refunded {
		t.Errorf("unit = %s/%s refunded=%v", u.Status, u.Reason, u.Refunded)
	}
}

func TestLoopUpdateTuning(t *testing.T) {
	h := newHarness(t, nil)
	proc := h.mustDeploy(KindProcessor, "")
	miner := h.mustDeploy(KindMiner, "10.0.0.5")
	h.podReady(proc.UnitID, KindProcessor, "10.0.0.5", "")
	h.podReady(miner.UnitID, KindMiner, "10.1.0.1", "10.0.0.5")

	tuning := h.tuning
	tuning.CreditRate = 5
	h.tuning = tuning
	h.barrier()

	if got := h.snapshot().Rate; got != 5 {
		t.Errorf("rate after tuning update = %d, want 5", got)
	}
	h.tick(time.Second)
	if got := h.snapshot().Credits; got != 5 {
		t.Errorf("credits = %d, want 5", got)
	}

	if err := h.loop.UpdateTuning(h.ctx, Tuning{CreditRate: -1}); err == nil {
		t.Error("negative credit rate accepted")
	}
}

func TestLoopDeleteRetriesAfterFailure(t *testing.T) {
	h := newHarness(t, nil)
	ack := h.mustDeploy(KindProcessor, "")
	h.podReady(ack.UnitID, KindProcessor, "10.0.0.5", "")
	h.barrier()

	h.writer.mu.Lock()
	h.writer.deleteErr = NewTransientError("api server timeout", nil)
	h.writer.mu.Unlock()

	if _, err := h.submit(DeleteIntent(ack.UnitID)); err != nil {
		t.Fatalf("delete error = %v", err)
	}
	waitFor(t, "first delete", func() bool {
		_, deleted := h.writer.counts()
		return deleted == 1
	})

	h.writer.mu.Lock()
	h.writer.deleteErr = nil
	h.writer.mu.Unlock()

	waitFor(t, "retried delete", func() bool {
		h.tick(time.Second)
		_, deleted := h.writer.counts()
		return deleted >= 2
	})
}

func (m *mockWriter) setDeleteErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

func TestLoopRefundedPodRemovedAfterOutage(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Tuning.GoneRetention = time.Minute })
	ack := h.mustDeploy(KindMiner, "10.0.0.5")
	waitFor(t, "apply result", func() bool {
		applied, _ := h.writer.counts()
		return applied == 1
	})
	h.barrier()

	h.writer.setDeleteErr(NewTransientError("api server timeout", nil))
	h.observe(ClusterEvent{Type: EventAvailability, Available: false})
	h.tick(61 * time.Second)

	u := h.unit(ack.UnitID)
	if u.Status != StatusGone || u.Reason != ReasonCreateTimeout || !u.Refunded {
		t.Fatalf("unit = %s/%s refunded=%v, want refunded create-timeout", u.Status, u.Reason, u.Refunded)
	}
	if _, deleted := h.writer.counts(); deleted != 0 {
		t.Fatalf("delete issued while degraded: %d calls", deleted)
	}

	// The relist after the outage replays the pod that landed anyway.
	h.podReady(ack.UnitID, KindMiner, "10.1.0.9", "10.0.0.5")
	h.observe(ClusterEvent{Type: EventAvailability, Available: true})
	h.barrier()
	waitFor(t, "queued cleanup delete", func() bool {
		_, deleted := h.writer.counts()
		return deleted >= 1
	})

	// The delete keeps failing; the tombstone must outlive its retention.
	h.tick(2 * time.Minute)
	h.podReady(ack.UnitID, KindMiner, "10.1.0.9", "10.0.0.5")
	h.barrier()

	snap := h.snapshot()
	if len(snap.Units) != 1 {
		t.Fatalf("units = %+v, want only the refunded tombstone", snap.Units)
	}
	if u := snap.Units[0]; u.ID != ack.UnitID || u.Status != StatusGone || u.Origin == OriginAdopted {
		t.Fatalf("unit = %+v, want the gone tombstone", u)
	}
	if snap.Credits != 100 {
		t.Errorf("credits = %d, want 100", snap.Credits)
	}

	h.writer.setDeleteErr(nil)
	waitFor(t, "tombstone pruned after cleanup", func() bool {
		h.tick(time.Second)
		_, ok := h.snapshot().Unit(ack.UnitID)
		return !ok
	})
	for _, name := range h.writer.deletedNames() {
		if name != ack.UnitID {
			t.Errorf("unexpected delete of %s", name)
		}
	}
	if got := h.snapshot().Credits; got != 100 {
		t.Errorf("credits after cleanup = %d, want 100", got)
	}
}

func TestLoopGoneTombstoneKeptUntilPodRemoved(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Tuning.GoneRetention = time.Minute })
	ack := h.mustDeploy(KindProcessor, "")
	waitFor(t, "apply result", func() bool {
		applied, _ := h.writer.counts()
		return applied == 1
	})
	h.barrier()
	h.observe(ClusterEvent{Type: EventAvailability, Available: false})
	h.tick(61 * time.Second)
	h.tick(2 * time.Minute)
	if _, ok := h.snapshot().Unit(ack.UnitID); !ok {
		t.Fatal("tombstone pruned while its pod may still exist")
	}

	h.podRemoved(ack.UnitID)
	h.tick(time.Second)
	if _, ok := h.snapshot().Unit(ack.UnitID); ok {
		t.Error("tombstone kept after the pod was removed")
	}
}

func TestLoopUnreachableCallEntersDegradedMode(t *testing.T) {
	t.Run("delete", func(t *testing.T) {
		h := newHarness(t, nil)
		ack := h.mustDeploy(KindProcessor, "")
		h.podReady(ack.UnitID, KindProcessor, "10.0.0.5", "")
		h.barrier()

		h.writer.setDeleteErr(NewUnavailableError("retries exhausted", nil))
		if _, err := h.submit(DeleteIntent(ack.UnitID)); err != nil {
			t.Fatalf("delete error = %v", err)
		}
		waitFor(t, "degraded", func() bool { return h.snapshot().Degraded })
		if _, err := h.submit(DeployIntent(KindMiner, "10.0.0.5")); !errors.Is(err, ErrClusterUnavailable) {
			t.Errorf("deploy while degraded = %v, want ErrClusterUnavailable", err)
		}

		// A synced relist lifts it and the delete is reissued.
		h.writer.setDeleteErr(nil)
		h.observe(ClusterEvent{Type: EventAvailability, Available: true})
		h.barrier()
		if h.snapshot().Degraded {
			t.Fatal("still degraded after streams synced")
		}
		waitFor(t, "reissued delete", func() bool {
			_, deleted := h.writer.counts()
			return deleted == 2
		})
	})

	t.Run("apply", func(t *testing.T) {
		h := newHarness(t, nil)
		h.writer.setApplyErr(NewUnavailableError("retries exhausted", nil))
		ack := h.mustDeploy(KindMiner, "10.0.0.5")
		waitFor(t, "degraded", func() bool { return h.snapshot().Degraded })
		if u := h.unit(ack.UnitID); u.Status != StatusGone || !u.Refunded {
			t.Errorf("unit = %s refunded=%v, want refunded gone", u.Status, u.Refunded)
		}

		// Without a relist, degraded mode lapses after one deploy timeout.
		h.writer.setApplyErr(nil)
		h.tick(h.tuning.DeployTimeout / 2)
		if !h.snapshot().Degraded {
			t.Fatal("degraded mode lifted early")
		}
		h.tick(h.tuning.DeployTimeout)
		if h.snapshot().Degraded {
			t.Fatal("degraded mode did not lapse")
		}
		h.mustDeploy(KindMiner, "10.0.0.5")
	})

	t.Run("watch outage outlasts the call timeout", func(t *testing.T) {
		h := newHarness(t, nil)
		h.writer.setApplyErr(NewUnavailableError("retries exhausted", nil))
		h.mustDeploy(KindMiner, "10.0.0.5")
		waitFor(t, "degraded", func() bool { return h.snapshot().Degraded })
		h.observe(ClusterEvent{Type: EventAvailability, Available: false})
		h.tick(2 * h.tuning.DeployTimeout)
		if !h.snapshot().Degraded {
			t.Fatal("degraded mode lifted while the streams are down")
		}
	})
}

func TestLoopRandomizedSequences(t *testing.T) {
	for seed := uint64(1); seed <= 8; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			runRandomSequence(t, seed, 250)
		})
	}
}

// runRandomSequence drives the loop with a seeded mix of intents, cluster
// events, call failures and clock ticks, checking the world after each step.
func runRandomSequence(t *testing.T, seed uint64, steps int) {
	const starting = 500
	rng := rand.New(rand.NewPCG(seed, seed*7919))
	h := newHarness(t, func(o *Options) {
		o.StartingCredits = starting
		o.LedgerHistory = 100000
		o.Tuning.GoneRetention = 90 * time.Second
	})
	h.node("node-a")

	errs := []error{
		nil,
		nil,
		NewTransientError("api server timeout", nil),
		NewApplyError("admission webhook denied", nil),
		NewUnavailableError("retries exhausted", nil),
	}
	kinds := []UnitKind{KindMiner, KindProcessor}
	refunded := make(map[string]bool)
	strays := 0

	pick := func() (AstroUnit, bool) {
		units := h.snapshot().Units
		if len(units) == 0 {
			return AstroUnit{}, false
		}
		return units[rng.IntN(len(units))], true
	}
	ip := func() string { return fmt.Sprintf("10.0.0.%d", rng.IntN(4)+1) }
	checkIntentErr := func(op string, err error) {
		if err != nil && !IsValidation(err) && !IsUnavailable(err) {
			t.Fatalf("seed %d: %s returned %v", seed, op, err)
		}
	}

	for step := 0; step < steps; step++ {
		switch rng.IntN(12) {
		case 0, 1:
			kind := kinds[rng.IntN(2)]
			target := ""
			if kind == KindMiner {
				target = ip()
			}
			_, err := h.submit(DeployIntent(kind, target))
			checkIntentErr("deploy", err)
		case 2:
			if u, ok := pick(); ok {
				_, err := h.submit(DeleteIntent(u.ID))
				checkIntentErr("delete", err)
			}
		case 3:
			if u, ok := pick(); ok {
				_, err := h.submit(Intent{Type: IntentDelete, UnitID: u.ID, Origin: OriginChaos})
				checkIntentErr("chaos delete", err)
			}
		case 4, 5:
			if u, ok := pick(); ok {
				h.podReady(u.ID, u.Kind, ip(), u.TargetAddress)
			}
		case 6:
			if u, ok := pick(); ok {
				h.podEvent(EventPodModified, ObservedPod{Name: u.ID, Kind: u.Kind, NodeName: "node-a", Phase: PodPhaseRunning, Deleting: true})
			}
		case 7:
			if u, ok := pick(); ok {
				h.podRemoved(u.ID)
			}
		case 8:
			strays++
			kind := kinds[rng.IntN(2)]
			h.podReady(fmt.Sprintf("%s-stray%d", kind, strays), kind, ip(), ip())
		case 9:
			h.observe(ClusterEvent{Type: EventAvailability, Available: rng.IntN(3) > 0})
		case 10:
			h.writer.setApplyErr(errs[rng.IntN(len(errs))])
			h.writer.setDeleteErr(errs[rng.IntN(len(errs))])
		case 11:
			if rng.IntN(4) == 0 {
				h.upkeepTick()
			} else {
				h.tick(time.Duration(rng.IntN(40)+1) * time.Second)
			}
		}
		h.barrier()

		if err := h.loop.Violation(); err != nil {
			t.Fatalf("seed %d step %d: %v", seed, step, err)
		}
		snap := h.snapshot()
		if snap.Credits < 0 {
			t.Fatalf("seed %d step %d: negative credits %d", seed, step, snap.Credits)
		}
		for _, u := range snap.Units {
			if u.Refunded {
				refunded[u.ID] = true
				if u.Status != StatusGone || !u.Reason.Refundable() {
					t.Fatalf("seed %d step %d: refunded unit %s is %s/%s", seed, step, u.ID, u.Status, u.Reason)
				}
			} else if refunded[u.ID] {
				t.Fatalf("seed %d step %d: refunded unit %s came back as %s", seed, step, u.ID, u.Status)
			}
		}
		checkLedgerChain(t, snap.Ledger, starting)
	}
}

// checkLedgerChain verifies each entry moves the balance by its amount and no
// unit is refunded twice.
func checkLedgerChain(t *testing.T, entries []LedgerEntry, starting int64) {
	t.Helper()
	balance := starting
	refunds := make(map[string]int)
	for _, e := range entries {
		balance += e.Amount
		if e.Balance != balance {
			t.Fatalf("ledger entry %d balance %d, want %d", e.Seq, e.Balance, balance)
		}
		if e.Kind == LedgerRefund {
			refunds[e.UnitID]++
			if refunds[e.UnitID] > 1 {
				t.Fatalf("unit %s refunded twice", e.UnitID)
			}
		}
	}
}

func TestNewLoopRequiresCollaborators(t *testing.T) {
	if _, err := NewLoop(Options{Renderer: &mockRenderer{}}); err == nil {
		t.Error("NewLoop without writer should fail")
	}
	if _, err := NewLoop(Options{Writer: &mockWriter{}}); err == nil {
		t.Error("NewLoop without renderer should fail")
	}
	loop, err := NewLoop(Options{Writer: &mockWriter{}, Renderer: &mockRenderer{}, StartingCredits: 75})
	if err != nil {
		t.Fatalf("NewLoop() error = %v", err)
	}
	snap := loop.Snapshot()
	if snap == nil || snap.Credits != 75 || snap.Version != 1 {
		t.Fatalf("initial snapshot = %+v", snap)
	}
}

func TestLoopSubmitAfterStop(t *testing.T) {
	loop, err := NewLoop(Options{Writer: &mockWriter{}, Renderer: &mockRenderer{}})
	if err != nil {
		t.Fatalf("NewLoop() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := loop.Run(context.Background()); err == nil {
		t.Error("second Run should fail")
	}

	_, err = loop.Submit(context.Background(), DeployIntent(KindProcessor, ""))
	if !IsUnavailable(err) {
		t.Errorf("Submit after stop = %v, want unavailable", err)
	}
}
