package engine

import (
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to UnitStatus
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusGone, true},
		{StatusPending, StatusTerminating, true},
		{StatusRunning, StatusPending, false},
		{StatusRunning, StatusTerminating, true},
		{StatusTerminating, StatusRunning, false},
		{StatusTerminating, StatusGone, true},
		{StatusGone, StatusPending, false},
		{StatusGone, StatusRunning, false},
		{StatusGone, StatusGone, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestWorldGoneIsTerminal(t *testing.T) {
	now := time.Now()
	w := NewWorld(0, 0)
	if _, err := w.AddPending(AstroUnit{ID: "miner-a", Kind: KindMiner, TargetAddress: "10.0.0.5"}, now); err != nil {
		t.Fatalf("AddPending() error = %v", err)
	}
	if _, err := w.AddPending(AstroUnit{ID: "miner-a", Kind: KindMiner}, now); err == nil {
		t.Error("duplicate AddPending accepted")
	}

	if _, ok := w.Transition("miner-a", StatusGone, ReasonCreateFailed, now); !ok {
		t.Fatal("Pending -> Gone rejected")
	}
	if got := w.ObservePod(ObservedPod{Name: "miner-a", Kind: KindMiner, Phase: PodPhaseRunning, Ready: true}, now); len(got) != 0 {
		t.Errorf("pod event revived gone unit: %+v", got)
	}
	if _, ok := w.ObservePodRemoved("miner-a", now); ok {
		t.Error("removal of gone unit produced a transition")
	}
	u, _ := w.Unit("miner-a")
	if u.Status != StatusGone || u.Reason != ReasonCreateFailed {
		t.Errorf("unit = %s/%s", u.Status, u.Reason)
	}
}

func TestWorldObservePodLifecycle(t *testing.T) {
	now := time.Now()
	w := NewWorld(0, 0)
	w.UpsertNode(ObservedNode{Name: "node-a", Ready: true}, now)
	_, _ = w.AddPending(AstroUnit{ID: "processor-a", Kind: KindProcessor}, now)

	ts := w.ObservePod(ObservedPod{Name: "processor-a", Kind: KindProcessor, NodeName: "node-a", Phase: PodPhasePending}, now)
	if len(ts) != 0 {
		t.Errorf("unready pod transitioned: %+v", ts)
	}
	u, _ := w.Unit("processor-a")
	if !u.Observed || u.NodeName != "node-a" {
		t.Errorf("unit not updated from observation: %+v", u)
	}

	ts = w.ObservePod(ObservedPod{Name: "processor-a", Kind: KindProcessor, NodeName: "node-a", IP: "10.0.0.5", Phase: PodPhaseRunning, Ready: true}, now)
	if len(ts) != 1 || ts[0].From != StatusPending || ts[0].To != StatusRunning {
		t.Fatalf("ready transition = %+v", ts)
	}

	ts = w.ObservePod(ObservedPod{Name: "processor-a", Kind: KindProcessor, NodeName: "node-a", IP: "10.0.0.5", Phase: PodPhaseRunning, Deleting: true}, now)
	if len(ts) != 1 || ts[0].To != StatusTerminating {
		t.Fatalf("deleting transition = %+v", ts)
	}

	tr, ok := w.ObservePodRemoved("processor-a", now)
	if !ok || tr.Reason != ReasonDeleted {
		t.Errorf("removal after terminating = %+v, %v, want reason deleted", tr, ok)
	}
	if err := w.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants() = %v", err)
	}
}

func TestWorldAdoptIgnoresTerminalPods(t *testing.T) {
	w := NewWorld(0, 0)
	if ts := w.ObservePod(ObservedPod{Name: "miner-x", Kind: KindMiner, Phase: PodPhaseSucceeded}, time.Now()); ts != nil {
		t.Errorf("terminal pod adopted: %+v", ts)
	}
	if _, ok := w.Unit("miner-x"); ok {
		t.Error("terminal pod registered")
	}
}

func TestWorldLiveCountAndPruneGone(t *testing.T) {
	start := time.Now()
	w := NewWorld(0, 0)
	_, _ = w.AddPending(AstroUnit{ID: "miner-a", Kind: KindMiner}, start)
	_, _ = w.AddPending(AstroUnit{ID: "miner-b", Kind: KindMiner}, start)
	_, _ = w.AddPending(AstroUnit{ID: "processor-a", Kind: KindProcessor}, start)
	w.Transition("miner-b", StatusGone, ReasonCreateTimeout, start)

	if got := w.LiveCount(KindMiner); got != 1 {
		t.Errorf("LiveCount(miner) = %d, want 1", got)
	}
	if got := w.LiveCount(""); got != 2 {
		t.Errorf("LiveCount(all) = %d, want 2", got)
	}

	if pruned := w.PruneGone(start.Add(time.Minute), 5*time.Minute); len(pruned) != 0 {
		t.Errorf("pruned early: %v", pruned)
	}
	pruned := w.PruneGone(start.Add(5*time.Minute), 5*time.Minute)
	if len(pruned) != 1 || pruned[0] != "miner-b" {
		t.Errorf("pruned = %v, want [miner-b]", pruned)
	}
}

func TestWorldPruneGoneKeepsPendingCleanup(t *testing.T) {
	start := time.Now()
	w := NewWorld(0, 0)
	_, _ = w.AddPending(AstroUnit{ID: "miner-a", Kind: KindMiner}, start)
	w.Transition("miner-a", StatusGone, ReasonCreateTimeout, start)
	w.record("miner-a").cleanup = true

	if pruned := w.PruneGone(start.Add(time.Hour), time.Minute); len(pruned) != 0 {
		t.Fatalf("pruned %v while cleanup pending", pruned)
	}
	if _, ok := w.ObservePodRemoved("miner-a", start); ok {
		t.Error("removal of gone unit produced a transition")
	}
	if pruned := w.PruneGone(start.Add(time.Hour), time.Minute); len(pruned) != 1 {
		t.Errorf("pruned = %v, want [miner-a] once the pod is removed", pruned)
	}
}

func TestWorldSnapshotIsImmutable(t *testing.T) {
	now := time.Now()
	w := NewWorld(10, 0)
	w.UpsertNode(ObservedNode{Name: "node-b", Label: "Bravo"}, now)
	w.UpsertNode(ObservedNode{Name: "node-a"}, now)
	_, _ = w.AddPending(AstroUnit{ID: "processor-a", Kind: KindProcessor}, now)

	snap := w.Snapshot(1, NewEconomy(DefaultTuning()), now)
	if len(snap.Nodes) != 2 || snap.Nodes[0].ID != "node-a" || snap.Nodes[1].Label != "Bravo" {
		t.Errorf("nodes = %+v", snap.Nodes)
	}
	if snap.Nodes[0].Label != "node-a" {
		t.Errorf("default label = %q, want node name", snap.Nodes[0].Label)
	}
	if snap.Prices[KindProcessor] != 50 || snap.Credits != 10 {
		t.Errorf("prices=%v credits=%d", snap.Prices, snap.Credits)
	}

	w.Transition("processor-a", StatusGone, ReasonCreateFailed, now)
	if u, _ := snap.Unit("processor-a"); u.Status != StatusPending {
		t.Errorf("snapshot changed after world mutation: %s", u.Status)
	}
}

func TestWorldPruneLinks(t *testing.T) {
	now := time.Now()
	w := NewWorld(0, 0)
	_, _ = w.AddPending(AstroUnit{ID: "miner-a", Kind: KindMiner, TargetAddress: "10.0.0.5"}, now)
	_, _ = w.AddPending(AstroUnit{ID: "processor-a", Kind: KindProcessor}, now)
	w.ObservePod(ObservedPod{Name: "miner-a", Kind: KindMiner, Phase: PodPhaseRunning, Ready: true}, now)
	w.ObservePod(ObservedPod{Name: "processor-a", Kind: KindProcessor, IP: "10.0.0.5", Phase: PodPhaseRunning, Ready: true}, now)

	w.SetLinks(NewEconomy(DefaultTuning()).RecomputeLinks(w.runningUnits()))
	if len(w.Links()) != 1 {
		t.Fatalf("links = %d, want 1", len(w.Links()))
	}

	w.Transition("processor-a", StatusTerminating, ReasonNone, now)
	w.PruneLinks()
	if len(w.Links()) != 0 {
		t.Errorf("link survived terminating processor")
	}
	if err := w.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants() = %v", err)
	}
}
