package engine

import (
	"fmt"
	"sort"
	"time"
)

// unitRecord is an AstroUnit plus bookkeeping the snapshot does not expose.
type unitRecord struct {
	AstroUnit

	// applied is set once applyPod returned success.
	applied bool

	// deleteInFlight is set while a deletePod call is outstanding.
	deleteInFlight bool

	// deleteFailed is set when the last deletePod call gave up, or when a
	// delete was queued while the cluster was unreachable.
	deleteFailed bool

	// cleanup is set on a refunded unit whose pod may still exist. The
	// tombstone is kept until a delete succeeds or the pod is seen removed.
	cleanup bool

	// goneAt is when the unit became Gone, for tombstone retention.
	goneAt time.Time
}

// World is the authoritative in-memory projection of the cluster.
// It is owned by the reconciliation loop and must not be shared.
type World struct {
	nodes    map[string]*AstroNode
	units    map[string]*unitRecord
	links    []Link
	ledger   *Ledger
	degraded bool
	ticks    uint64
}

// NewWorld creates an empty world with a starting balance.
func NewWorld(startingCredits int64, ledgerHistory int) *World {
	return &World{
		nodes:  make(map[string]*AstroNode),
		units:  make(map[string]*unitRecord),
		ledger: NewLedger(startingCredits, ledgerHistory),
	}
}

// Ledger returns the credits ledger.
func (w *World) Ledger() *Ledger {
	return w.ledger
}

// Degraded reports whether the cluster is considered unavailable.
func (w *World) Degraded() bool {
	return w.degraded
}

// SetDegraded records cluster availability. It returns true if the flag changed.
func (w *World) SetDegraded(degraded bool) bool {
	changed := w.degraded != degraded
	w.degraded = degraded
	return changed
}

// Unit returns a copy of the unit with the given ID.
func (w *World) Unit(id string) (AstroUnit, bool) {
	r, ok := w.units[id]
	if !ok {
		return AstroUnit{}, false
	}
	return r.AstroUnit, true
}

// record returns the mutable record for id, or nil.
func (w *World) record(id string) *unitRecord {
	return w.units[id]
}

// Links returns the current link set.
func (w *World) Links() []Link {
	return w.links
}

// SetLinks replaces the link set.
func (w *World) SetLinks(links []Link) {
	w.links = links
}

// PruneLinks drops links whose endpoints are no longer Running.
func (w *World) PruneLinks() {
	kept := w.links[:0]
	for _, l := range w.links {
		m, okM := w.units[l.MinerID]
		p, okP := w.units[l.ProcessorID]
		if okM && okP && m.Status == StatusRunning && p.Status == StatusRunning &&
			m.TargetAddress == p.Address {
			kept = append(kept, l)
		}
	}
	w.links = kept
}

// LiveCount returns the number of Pending or Running units of a kind.
// An empty kind counts all kinds.
func (w *World) LiveCount(kind UnitKind) int {
	n := 0
	for _, r := range w.units {
		if r.Status.IsLive() && (kind == "" || r.Kind == kind) {
			n++
		}
	}
	return n
}

// NodeCount returns the number of known nodes.
func (w *World) NodeCount() int {
	return len(w.nodes)
}

// AddPending registers an optimistic Pending unit.
func (w *World) AddPending(u AstroUnit, now time.Time) (Transition, error) {
	if _, exists := w.units[u.ID]; exists {
		return Transition{}, NewValidationError(fmt.Sprintf("unit %s already exists", u.ID), nil).
			WithResource(u.ID)
	}
	u.Status = StatusPending
	u.Reason = ReasonNone
	u.CreatedAt = now
	u.UpdatedAt = now
	w.units[u.ID] = &unitRecord{AstroUnit: u}
	return Transition{UnitID: u.ID, Kind: u.Kind, To: StatusPending, At: now}, nil
}

// Transition moves a unit to a new status if the lifecycle allows it.
// A request that is not a legal step returns false and changes nothing.
func (w *World) Transition(id string, to UnitStatus, reason GoneReason, now time.Time) (Transition, bool) {
	r, ok := w.units[id]
	if !ok || !r.Status.CanTransition(to) {
		return Transition{}, false
	}
	t := Transition{UnitID: id, Kind: r.Kind, From: r.Status, To: to, At: now}
	r.Status = to
	r.UpdatedAt = now
	if to == StatusGone {
		r.Reason = reason
		r.goneAt = now
		r.deleteInFlight = false
		t.Reason = reason
	}
	return t, true
}

// UpsertNode adds or updates a node and re-attaches units that reference it.
// It returns true if the node was new.
func (w *World) UpsertNode(obs ObservedNode, now time.Time) bool {
	n, exists := w.nodes[obs.Name]
	if !exists {
		n = &AstroNode{ID: obs.Name}
		w.nodes[obs.Name] = n
	}
	n.Label = obs.Label
	if n.Label == "" {
		n.Label = obs.Name
	}
	n.Capacity = obs.Capacity
	n.Ready = obs.Ready
	n.UpdatedAt = now

	for _, r := range w.units {
		if r.NodeName == obs.Name {
			r.Orphaned = false
		}
	}
	return !exists
}

// RemoveNode drops a node. Units scheduled to it are marked orphaned, not removed.
func (w *World) RemoveNode(name string) bool {
	if _, ok := w.nodes[name]; !ok {
		return false
	}
	delete(w.nodes, name)
	for _, r := range w.units {
		if r.NodeName == name {
			r.Orphaned = true
		}
	}
	return true
}

// ObservePod folds an observed pod into the world and returns any resulting transitions.
// Unknown labelled pods are adopted. Events for Gone units are ignored.
func (w *World) ObservePod(p ObservedPod, now time.Time) []Transition {
	var out []Transition

	r, ok := w.units[p.Name]
	if !ok {
		if p.Phase.IsTerminal() {
			return nil
		}
		r = &unitRecord{AstroUnit: AstroUnit{
			ID:        p.Name,
			Kind:      p.Kind,
			Status:    StatusPending,
			Origin:    OriginAdopted,
			CreatedAt: now,
		}}
		w.units[p.Name] = r
		out = append(out, Transition{UnitID: p.Name, Kind: p.Kind, To: StatusPending, At: now})
	}
	if r.Status == StatusGone {
		return nil
	}

	r.Observed = true
	r.applied = true
	r.UpdatedAt = now
	r.Address = p.IP
	if p.NodeName != "" {
		r.NodeName = p.NodeName
	}
	if r.Kind == KindMiner && r.TargetAddress == "" {
		r.TargetAddress = p.Target
	}
	w.refreshOrphan(r)

	var next UnitStatus
	reason := ReasonNone
	switch {
	case p.Phase.IsTerminal():
		next, reason = StatusGone, ReasonPodTerminated
	case p.Deleting:
		next = StatusTerminating
	case p.Ready && r.Status == StatusPending:
		next = StatusRunning
	}
	if next != "" {
		if t, ok := w.Transition(p.Name, next, reason, now); ok {
			out = append(out, t)
		}
	}
	return out
}

// ObservePodRemoved records that a pod no longer exists on the cluster.
func (w *World) ObservePodRemoved(name string, now time.Time) (Transition, bool) {
	r, ok := w.units[name]
	if !ok {
		return Transition{}, false
	}
	if r.Status == StatusGone {
		r.cleanup = false
		return Transition{}, false
	}
	reason := ReasonRemoved
	if r.Status == StatusTerminating {
		reason = ReasonDeleted
	}
	return w.Transition(name, StatusGone, reason, now)
}

// PruneGone forgets Gone units older than retention and returns their IDs.
// Units still waiting on a pod cleanup are kept.
func (w *World) PruneGone(now time.Time, retention time.Duration) []string {
	var pruned []string
	for id, r := range w.units {
		if r.Status == StatusGone && !r.cleanup && now.Sub(r.goneAt) >= retention {
			delete(w.units, id)
			pruned = append(pruned, id)
		}
	}
	return pruned
}

func (w *World) refreshOrphan(r *unitRecord) {
	if r.NodeName == "" {
		r.Orphaned = false
		return
	}
	_, ok := w.nodes[r.NodeName]
	r.Orphaned = !ok
}

// sortedUnitIDs returns unit IDs in a stable order.
func (w *World) sortedUnitIDs() []string {
	ids := make([]string, 0, len(w.units))
	for id := range w.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CheckInvariants verifies the model invariants. It is cheap and used by tests
// after every applied event.
func (w *World) CheckInvariants() error {
	if w.ledger.Balance() < 0 {
		return fmt.Errorf("negative balance %d", w.ledger.Balance())
	}
	for id, r := range w.units {
		if id != r.ID {
			return fmt.Errorf("unit key %s holds unit %s", id, r.ID)
		}
		if r.Status == StatusGone || r.NodeName == "" {
			continue
		}
		_, present := w.nodes[r.NodeName]
		if present == r.Orphaned {
			return fmt.Errorf("unit %s node %s present=%v orphaned=%v", id, r.NodeName, present, r.Orphaned)
		}
	}
	for _, l := range w.links {
		m, ok := w.units[l.MinerID]
		if !ok || m.Kind != KindMiner || m.Status != StatusRunning {
			return fmt.Errorf("link %s->%s has invalid miner", l.MinerID, l.ProcessorID)
		}
		p, ok := w.units[l.ProcessorID]
		if !ok || p.Kind != KindProcessor || p.Status != StatusRunning {
			return fmt.Errorf("link %s->%s has invalid processor", l.MinerID, l.ProcessorID)
		}
		if m.TargetAddress != p.Address {
			return fmt.Errorf("link %s->%s address mismatch", l.MinerID, l.ProcessorID)
		}
	}
	return nil
}

// Snapshot builds an immutable copy of the world.
func (w *World) Snapshot(version uint64, econ *Economy, now time.Time) *Snapshot {
	s := &Snapshot{
		Version:  version,
		Nodes:    make([]AstroNode, 0, len(w.nodes)),
		Units:    make([]AstroUnit, 0, len(w.units)),
		Links:    append([]Link(nil), w.links...),
		Credits:  w.ledger.Balance(),
		Ledger:   w.ledger.Entries(),
		Degraded: w.degraded,
		Ticks:    w.ticks,
		TakenAt:  now,
		Prices:   make(map[UnitKind]int64, 2),
	}

	byNode := make(map[string][]string)
	for _, id := range w.sortedUnitIDs() {
		r := w.units[id]
		s.Units = append(s.Units, r.AstroUnit)
		if r.Status != StatusGone && r.NodeName != "" {
			byNode[r.NodeName] = append(byNode[r.NodeName], id)
		}
	}
	sort.SliceStable(s.Units, func(i, j int) bool {
		return s.Units[i].CreatedAt.Before(s.Units[j].CreatedAt)
	})

	for _, n := range w.nodes {
		node := *n
		node.Units = byNode[n.ID]
		s.Nodes = append(s.Nodes, node)
	}
	sort.Slice(s.Nodes, func(i, j int) bool { return s.Nodes[i].ID < s.Nodes[j].ID })

	if econ != nil {
		s.Rate = econ.RatePerTick(len(w.links))
		s.Prices[KindMiner] = econ.Price(KindMiner, w.LiveCount(KindMiner))
		s.Prices[KindProcessor] = econ.Price(KindProcessor, w.LiveCount(KindProcessor))
	}
	return s
}

// runningUnits returns Running units in ID order.
func (w *World) runningUnits() []AstroUnit {
	var out []AstroUnit
	for _, id := range w.sortedUnitIDs() {
		if r := w.units[id]; r.Status == StatusRunning {
			out = append(out, r.AstroUnit)
		}
	}
	return out
}
