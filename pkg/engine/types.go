package engine

import (
	"time"
)

// Cluster conventions shared by the renderer, the cluster client and the observer.
const (
	// LabelUnitKind marks a pod as an AstroUnit and carries its kind.
	LabelUnitKind = "cube-harvest.io/unit-type"

	// LabelManagedBy is set on every pod rendered by this process.
	LabelManagedBy = "app.kubernetes.io/managed-by"

	// ManagedByValue is the value of LabelManagedBy.
	ManagedByValue = "cubeharvest"

	// EnvTarget is the container env var holding a Miner's target address.
	EnvTarget = "TARGET"

	// LabelNodeDisplayName overrides an AstroNode's display label.
	LabelNodeDisplayName = "cube-harvest.io/display-name"
)

// Capacity is a node's allocatable budget, used only for UI affordance.
type Capacity struct {
	// CPUMillis is allocatable CPU in millicores.
	CPUMillis int64 `json:"cpu_millis"`

	// MemoryBytes is allocatable memory in bytes.
	MemoryBytes int64 `json:"memory_bytes"`

	// Pods is the allocatable pod count.
	Pods int64 `json:"pods"`
}

// AstroNode is the in-memory projection of a cluster Node.
type AstroNode struct {
	// ID is the cluster-assigned node name. Immutable.
	ID string `json:"id"`

	// Label is the display label.
	Label string `json:"label"`

	// Capacity is the node's allocatable budget.
	Capacity Capacity `json:"capacity"`

	// Ready mirrors the node's Ready condition.
	Ready bool `json:"ready"`

	// Units lists identifiers of non-Gone units scheduled to this node.
	Units []string `json:"units"`

	// UpdatedAt is when the node was last observed.
	UpdatedAt time.Time `json:"updated_at"`
}

// AstroUnit is the projection of a Pod plus game semantics.
type AstroUnit struct {
	// ID is the cluster-assigned pod name.
	ID string `json:"id"`

	// Kind is the game role.
	Kind UnitKind `json:"kind"`

	// Status is the lifecycle status.
	Status UnitStatus `json:"status"`

	// Reason explains a Gone status.
	Reason GoneReason `json:"reason,omitempty"`

	// NodeName is a weak reference to the owning AstroNode.
	NodeName string `json:"node_name,omitempty"`

	// Orphaned is set when NodeName names a node not present in the WorldModel.
	Orphaned bool `json:"orphaned,omitempty"`

	// TargetAddress is the player-entered Processor address. Miners only.
	TargetAddress string `json:"target_address,omitempty"`

	// Address is the pod's live network address.
	Address string `json:"address,omitempty"`

	// Origin tells how the unit came to exist.
	Origin Origin `json:"origin"`

	// Cost is the amount debited when the unit was deployed.
	Cost int64 `json:"cost"`

	// Refunded is set once Cost has been returned by a compensating refund.
	Refunded bool `json:"refunded,omitempty"`

	// Observed is set once the StateObserver has reported the pod.
	Observed bool `json:"observed"`

	// Deadline is when a Pending unit is demoted with create-timeout.
	Deadline time.Time `json:"deadline,omitempty"`

	// CreatedAt is when the unit entered the WorldModel.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is the time of the last mutation.
	UpdatedAt time.Time `json:"updated_at"`
}

// Link is a derived pairing between a Running Miner and a Running Processor.
type Link struct {
	// MinerID is the Miner endpoint.
	MinerID string `json:"miner_id"`

	// ProcessorID is the Processor endpoint.
	ProcessorID string `json:"processor_id"`

	// Address is the Processor address both endpoints agree on.
	Address string `json:"address"`
}

// Transition records one lifecycle step of a unit.
type Transition struct {
	UnitID string     `json:"unit_id"`
	Kind   UnitKind   `json:"kind"`
	From   UnitStatus `json:"from"`
	To     UnitStatus `json:"to"`
	Reason GoneReason `json:"reason,omitempty"`
	At     time.Time  `json:"at"`
}

// Snapshot is an immutable, read-only view of the WorldModel.
// Consumers must not modify it; a new Snapshot is published after every batch.
type Snapshot struct {
	// Version increases with every published snapshot.
	Version uint64 `json:"version"`

	// Nodes sorted by ID.
	Nodes []AstroNode `json:"nodes"`

	// Units sorted by creation time, then ID.
	Units []AstroUnit `json:"units"`

	// Links sorted by processor then miner.
	Links []Link `json:"links"`

	// Credits is the current balance.
	Credits int64 `json:"credits"`

	// Ledger is the most recent ledger history, oldest first.
	Ledger []LedgerEntry `json:"ledger"`

	// Rate is the credits gained per tick with the current link set.
	Rate int64 `json:"rate"`

	// Prices is the current deploy cost per kind.
	Prices map[UnitKind]int64 `json:"prices"`

	// Degraded is set while the cluster is unavailable.
	Degraded bool `json:"degraded"`

	// Ticks counts accrual ticks since start.
	Ticks uint64 `json:"ticks"`

	// TakenAt is when the snapshot was built.
	TakenAt time.Time `json:"taken_at"`
}

// Unit returns the unit with the given ID.
func (s *Snapshot) Unit(id string) (AstroUnit, bool) {
	for _, u := range s.Units {
		if u.ID == id {
			return u, true
		}
	}
	return AstroUnit{}, false
}

// UnitsWithStatus returns units in the given status.
func (s *Snapshot) UnitsWithStatus(status UnitStatus) []AstroUnit {
	var out []AstroUnit
	for _, u := range s.Units {
		if u.Status == status {
			out = append(out, u)
		}
	}
	return out
}

// ObservedNode is the StateObserver's view of a Node.
type ObservedNode struct {
	Name     string
	Label    string
	Capacity Capacity
	Ready    bool
}

// ObservedPod is the StateObserver's view of a unit Pod.
type ObservedPod struct {
	Name     string
	Kind     UnitKind
	NodeName string
	IP       string
	Target   string
	Phase    PodPhase
	Ready    bool
	Deleting bool
}

// ClusterEventType enumerates state-change events emitted by the StateObserver.
type ClusterEventType string

const (
	EventNodeAdded    ClusterEventType = "node_added"
	EventNodeModified ClusterEventType = "node_modified"
	EventNodeRemoved  ClusterEventType = "node_removed"
	EventPodAdded     ClusterEventType = "pod_added"
	EventPodModified  ClusterEventType = "pod_modified"
	EventPodRemoved   ClusterEventType = "pod_removed"

	// EventAvailability carries a connectivity change, not a resource change.
	EventAvailability ClusterEventType = "availability"
)

// ClusterEvent is one element of the StateObserver's ordered event sequence.
type ClusterEvent struct {
	// Type is the event type.
	Type ClusterEventType

	// Seq is assigned by the observer and increases monotonically across the merged stream.
	Seq uint64

	// Revision is the resource revision reported by the cluster, zero if unknown.
	// Synthetic removals carry the revision of the list they were diffed from.
	Revision uint64

	// Name is the resource name. Always set for resource events.
	Name string

	// Node is set for node add/modify events.
	Node *ObservedNode

	// Pod is set for pod add/modify events.
	Pod *ObservedPod

	// Available is meaningful for EventAvailability.
	Available bool

	// Synthetic marks events produced by resync diffing rather than a watch.
	Synthetic bool
}

// Key identifies the resource an event applies to.
func (e ClusterEvent) Key() string {
	switch e.Type {
	case EventNodeAdded, EventNodeModified, EventNodeRemoved:
		return "node/" + e.Name
	case EventPodAdded, EventPodModified, EventPodRemoved:
		return "pod/" + e.Name
	default:
		return ""
	}
}

// IntentType enumerates commands accepted from the presentation layer and the ChaosInjector.
type IntentType string

const (
	IntentDeploy IntentType = "deploy"
	IntentDelete IntentType = "delete"
)

// Intent is a request to change the world. The loop validates it synchronously.
type Intent struct {
	// Type selects deploy or delete.
	Type IntentType `json:"type"`

	// Kind is the unit kind to deploy.
	Kind UnitKind `json:"kind,omitempty"`

	// TargetAddress is a Miner's Processor address.
	TargetAddress string `json:"target_address,omitempty"`

	// UnitID is the unit to delete.
	UnitID string `json:"unit_id,omitempty"`

	// Origin identifies the requester.
	Origin Origin `json:"origin"`
}

// DeployIntent builds a deploy intent issued by the player.
func DeployIntent(kind UnitKind, target string) Intent {
	return Intent{Type: IntentDeploy, Kind: kind, TargetAddress: target, Origin: OriginPlayer}
}

// DeleteIntent builds a delete intent issued by the player.
func DeleteIntent(unitID string) Intent {
	return Intent{Type: IntentDelete, UnitID: unitID, Origin: OriginPlayer}
}

// AckStatus is the immediate outcome of an accepted intent.
type AckStatus string

const (
	// AckAccepted means the request was accepted and the outcome will appear in a later snapshot.
	AckAccepted AckStatus = "accepted"

	// AckSkipped means the request was valid but had nothing to do.
	AckSkipped AckStatus = "skipped"
)

// Ack acknowledges an intent.
type Ack struct {
	Status AckStatus `json:"status"`
	UnitID string    `json:"unit_id,omitempty"`
	Cost   int64     `json:"cost,omitempty"`
	Reason string    `json:"reason,omitempty"`
}
