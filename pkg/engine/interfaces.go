package engine

import (
	"context"

	corev1 "k8s.io/api/core/v1"
)

// PodWriter issues create and delete calls against the cluster.
// Implementations retry transient failures internally and return a classified
// EngineError once they give up.
type PodWriter interface {
	// ApplyPod creates the pod. An already existing pod of the same name is success.
	ApplyPod(ctx context.Context, pod *corev1.Pod) error

	// DeletePod deletes the pod by name. An absent pod is success.
	DeletePod(ctx context.Context, name string) error
}

// PodRenderer turns a deploy request into a cluster-applyable pod definition.
type PodRenderer interface {
	// Render returns the pod for a unit of kind named name. target is the
	// Miner's processor address and may be empty for Processors.
	Render(kind UnitKind, target, name string) (*corev1.Pod, error)
}

// DeployRequest is the input to admission policy.
type DeployRequest struct {
	// Kind is the unit kind requested.
	Kind UnitKind `json:"kind"`

	// Target is the Miner target address.
	Target string `json:"target,omitempty"`

	// Cost is the price the deploy would debit.
	Cost int64 `json:"cost"`

	// Balance is the credits balance before the deploy.
	Balance int64 `json:"balance"`

	// LiveUnits counts Pending and Running units of every kind.
	LiveUnits int `json:"live_units"`

	// LiveByKind counts Pending and Running units per kind.
	LiveByKind map[UnitKind]int `json:"live_by_kind"`

	// NodeCount is the number of known nodes.
	NodeCount int `json:"node_count"`
}

// AdmissionPolicy decides whether a deploy may proceed. It runs before any
// spend or cluster call; a non-nil error rejects the intent.
type AdmissionPolicy interface {
	AdmitDeploy(ctx context.Context, req DeployRequest) error
}

// EventSink accepts cluster events in observer sequence order.
type EventSink interface {
	Observe(ctx context.Context, ev ClusterEvent) error
}

// SnapshotSource exposes the latest published snapshot.
type SnapshotSource interface {
	Snapshot() *Snapshot
}

// Submitter accepts intents and acknowledges them synchronously.
type Submitter interface {
	Submit(ctx context.Context, intent Intent) (Ack, error)
}
