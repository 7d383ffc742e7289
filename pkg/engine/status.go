package engine

import (
	"fmt"
	"strings"
)

// UnitKind is the game role of an AstroUnit.
type UnitKind string

const (
	// KindMiner produces ore for the Processor at its target address.
	KindMiner UnitKind = "miner"

	// KindProcessor turns ore from paired Miners into credits.
	KindProcessor UnitKind = "processor"
)

// ParseUnitKind parses a kind name case-insensitively.
func ParseUnitKind(s string) (UnitKind, error) {
	switch UnitKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindMiner:
		return KindMiner, nil
	case KindProcessor:
		return KindProcessor, nil
	default:
		return "", NewValidationError(fmt.Sprintf("unknown unit kind %q", s), nil).
			WithCode(ErrCodeInvalidKind)
	}
}

// Valid reports whether k is a known kind.
func (k UnitKind) Valid() bool {
	return k == KindMiner || k == KindProcessor
}

// UnitStatus is the lifecycle status of an AstroUnit.
type UnitStatus string

const (
	// StatusPending means a create was requested and the pod is not ready yet.
	StatusPending UnitStatus = "pending"

	// StatusRunning means the pod was observed ready.
	StatusRunning UnitStatus = "running"

	// StatusTerminating means a delete was requested or observed in progress.
	StatusTerminating UnitStatus = "terminating"

	// StatusGone is terminal.
	StatusGone UnitStatus = "gone"
)

// IsLive returns true for Pending and Running units.
func (s UnitStatus) IsLive() bool {
	return s == StatusPending || s == StatusRunning
}

// IsTerminal returns true if no transition can leave s.
func (s UnitStatus) IsTerminal() bool {
	return s == StatusGone
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
//
//	Pending     -> Running | Terminating | Gone
//	Running     -> Terminating | Gone
//	Terminating -> Gone
//	Gone        -> (none)
func (s UnitStatus) CanTransition(next UnitStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusTerminating || next == StatusGone
	case StatusRunning:
		return next == StatusTerminating || next == StatusGone
	case StatusTerminating:
		return next == StatusGone
	default:
		return false
	}
}

// GoneReason records why a unit left the cluster.
type GoneReason string

const (
	// ReasonNone is used for units that are not Gone.
	ReasonNone GoneReason = ""

	// ReasonCreateFailed means applyPod was rejected. Credits are refunded.
	ReasonCreateFailed GoneReason = "create-failed"

	// ReasonCreateTimeout means the pod never became ready before the deploy deadline.
	// Credits are refunded.
	ReasonCreateTimeout GoneReason = "create-timeout"

	// ReasonDeleted means removal was observed after a delete request.
	ReasonDeleted GoneReason = "deleted"

	// ReasonRemoved means removal was observed without a prior delete request,
	// for example node eviction or another actor deleting the pod.
	ReasonRemoved GoneReason = "removed"

	// ReasonPodTerminated means the pod reached phase Failed or Succeeded.
	ReasonPodTerminated GoneReason = "pod-terminated"
)

// Refundable reports whether credits spent on the unit are returned.
func (r GoneReason) Refundable() bool {
	return r == ReasonCreateFailed || r == ReasonCreateTimeout
}

// Origin identifies who asked for an operation or how a unit came to exist.
type Origin string

const (
	// OriginPlayer marks player-issued intents and player-deployed units.
	OriginPlayer Origin = "player"

	// OriginChaos marks deletes requested by the ChaosInjector.
	OriginChaos Origin = "chaos"

	// OriginSystem marks cleanup deletes issued by the loop itself.
	OriginSystem Origin = "system"

	// OriginAdopted marks units discovered on the cluster without a local deploy.
	OriginAdopted Origin = "adopted"
)

// PodPhase mirrors the cluster pod phase for the subset the loop cares about.
type PodPhase string

const (
	PodPhasePending   PodPhase = "Pending"
	PodPhaseRunning   PodPhase = "Running"
	PodPhaseSucceeded PodPhase = "Succeeded"
	PodPhaseFailed    PodPhase = "Failed"
	PodPhaseUnknown   PodPhase = "Unknown"
)

// IsTerminal returns true for phases a pod never leaves.
func (p PodPhase) IsTerminal() bool {
	return p == PodPhaseSucceeded || p == PodPhaseFailed
}
