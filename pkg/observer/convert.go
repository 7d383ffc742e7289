package observer

import (
	"strconv"

	corev1 "k8s.io/api/core/v1"

	"github.com/cubeharvest/cubeharvest/pkg/engine"
	"github.com/cubeharvest/cubeharvest/pkg/manifest"
)

// PodToObserved converts a unit pod. It returns false for pods without a
// valid unit-type label.
func PodToObserved(pod *corev1.Pod) (engine.ObservedPod, bool) {
	if pod == nil {
		return engine.ObservedPod{}, false
	}
	kind, err := engine.ParseUnitKind(pod.Labels[engine.LabelUnitKind])
	if err != nil {
		return engine.ObservedPod{}, false
	}

	ready := false
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			ready = cond.Status == corev1.ConditionTrue
			break
		}
	}

	return engine.ObservedPod{
		Name:     pod.Name,
		Kind:     kind,
		NodeName: pod.Spec.NodeName,
		IP:       pod.Status.PodIP,
		Target:   manifest.TargetOf(pod),
		Phase:    engine.PodPhase(pod.Status.Phase),
		Ready:    ready,
		Deleting: pod.DeletionTimestamp != nil,
	}, true
}

// NodeToObserved converts a node.
func NodeToObserved(node *corev1.Node) engine.ObservedNode {
	label := node.Labels[engine.LabelNodeDisplayName]
	if label == "" {
		label = node.Name
	}

	ready := false
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			ready = cond.Status == corev1.ConditionTrue
			break
		}
	}

	alloc := node.Status.Allocatable
	return engine.ObservedNode{
		Name:  node.Name,
		Label: label,
		Capacity: engine.Capacity{
			CPUMillis:   alloc.Cpu().MilliValue(),
			MemoryBytes: alloc.Memory().Value(),
			Pods:        alloc.Pods().Value(),
		},
		Ready: ready,
	}
}

// parseRevision reads a resource version as a number. Versions are opaque to
// clients in general; etcd-backed servers use increasing integers, and
// anything else disables revision ordering for that event.
func parseRevision(rv string) uint64 {
	n, err := strconv.ParseUint(rv, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
