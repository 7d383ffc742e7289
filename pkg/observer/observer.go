package observer

import (
	"context"
	"sort"

	corev1 "k8s.io/api/core/v1"

	"github.com/cubeharvest/cubeharvest/pkg/cluster"
	"github.com/cubeharvest/cubeharvest/pkg/engine"
	"github.com/cubeharvest/cubeharvest/pkg/telemetry"
)

// Source streams cluster changes.
type Source interface {
	WatchNodes(ctx context.Context) <-chan cluster.Event[corev1.Node]
	WatchPods(ctx context.Context) <-chan cluster.Event[corev1.Pod]
}

const (
	streamNodes = "nodes"
	streamPods  = "pods"
)

// Observer merges the node and pod streams into one ordered sequence of
// cluster events. After every resubscription it replays the listed objects
// and synthesizes removals for anything the loop still believes exists.
type Observer struct {
	src       Source
	sink      engine.EventSink
	snapshots engine.SnapshotSource
	log       *telemetry.Logger

	seq       uint64
	nodes     map[string]struct{}
	pods      map[string]struct{}
	streamsUp map[string]bool
	available bool
}

// New creates an observer feeding sink. snapshots is consulted during resync
// and may be nil.
func New(src Source, sink engine.EventSink, snapshots engine.SnapshotSource, log *telemetry.Logger) *Observer {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	return &Observer{
		src:       src,
		sink:      sink,
		snapshots: snapshots,
		log:       log.NewComponentLogger("observer"),
		nodes:     make(map[string]struct{}),
		pods:      make(map[string]struct{}),
		streamsUp: map[string]bool{streamNodes: false, streamPods: false},
		// The loop starts out available; only a change is reported.
		available: true,
	}
}

// Run forwards events until ctx is done or the sink stops accepting them.
func (o *Observer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	nodes := o.src.WatchNodes(ctx)
	pods := o.src.WatchPods(ctx)
	o.log.Info("observer started")

	for nodes != nil || pods != nil {
		var err error
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-nodes:
			if !ok {
				nodes = nil
				continue
			}
			err = o.onNode(ctx, ev)
		case ev, ok := <-pods:
			if !ok {
				pods = nil
				continue
			}
			err = o.onPod(ctx, ev)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

func (o *Observer) emit(ctx context.Context, ev engine.ClusterEvent) error {
	if ev.Type != engine.EventAvailability {
		o.seq++
		ev.Seq = o.seq
	}
	return o.sink.Observe(ctx, ev)
}

func (o *Observer) onNode(ctx context.Context, ev cluster.Event[corev1.Node]) error {
	switch ev.Type {
	case cluster.Added, cluster.Modified:
		obs := NodeToObserved(ev.Object)
		o.nodes[obs.Name] = struct{}{}
		typ := engine.EventNodeModified
		if ev.Type == cluster.Added {
			typ = engine.EventNodeAdded
		}
		return o.emit(ctx, engine.ClusterEvent{
			Type:     typ,
			Name:     obs.Name,
			Revision: parseRevision(ev.ResourceVersion),
			Node:     &obs,
		})

	case cluster.Deleted:
		delete(o.nodes, ev.Object.Name)
		return o.emit(ctx, engine.ClusterEvent{
			Type:     engine.EventNodeRemoved,
			Name:     ev.Object.Name,
			Revision: parseRevision(ev.Object.ResourceVersion),
		})

	case cluster.Synced:
		return o.resyncNodes(ctx, ev)

	case cluster.Unavailable:
		return o.streamDown(ctx, streamNodes, ev.Err)
	}
	return nil
}

func (o *Observer) onPod(ctx context.Context, ev cluster.Event[corev1.Pod]) error {
	switch ev.Type {
	case cluster.Added, cluster.Modified:
		obs, ok := PodToObserved(ev.Object)
		if !ok {
			return nil
		}
		o.pods[obs.Name] = struct{}{}
		typ := engine.EventPodModified
		if ev.Type == cluster.Added {
			typ = engine.EventPodAdded
		}
		return o.emit(ctx, engine.ClusterEvent{
			Type:     typ,
			Name:     obs.Name,
			Revision: parseRevision(ev.ResourceVersion),
			Pod:      &obs,
		})

	case cluster.Deleted:
		if _, ok := PodToObserved(ev.Object); !ok {
			return nil
		}
		delete(o.pods, ev.Object.Name)
		return o.emit(ctx, engine.ClusterEvent{
			Type:     engine.EventPodRemoved,
			Name:     ev.Object.Name,
			Revision: parseRevision(ev.Object.ResourceVersion),
		})

	case cluster.Synced:
		return o.resyncPods(ctx, ev)

	case cluster.Unavailable:
		return o.streamDown(ctx, streamPods, ev.Err)
	}
	return nil
}

// resyncNodes replays a full node list. Nodes known before the list and
// missing from it get a synthetic removal carrying the list revision.
func (o *Observer) resyncNodes(ctx context.Context, ev cluster.Event[corev1.Node]) error {
	listRev := parseRevision(ev.ResourceVersion)
	listed := make(map[string]struct{}, len(ev.Items))

	for i := range ev.Items {
		obs := NodeToObserved(&ev.Items[i])
		listed[obs.Name] = struct{}{}
		err := o.emit(ctx, engine.ClusterEvent{
			Type:     engine.EventNodeAdded,
			Name:     obs.Name,
			Revision: parseRevision(ev.Items[i].ResourceVersion),
			Node:     &obs,
		})
		if err != nil {
			return err
		}
	}

	known := o.nodes
	if snap := o.snapshot(); snap != nil {
		for _, n := range snap.Nodes {
			known[n.ID] = struct{}{}
		}
	}
	for _, name := range missing(known, listed) {
		o.log.WithNode(name).Info("node gone during resync")
		err := o.emit(ctx, engine.ClusterEvent{
			Type:      engine.EventNodeRemoved,
			Name:      name,
			Revision:  listRev,
			Synthetic: true,
		})
		if err != nil {
			return err
		}
	}
	o.nodes = listed
	return o.streamUp(ctx, streamNodes)
}

// resyncPods replays a full pod list. Units the loop has observed and still
// holds, but that are missing from the list, get a synthetic removal.
// Pending units never observed are left to their deploy deadline.
func (o *Observer) resyncPods(ctx context.Context, ev cluster.Event[corev1.Pod]) error {
	listRev := parseRevision(ev.ResourceVersion)
	listed := make(map[string]struct{}, len(ev.Items))

	for i := range ev.Items {
		obs, ok := PodToObserved(&ev.Items[i])
		if !ok {
			continue
		}
		listed[obs.Name] = struct{}{}
		err := o.emit(ctx, engine.ClusterEvent{
			Type:     engine.EventPodAdded,
			Name:     obs.Name,
			Revision: parseRevision(ev.Items[i].ResourceVersion),
			Pod:      &obs,
		})
		if err != nil {
			return err
		}
	}

	known := o.pods
	if snap := o.snapshot(); snap != nil {
		for _, u := range snap.Units {
			if u.Observed && u.Status != engine.StatusGone {
				known[u.ID] = struct{}{}
			}
		}
	}
	for _, name := range missing(known, listed) {
		o.log.WithField("unit_id", name).Info("pod gone during resync")
		err := o.emit(ctx, engine.ClusterEvent{
			Type:      engine.EventPodRemoved,
			Name:      name,
			Revision:  listRev,
			Synthetic: true,
		})
		if err != nil {
			return err
		}
	}
	o.pods = listed
	return o.streamUp(ctx, streamPods)
}

func (o *Observer) snapshot() *engine.Snapshot {
	if o.snapshots == nil {
		return nil
	}
	return o.snapshots.Snapshot()
}

// streamUp marks a stream synced and reports the cluster available once every
// stream is.
func (o *Observer) streamUp(ctx context.Context, stream string) error {
	o.streamsUp[stream] = true
	for _, up := range o.streamsUp {
		if !up {
			return nil
		}
	}
	if !o.available {
		o.available = true
		o.log.Info("cluster streams synced")
		return o.emit(ctx, engine.ClusterEvent{Type: engine.EventAvailability, Available: true})
	}
	return nil
}

func (o *Observer) streamDown(ctx context.Context, stream string, cause error) error {
	o.streamsUp[stream] = false
	o.log.WithError(cause).Warnf("%s stream unavailable", stream)
	if !o.available {
		return nil
	}
	o.available = false
	return o.emit(ctx, engine.ClusterEvent{Type: engine.EventAvailability, Available: false})
}

// missing returns names in known but not in listed, sorted.
func missing(known, listed map[string]struct{}) []string {
	var out []string
	for name := range known {
		if _, ok := listed[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
