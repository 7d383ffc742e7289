package cluster

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/cubeharvest/cubeharvest/pkg/engine"
)

// EventType enumerates watch stream events.
type EventType string

const (
	// Added, Modified and Deleted carry one object from the watch.
	Added    EventType = "Added"
	Modified EventType = "Modified"
	Deleted  EventType = "Deleted"

	// Synced carries a full list, sent after every (re)subscription.
	Synced EventType = "Synced"

	// Unavailable is sent once after UnavailableAfter consecutive failures.
	// The next Synced event means the stream recovered.
	Unavailable EventType = "Unavailable"
)

// Event is one element of a watch stream.
type Event[T any] struct {
	Type EventType

	// Object is set for Added, Modified and Deleted.
	Object *T

	// Items is set for Synced.
	Items []T

	// ResourceVersion is the object or list resource version.
	ResourceVersion string

	// Err is set for Unavailable.
	Err error
}

// watchSource lists and watches one resource type.
type watchSource[T any] struct {
	resource string
	list     func(ctx context.Context) ([]T, string, error)
	watch    func(ctx context.Context, rv string) (watch.Interface, error)
}

// WatchNodes streams node changes until ctx is done. The channel is closed on return.
func (c *Client) WatchNodes(ctx context.Context) <-chan Event[corev1.Node] {
	out := make(chan Event[corev1.Node], 64)
	src := watchSource[corev1.Node]{
		resource: "nodes",
		list:     c.listNodesOnce,
		watch: func(ctx context.Context, rv string) (watch.Interface, error) {
			return c.cs.CoreV1().Nodes().Watch(ctx, metav1.ListOptions{
				ResourceVersion:     rv,
				AllowWatchBookmarks: true,
			})
		},
	}
	go runWatch(ctx, c, src, out)
	return out
}

// WatchPods streams unit pod changes until ctx is done. The channel is closed on return.
func (c *Client) WatchPods(ctx context.Context) <-chan Event[corev1.Pod] {
	out := make(chan Event[corev1.Pod], 64)
	src := watchSource[corev1.Pod]{
		resource: "pods",
		list:     c.listPodsOnce,
		watch: func(ctx context.Context, rv string) (watch.Interface, error) {
			return c.cs.CoreV1().Pods(c.cfg.Namespace).Watch(ctx, metav1.ListOptions{
				LabelSelector:       engine.LabelUnitKind,
				ResourceVersion:     rv,
				AllowWatchBookmarks: true,
			})
		},
	}
	go runWatch(ctx, c, src, out)
	return out
}

// listNodesOnce and listPodsOnce list without the call retry loop; the watch
// loop has its own backoff and failure accounting.
func (c *Client) listNodesOnce(ctx context.Context) ([]corev1.Node, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	list, err := c.cs.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, "", err
	}
	return list.Items, list.ResourceVersion, nil
}

func (c *Client) listPodsOnce(ctx context.Context) ([]corev1.Pod, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	list, err := c.cs.CoreV1().Pods(c.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: engine.LabelUnitKind})
	if err != nil {
		return nil, "", err
	}
	return list.Items, list.ResourceVersion, nil
}

// runWatch lists, reports Synced, then consumes the watch from the list
// resource version. Failures relist after a backoff; a watch closed by the
// server relists immediately.
func runWatch[T any](ctx context.Context, c *Client, src watchSource[T], out chan<- Event[T]) {
	defer close(out)
	log := c.log.WithField("resource", src.resource)

	backoff := c.backoff()
	failures := 0
	reported := false

	fail := func(err error) bool {
		failures++
		if c.tel != nil {
			c.tel.Metrics.RecordWatchRestart(src.resource)
		}
		log.WithError(err).Warnf("watch failed (%d consecutive)", failures)
		if failures >= c.cfg.UnavailableAfter && !reported {
			reported = true
			unavailable := engine.NewUnavailableError(fmt.Sprintf("%s watch unavailable", src.resource), err).
				WithOperation(opWatch)
			if !send(ctx, out, Event[T]{Type: Unavailable, Err: unavailable}) {
				return false
			}
		}
		return c.sleep(ctx, backoff.Step())
	}

	for ctx.Err() == nil {
		items, rv, err := src.list(ctx)
		if err != nil {
			if ctx.Err() != nil || !fail(err) {
				return
			}
			continue
		}

		w, err := src.watch(ctx, rv)
		if err != nil {
			if ctx.Err() != nil || !fail(err) {
				return
			}
			continue
		}

		if !send(ctx, out, Event[T]{Type: Synced, Items: items, ResourceVersion: rv}) {
			w.Stop()
			return
		}
		if failures > 0 {
			log.Infof("watch resubscribed after %d failures", failures)
		}
		failures = 0
		reported = false
		backoff = c.backoff()

		err = consume(ctx, w, out)
		w.Stop()
		if ctx.Err() != nil {
			return
		}
		if err == nil || errors.Is(err, errWatchExpired) {
			// Closed by the server or compacted past our version; relist right away.
			log.Debug("watch ended, relisting")
			continue
		}
		if !fail(err) {
			return
		}
	}
}

// errWatchExpired means the watch resource version is too old to resume from.
var errWatchExpired = errors.New("watch resource version expired")

// consume forwards watch events until the watch ends. It returns nil when the
// result channel closes and an error for watch error events.
func consume[T any](ctx context.Context, w watch.Interface, out chan<- Event[T]) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.ResultChan():
			if !ok {
				return nil
			}

			var typ EventType
			switch ev.Type {
			case watch.Added:
				typ = Added
			case watch.Modified:
				typ = Modified
			case watch.Deleted:
				typ = Deleted
			case watch.Bookmark:
				continue
			case watch.Error:
				err := apierrors.FromObject(ev.Object)
				if status, ok := err.(apierrors.APIStatus); ok && status.Status().Code == http.StatusGone {
					return errWatchExpired
				}
				return fmt.Errorf("watch error: %w", err)
			default:
				continue
			}

			obj, ok := any(ev.Object).(*T)
			if !ok {
				continue
			}
			rv := ""
			if m, err := meta.Accessor(ev.Object); err == nil {
				rv = m.GetResourceVersion()
			}
			if !send(ctx, out, Event[T]{Type: typ, Object: obj, ResourceVersion: rv}) {
				return nil
			}
		}
	}
}

func send[T any](ctx context.Context, out chan<- Event[T], ev Event[T]) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
