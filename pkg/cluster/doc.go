// Package cluster is the boundary to the Kubernetes API.
//
// Client creates and deletes unit pods with bounded retry and streams node
// and pod changes with automatic resubscription. API errors are mapped onto
// engine error classes: throttling, timeouts and server errors are transient
// and retried; rejections are apply errors; exhausted retries become
// cluster-unavailable.
//
//	client, err := cluster.NewClientFromConfig(cfg, cluster.WithLogger(log))
//	for ev := range client.WatchPods(ctx) {
//		...
//	}
package cluster
