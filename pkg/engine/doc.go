// Package engine provides the game model and the reconciliation loop that keeps
// it consistent with the cluster.
//
// # Overview
//
// Player actions become pod create and delete calls; the cluster's observed
// state, not a simulated one, drives the economy. The package owns:
//
//   - World: the authoritative projection of nodes, units, links and the credits ledger
//   - Loop: the single writer of the World, fed by one inbox of cluster events,
//     intents and async call results
//   - Economy: link recomputation, prices, accrual and upkeep, all pure functions
//   - Chaos: a randomized injector that deletes Running units through the same
//     path as a player delete
//
// # Unit Lifecycle
//
//	Pending -> Running -> Terminating -> Gone
//	Pending -> Gone      (create-failed, create-timeout)
//	Running -> Gone      (removed, pod-terminated)
//
// Nothing leaves Gone. Credits are refunded only for create-failed and
// create-timeout, exactly once per unit.
//
// # Concurrency
//
// Cluster calls run on their own goroutines and post results back to the
// inbox. The loop drains a batch, applies each message in arrival order,
// recomputes links once and publishes an immutable Snapshot through an atomic
// pointer. Readers never block the writer:
//
//	loop, _ := engine.NewLoop(engine.Options{Writer: client, Renderer: renderer})
//	go loop.Run(ctx)
//
//	ack, err := loop.Submit(ctx, engine.DeployIntent(engine.KindMiner, "10.0.0.5"))
//	snap := loop.Snapshot()
//
// Submit replies after the snapshot containing the intent's effect is
// published, so a caller reading Snapshot after Submit sees its own write.
//
// # Error Classification
//
//   - Validation: bad input, rejected before any spend or cluster call
//   - Transient: a single cluster call failed and may succeed on retry
//   - Unavailable: retries exhausted or watches down; the loop is degraded
//   - Apply: the cluster rejected a create
//   - Timeout: a Pending unit missed its deploy deadline
//
// Sentinels such as ErrInsufficientCredits match with errors.Is by class and code.
package engine
