// Package stores journals a CubeHarvest game session to SQLite.
//
// The journal is an audit trail, not a source of truth: the cluster owns unit
// state and the controller never restores from it. Each server run opens a
// session; ledger entries, unit transitions and other events are appended as
// they are published.
//
//	store, _ := stores.NewSQLiteStore(stores.Config{Path: "cubeharvest.db"})
//	_ = store.Init(ctx)
//	_ = store.Migrate(ctx)
//	_ = store.BeginSession(ctx, &stores.Session{ID: id, StartedAt: time.Now()})
//	events.Subscribe(stores.NewRecorder(store, id, log).Handle, nil)
//
// The database runs in WAL mode with foreign keys on. Schema changes are
// embedded golang-migrate migrations.
package stores
