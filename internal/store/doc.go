// Package store keeps an optional history of finished tool invocations in
// SQLite.
//
// The store is fed by a Recorder, an events.Observer that turns
// invocation.completed and invocation.failed events into InvocationRecord rows.
// Recording happens on a background worker so the router never waits on disk;
// when the queue is full records are dropped with a warning.
//
//	st, err := store.NewSQLiteStore("/var/lib/toolhub/history.db")
//	rec := store.NewRecorder(st, logger, 0)
//	defer rec.Close()
//
// Records are read back newest first with ListInvocations.
package store
