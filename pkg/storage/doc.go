/*
Package storage persists Mangle's engine state: tasks, schedules, endpoints,
credentials and the cluster configuration.

Two implementations of Store are provided and selected by the storage.driver
setting:

	bolt    BoltStore, <dataDir>/mangle.db, one bucket per record kind
	sqlite  SQLiteStore, <dataDir>/mangle.sqlite, one table per record kind

Both serialize records as JSON. Create and Update are upserts; a second write
with the same key replaces the first. Lookups that find nothing return an error
wrapping ErrNotFound, so callers translate with errors.Is:

	task, err := store.GetTask(id)
	if errors.Is(err, storage.ErrNotFound) {
		return errcode.New(errcode.ErrNoTaskFound, id)
	}

# Keys

	tasks           task ID (name lookups scan)
	schedules       task ID of the scheduled task
	endpoints       endpoint name
	credentials     credentials name
	cluster_config  single record

The store performs no locking beyond what the database provides. Components
that read, modify and write a task serialize on the task ID themselves.
*/
package storage
