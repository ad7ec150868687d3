/*
Package storage persists Berth's control plane state: container records,
network records and quota profiles.

Two implementations satisfy the Store interface:

  - BoltStore: bbolt file at <dataDir>/berth.db (default)
  - SQLiteStore: a single SQLite file at <dataDir>/berth.sqlite, opened in
    WAL mode through the pure Go modernc.org/sqlite driver

Both serialize records as JSON. The driver is picked with storage.Open and
the store.driver configuration key.

# Architecture

	┌─────────────────────── STATE STORE ────────────────────────┐
	│                                                              │
	│   lifecycle ─┐                                               │
	│   network   ─┼──► Store ──► containers  (engine ID)          │
	│   reconciler┘         ├──► networks    (record ID)          │
	│   quota ──────────────┘──► quotas      (owner)              │
	│                                                              │
	└──────────────────────────────────────────────────────────────┘

The lifecycle manager and the reconciler never call each other; they only
meet here. Every read-modify-write therefore goes through MutateContainer or
MutateNetwork, which run the callback inside one write transaction so a
reconciler pass cannot overwrite a lifecycle update (or the reverse).

# Mutations

	rec, err := store.MutateContainer(id, func(c *types.ContainerRecord) error {
		if c.ObservedState == observed {
			return storage.ErrSkipWrite // nothing to do, no write
		}
		c.ObservedState = observed
		return nil
	})

Returning ErrSkipWrite leaves the stored record untouched, which is what
keeps a reconciliation pass with no engine drift free of writes. Any other
error aborts the transaction and is returned as is.

LinkContainerNetwork updates ContainerRecord.Networks and
NetworkRecord.Attached in the same transaction, and DeleteContainer removes
the container from every network it was attached to before deleting the row.

# Errors

Missing rows are reported as types.ErrNotFound; creating a record whose ID is
already present returns types.ErrConflict. DeleteContainer on a missing ID is
a no-op so purges can be retried.
*/
package storage
