/*
Package reconciler keeps container and network records in line with what
each engine actually runs.

# Architecture

Every configured engine gets its own loop. A loop runs a pass at start, then
on every interval tick and whenever Trigger is called:

	┌──────────────── per engine ────────────────┐
	│                                             │
	│   driver.List ──► diff against the store    │
	│                      │                      │
	│      ┌───────────────┼────────────────┐     │
	│      ▼               ▼                ▼     │
	│   unknown on      missing from     state    │
	│   the engine      the engine       differs  │
	│      │               │                │     │
	│    adopt        markVanished   syncObserved │
	│                                             │
	│   finishRemoval ──► network Prune           │
	└─────────────────────────────────────────────┘

An unreachable engine marks its health entry unhealthy and the pass ends
there. Other engines are not affected.

# Diff Policy

  - Engine containers without a record are adopted into the unmanaged
    owner unless adoption is disabled. Containers younger than the grace
    period are skipped so an in-flight create can store its record first.
    Adopted records never count toward any quota.
  - Active records missing from the engine move to failed with a
    VanishedExternally error, and their usage is returned once.
  - Records already being removed that are missing from the engine are
    deleted.
  - A differing engine state only updates the observed state. Desired state
    is never changed.
  - Records left in removing are force-removed and then deleted.

The reconciler never calls the lifecycle manager. It writes records through
the store and returns usage through the quota ledger. Every write re-checks
the record inside the store transaction and leaves alone records updated
after the engine listing.

A second pass with no engine change writes nothing.

# Metrics

	berth_reconciliation_duration_seconds{engine}
	berth_reconciliation_cycles_total
	berth_reconcile_drift_total{engine,kind}
	berth_engine_up{engine}
*/
package reconciler
