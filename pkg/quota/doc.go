/*
Package quota implements the per-owner quota ledger.

Every owner has five limits: containers, ports, storage, cpu and memory. A
create first reserves its demand:

	r, err := ledger.Reserve(ctx, "alice", spec.Demand())
	if err != nil {
		return err // QuotaExceeded naming the first exceeded dimension
	}
	if _, err := drv.Create(ctx, spec); err != nil {
		ledger.Release(r)
		return err
	}
	ledger.Commit(r)

A reservation is held until it is committed or released, exactly once. A
second Commit or Release fails with a ReservationState error. Held demand
counts against the limits, so two concurrent creates can never both pass a
limit only one of them fits under.

Deletions return usage with Apply and a negative delta. Apply clamps at zero
and logs when usage would go negative.

Reservations live only in memory. On start-up Recompute rebuilds usage from
the container records that count toward quota.
*/
package quota
