/*
Package lifecycle drives containers through the control plane state machine.

The Manager is the only component that changes container records on behalf
of users. A create walks the phases in order:

	resolve owner -> validate -> name and host port checks -> Reserve
	  -> driver Create -> store record -> Commit -> attach networks -> start

Quota is reserved before any engine call and released if the engine fails,
so concurrent creates for one owner can never overshoot a limit. Failures
after the record is stored (start, network attach) are returned as warnings
next to the record instead of rolling the container back.

Removal returns the owner's usage when the record enters the removing phase.
If the engine then fails the record stays in removing until the reconciler
finishes it. Recover hands such records back to the removal worker at
startup.

All mutating operations are serialized per container ID. Creates are also
serialized per engine and name. Driver calls that fail with
EngineUnreachable are retried with exponential backoff.

A create whose reply was lost keeps the container it made when a retry sees
a name conflict and the engine has a container carrying the caller's
labels.
*/
package lifecycle
