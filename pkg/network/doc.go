/*
Package network manages engine networks and container attachments.

Networks are scoped to one engine. Without an explicit subnet, CreateNetwork
takes the lowest free subnet of the configured base range (172.20.0.0/16 in
/24 blocks by default), skipping every subnet already recorded for that
engine:

	existing: 172.20.0.0/24, 172.20.2.0/24
	next:     172.20.1.0/24

Allocation, removal and attachment changes on an engine are serialized by a
per-engine lock, so two creates never receive the same subnet and a network
is never removed while a container is being attached to it.

A container may only join a network on its own engine and owned by the same
owner. Failed checks leave both records untouched. Attaching never changes
quota; a container's host ports are counted once, at create.

Prune removes records of networks that disappeared from the engine. The
reconciler calls it after each engine listing.
*/
package network
