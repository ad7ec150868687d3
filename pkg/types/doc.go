/*
Package types defines the data model and error taxonomy shared by every
Berth component.

Berth is a control plane that drives containers on Docker, Podman and LXC
through one abstraction while enforcing per-owner quotas. This package holds
the records the control plane persists, the specs callers submit, and the
typed error every operation returns.

# Core Types

Records:
  - ContainerRecord: tracked container with desired and observed state
  - NetworkRecord: tracked engine network with its attached containers
  - QuotaProfile: per-owner limits and committed usage

Specs:
  - ContainerSpec: create request, already bound to an owner
  - NetworkSpec: network create request

Observations:
  - ObservedContainer / ObservedNetwork: what an engine reports on list

# Lifecycle Phases

A ContainerRecord moves through a small state machine:

	requested -> reserved -> provisioning -> active -> removing -> removed
	                 \             \
	                  +-------------+--> failed

Failed is absorbing except for removal. CanTransition encodes the allowed
edges; start and stop keep a record in active and only change its states.

# Quota Vectors

QuotaVector carries one value per dimension. Violations are reported in the
fixed order containers, ports, storage, cpu, memory so the first failing
dimension is deterministic:

	used := types.QuotaVector{Containers: 1, CPU: 1.5}
	demand := spec.Demand()
	if dim, over := used.Add(demand).FirstExceeded(limits); over {
		return types.QuotaExceeded(owner, dim)
	}

# Errors

Every operation returns *Error with a Kind. Errors compare by kind, so
callers branch with errors.Is against the exported sentinels:

	if errors.Is(err, types.ErrQuotaExceeded) {
		var qe *types.Error
		errors.As(err, &qe)
		fmt.Println("over quota on", qe.Dimension)
	}

EngineUnreachable is the only retryable kind (IsRetryable). Partial failures
of multi-step operations are returned as []Warning next to a successful
result instead of an error.
*/
package types
