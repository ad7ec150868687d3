/*
Package driver translates Berth's container and network operations into
calls on a concrete container engine.

Three engines are supported:

  - Docker, through the Docker Engine API client
  - Podman, through the same client pointed at Podman's Docker compatible
    socket, with pod infra containers hidden from listings
  - LXC, through the lxc command line client (LXD or Incus)

Each implements the full Driver interface. An engine that cannot perform an
operation returns a types.ErrUnsupported error; LXC has no container log
stream, for example.

# Errors

Drivers never leak engine error shapes. Failures are normalized into
*types.Error before they are returned:

	connection refused, socket missing, deadline   -> EngineUnreachable
	not found                                      -> NotFound
	invalid argument                               -> Validation
	resource exhausted, no space left              -> QuotaRejectedByEngine
	name in use                                    -> Conflict
	anything else                                  -> EngineError

# Idempotence

Repeating an operation whose effect already holds returns nil. Callers such
as the reconciler rely on this to retry safely.

# Registry

Registry holds the configured drivers by engine and pings them for health:

	reg := driver.NewRegistry(types.EngineDocker)
	reg.Register(docker)
	reg.Register(driver.NewLXC(driver.ExecRunner{}, ""))
	for engine, err := range reg.Health(ctx) {
		...
	}

Package drivertest provides an in-memory engine for tests.
*/
package driver
