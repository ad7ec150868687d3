/*
Package log provides structured logging for Berth using zerolog.

The package keeps one global zerolog.Logger, configured once at start-up by
log.Init, and hands out child loggers that carry a fixed set of fields so
every line can be filtered by component, engine, owner or container.

# Configuration

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

Console output (the default) is meant for a terminal; JSON output is meant
for log shippers. Until Init runs, the global logger writes JSON to stderr.

# Scoped Loggers

Long-lived components keep a child logger as a struct field:

	logger := log.WithComponent("lifecycle")
	logger.Info().Str("container_id", id).Msg("container created")

	elog := log.WithEngine("reconciler", "docker")
	elog.Warn().Err(err).Msg("engine unreachable, skipping tick")

WithOwner and WithContainerID scope a logger to one owner or one container
for the length of a single operation:

	clog := log.WithContainerID("lifecycle", id)
	clog.Warn().Err(err).Msg("queued removal failed")

# Levels

  - debug: per-container reconciliation decisions
  - info: completed lifecycle operations
  - warn: recoverable failures (unreachable engine, clamped quota usage)
  - error: failures that leave state for the reconciler to repair
*/
package log
