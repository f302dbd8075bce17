/*
Package log provides structured logging for foamflask using zerolog.

Init configures the global Logger once at startup, either as JSON lines or
as human-readable console output:

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

Packages derive child loggers instead of logging through the global one
directly:

	logger := log.WithComponent("aggregator")
	logger = log.WithCase(logger, caseDir)
	logger.Debug().Float64("time", t).Msg("Parsed time directory")

	runLogger := log.WithRunID(run.ID)

WithCase records only the base name of the case directory. Until Init runs
the global Logger discards everything, which keeps tests quiet.

The package-level helpers (Info, Warn, Error, ...) are for code without a
component of its own, such as the CLI.
*/
package log
