/*
Package log provides structured logging for Corral using zerolog.

The global logger is initialized once in main via log.Init and defaults to
console output on stderr, so command output on stdout stays parseable.
Child loggers carry context fields:

	logger := log.WithProject(cfg.ID)
	logger.Info().Str("environment", envID).Msg("starting deploy")

Levels are debug/info/warn/error; --verbose selects debug. JSONOutput
switches to one-JSON-object-per-line for CI runs.
*/
package log
