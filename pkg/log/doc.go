/*
Package log provides structured logging for hearthpipe based on zerolog.

The root Logger is usable immediately (console, info level) and replaced
once by Init at startup. Components derive child loggers with the fields
used throughout the ingestion pipeline:

	log.Init(log.Config{Level: "debug", JSONOutput: true})
	logger := log.WithComponent("supervisor")
	logger.Info().Int("attempt", n).Msg("reconnecting to hub")

The level lives on the logger rather than zerolog's process-wide global,
so tests can swap in a quiet logger without affecting each other.
*/
package log
