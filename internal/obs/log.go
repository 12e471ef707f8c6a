// Package obs holds the ambient observability stack shared by every other
// package: one zerolog Logger plus per-component child loggers, and a set of
// prometheus collectors for consensus and MVCC health. Nothing here reads a
// config file — defaults only, with an explicit level override.
package obs

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the global base logger. Components derive a child logger from it
// via WithComponent/WithNode rather than constructing their own.
var Logger zerolog.Logger = zerolog.New(zerolog.ConsoleWriter{
	Out: os.Stderr,
}).With().Timestamp().Logger()

// Init sets the global level and output format. Call once at process
// startup. The level is process-wide and applies to every logger at once;
// the output format does not: a child logger derived from Logger before
// the call keeps the old writer and format, so callers should Init before
// building any component logger.
func Init(level zerolog.Level, jsonOutput bool) {
	zerolog.SetGlobalLevel(level)
	if jsonOutput {
		Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the given component name,
// e.g. "consensus", "mvcc", "server".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNode returns a child logger additionally tagged with a node id, for
// the per-node loggers a Server and its consensus Node carry around.
func WithNode(component, nodeID string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("node", nodeID).Logger()
}
