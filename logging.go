package tunnel

import (
	"os"

	"github.com/rs/zerolog"
)

// componentLogger returns a sub-logger tagged with the given component
// name, mirroring the teacher's "[component] message" log prefix
// convention but as a structured zerolog field instead of a string
// prefix — this core's logs are read alongside cloudflared's own zerolog
// output, so the same field name (`component`) lines up in a log viewer.
func componentLogger(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// defaultLogger returns a console-friendly logger for callers (e.g.
// cmd/tunneld) that don't want to build their own zerolog.Logger.
func defaultLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

// NewDefaultLogger is the exported form of defaultLogger, for callers
// outside the package (cmd/tunneld's demo binary) who just want a
// reasonable console logger without building their own zerolog.Logger.
func NewDefaultLogger() zerolog.Logger {
	return defaultLogger()
}
