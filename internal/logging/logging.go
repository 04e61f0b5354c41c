// Package logging sets up the process-wide structured logger. Every
// component takes a zerolog.Logger value (or the package-level default) instead
// of reaching for fmt.Println or the standard library's log package.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// New builds a logger for the given component name. In an interactive
// terminal it writes human-readable console output; otherwise it writes
// newline-delimited JSON, suitable for log aggregation.
func New(component string) zerolog.Logger {
	var w io.Writer = os.Stderr
	if isatty.IsTerminal(os.Stderr.Fd()) {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().
		Timestamp().
		Str("component", component).
		Logger()
}

// Default is the fallback logger for code paths that are not yet wired to a
// request-scoped or component-scoped logger.
var Default = New("coordinator")
