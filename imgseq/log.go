package imgseq

import (
	"io"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
)

// namedLogger returns a logger named after the component, falling back to one
// that discards everything.
func namedLogger(log *slog.Logger, name string) slog.Logger {
	if log == nil {
		return slog.Make(sloghuman.Sink(io.Discard)).Named(name)
	}
	return log.Named(name)
}
