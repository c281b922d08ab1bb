// Package daemonlog wires up structured logging for the daemon: a JSON
// handler on stderr plus an independent 100-entry ring buffer backing
// the daemon.logs method.
package daemonlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// LevelTrace is one tier below slog's Debug. The CLI's --log-level flag
// exposes it as "TRACE" since slog has no native trace level.
const LevelTrace = slog.LevelDebug - 4

// ParseLevel maps the CLI's --log-level flag values onto slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// New builds the daemon's logger: JSON-formatted records on stderr at
// the given level, mirrored into a bounded ring buffer for the
// daemon.logs method. The returned Logs accessor is independent of
// every other subsystem's locking.
func New(level slog.Level) (*slog.Logger, *RingBuffer) {
	ring := NewRingBuffer(RingBufferCapacity)

	handler := &teeHandler{
		jsonHandler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		ring:        ring,
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, ring
}

// teeHandler writes every record to stderr as JSON (via jsonHandler)
// and also renders it to a line appended to ring, so daemon.logs can
// serve recent activity without re-reading stderr.
type teeHandler struct {
	jsonHandler slog.Handler
	ring        *RingBuffer
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.jsonHandler.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, record slog.Record) error {
	h.ring.Append(formatRecord(record))
	return h.jsonHandler.Handle(ctx, record)
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{jsonHandler: h.jsonHandler.WithAttrs(attrs), ring: h.ring}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{jsonHandler: h.jsonHandler.WithGroup(name), ring: h.ring}
}

// formatRecord renders a record as a single human-scannable line for
// the ring buffer; the authoritative structured form still goes to
// stderr as JSON via jsonHandler.
func formatRecord(record slog.Record) string {
	line := record.Time.UTC().Format(time.RFC3339) + " " + record.Level.String() + " " + record.Message
	record.Attrs(func(a slog.Attr) bool {
		line += " " + a.Key + "=" + a.Value.String()
		return true
	})
	return line
}
