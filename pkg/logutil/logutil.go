// Package logutil provides shared logging setup for the funcall binaries.
//
// Logs are structured JSON via slog. INFO/DEBUG lines go to stdout and
// WARN/ERROR lines to stderr. When stdout is a terminal the stdout stream is
// pretty-printed for a human reader; piped output stays compact for log
// aggregators and CI.
package logutil

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
)

// isTTY is set once at init time (checks stdout for piping detection).
var isTTY bool

func init() {
	stat, err := os.Stdout.Stat()
	if err == nil {
		isTTY = (stat.Mode() & os.ModeCharDevice) != 0
	}
}

// IsTTY reports whether stdout appears to be a terminal.
func IsTTY() bool {
	return isTTY
}

// New builds the process logger at the given minimum level.
func New(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(Output(), &slog.HandlerOptions{Level: level}))
}

// ParseLevel maps a configuration string to a slog level. Unknown or empty
// values select INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Output returns a writer that routes log lines by severity:
// - INFO/DEBUG → stdout (pretty-printed if TTY, compact if piped)
// - WARN/ERROR → stderr (always compact for tooling)
//
// Pass the return value to slog.NewJSONHandler as the destination writer.
func Output() io.Writer {
	return &levelRoutingWriter{
		stdout: maybeWrapPretty(os.Stdout),
		stderr: os.Stderr, // always compact for stderr
	}
}

// maybeWrapPretty wraps w in a pretty-printer if stdout is a TTY.
func maybeWrapPretty(w io.Writer) io.Writer {
	if !isTTY {
		return w
	}
	return &prettyJSONWriter{w: w}
}

// levelRoutingWriter inspects each log line's "level" field and routes to
// stdout (info/debug) or stderr (warn/error).
type levelRoutingWriter struct {
	stdout io.Writer
	stderr io.Writer
}

func (lw *levelRoutingWriter) Write(p []byte) (int, error) {
	var entry map[string]interface{}
	if err := json.Unmarshal(p, &entry); err != nil {
		// Not valid JSON, send to stderr as a safety measure.
		return lw.stderr.Write(p)
	}

	level, ok := entry["level"].(string)
	if !ok {
		return lw.stdout.Write(p)
	}

	switch level {
	case "WARN", "ERROR":
		return lw.stderr.Write(p)
	default: // INFO, DEBUG, etc.
		return lw.stdout.Write(p)
	}
}

// prettyJSONWriter re-indents each JSON line written to it.
type prettyJSONWriter struct {
	w io.Writer
}

func (pw *prettyJSONWriter) Write(p []byte) (int, error) {
	trimmed := bytes.TrimRight(p, "\n")
	var buf bytes.Buffer
	if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
		// Not valid JSON, pass through unchanged.
		return pw.w.Write(p)
	}
	buf.WriteByte('\n')
	_, err := pw.w.Write(buf.Bytes())
	return len(p), err // return original len to satisfy io.Writer contract
}
