package obs

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// SetupLogging configures the process-wide default logger.
// format is "text" or "json"; level is debug/info/warn/error.
func SetupLogging(level, format string) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// ParseLevel maps a config string to a slog.Level. Unknown values
// fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// Throttle limits how often a hot-path log line is emitted. The first
// few occurrences always log; after that at most one per interval.
type Throttle struct {
	s rate.Sometimes
}

// NewThrottle returns a Throttle that logs the first three occurrences
// and then at most once per interval.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{s: rate.Sometimes{First: 3, Interval: interval}}
}

// Log emits via the default logger if the throttle allows it.
func (t *Throttle) Log(level slog.Level, msg string, args ...any) {
	t.s.Do(func() {
		slog.Log(context.Background(), level, msg, args...)
	})
}
