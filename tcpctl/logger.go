package tcpctl

import (
	"context"
	"log/slog"
)

// levelTrace sits one notch below slog.LevelDebug, for the high-frequency
// per-segment logging that would otherwise drown out connection-lifecycle
// events at debug level.
const levelTrace = slog.Level(-8)

// logger wraps an optional *slog.Logger with the trace/debug/err helpers
// the packet-processing hot path uses. A zero-value logger silently
// discards everything, so Connection can embed one unconditionally
// without nil-checking at every call site.
type logger struct {
	log *slog.Logger
}

func (l logger) enabled(lvl slog.Level) bool {
	return l.log != nil && l.log.Handler().Enabled(context.Background(), lvl)
}

func (l logger) logAttrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	if l.log == nil {
		return
	}
	l.log.LogAttrs(context.Background(), lvl, msg, attrs...)
}

func (l logger) trace(msg string, attrs ...slog.Attr) { l.logAttrs(levelTrace, msg, attrs...) }
func (l logger) debug(msg string, attrs ...slog.Attr) { l.logAttrs(slog.LevelDebug, msg, attrs...) }
func (l logger) logerr(msg string, attrs ...slog.Attr) { l.logAttrs(slog.LevelError, msg, attrs...) }
