package secrets

import (
	"context"
	"log/slog"
	"strings"
)

// Masked replaces the value of every sensitive attribute.
const Masked = "[REDACTED]"

// defaultSensitive matches attribute keys that must never reach a sink.
// Matching is case-insensitive on key substrings.
var defaultSensitive = []string{
	"api_key", "api_secret", "secret", "signature",
	"passphrase", "private_key", "token", "password",
}

// RedactHandler is a slog.Handler middleware that masks sensitive attribute
// values before forwarding records to the wrapped handler. It sits directly
// under the root logger so it covers every derived logger and sink.
type RedactHandler struct {
	inner sensitive
}

type sensitive struct {
	h    slog.Handler
	keys []string
}

// NewRedactHandler wraps inner. Extra keys extend the built-in sensitive
// set.
func NewRedactHandler(inner slog.Handler, extraKeys ...string) *RedactHandler {
	keys := make([]string, 0, len(defaultSensitive)+len(extraKeys))
	keys = append(keys, defaultSensitive...)
	for _, k := range extraKeys {
		keys = append(keys, strings.ToLower(k))
	}
	return &RedactHandler{inner: sensitive{h: inner, keys: keys}}
}

func (s sensitive) matches(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range s.keys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func (s sensitive) redact(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		grp := a.Value.Group()
		masked := make([]slog.Attr, len(grp))
		for i, g := range grp {
			masked[i] = s.redact(g)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(masked...)}
	}
	if s.matches(a.Key) {
		return slog.String(a.Key, Masked)
	}
	return a
}

// Enabled implements slog.Handler.
func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.h.Enabled(ctx, level)
}

// Handle implements slog.Handler: it rewrites the record with sensitive
// attributes masked.
func (h *RedactHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(h.inner.redact(a))
		return true
	})
	return h.inner.h.Handle(ctx, clean)
}

// WithAttrs implements slog.Handler, masking attrs attached via With.
func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = h.inner.redact(a)
	}
	return &RedactHandler{inner: sensitive{h: h.inner.h.WithAttrs(masked), keys: h.inner.keys}}
}

// WithGroup implements slog.Handler.
func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{inner: sensitive{h: h.inner.h.WithGroup(name), keys: h.inner.keys}}
}
