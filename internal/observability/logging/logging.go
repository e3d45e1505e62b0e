// Package logging configures log/slog for relaycast and carries request and
// stream identifiers through contexts so every component logs them.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"relaycast/internal/observability/metrics"
)

// Config selects the level, output format and destination of the logger.
type Config struct {
	Level     string
	Format    string
	Writer    io.Writer
	AddSource bool
}

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Init builds a logger from cfg and makes it the slog default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger from cfg. Output defaults to stdout in JSON.
func New(cfg Config) *slog.Logger {
	out := cfg.Writer
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}
	if LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) == FormatText {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

// parseLevel accepts slog level names plus "warning". Unknown values log at
// info.
func parseLevel(level string) slog.Leveler {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "warning" {
		name = "warn"
	}
	lv := new(slog.LevelVar)
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(name)); err == nil {
		lv.Set(parsed)
	}
	return lv
}

// WithComponent tags logger with the emitting component.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

// WithDestination tags logger with the network and account a destination
// operation targets.
func WithDestination(logger *slog.Logger, network, accountID, accountName string) *slog.Logger {
	if logger == nil {
		return nil
	}
	logger = logger.With("network", network, "account_id", accountID)
	if accountName != "" {
		logger = logger.With("account", accountName)
	}
	return logger
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type scopeKey struct{}

// scope holds the identifiers attached to a context. It is copied on every
// change so parent contexts are never mutated.
type scope struct {
	requestID string
	streamID  string
}

func scopeFrom(ctx context.Context) scope {
	if ctx == nil {
		return scope{}
	}
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

func withScope(ctx context.Context, update func(*scope)) context.Context {
	s := scopeFrom(ctx)
	update(&s)
	return context.WithValue(ctx, scopeKey{}, s)
}

// ContextWithRequestID records id on ctx. Blank ids leave ctx unchanged.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return withScope(ctx, func(s *scope) { s.requestID = id })
}

// RequestIDFromContext returns the request id recorded on ctx.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id := scopeFrom(ctx).requestID
	return id, id != ""
}

// ContextWithStreamID records the stream an operation acts on. Blank ids
// leave ctx unchanged.
func ContextWithStreamID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return withScope(ctx, func(s *scope) { s.streamID = id })
}

// StreamIDFromContext returns the stream id recorded on ctx.
func StreamIDFromContext(ctx context.Context) (string, bool) {
	id := scopeFrom(ctx).streamID
	return id, id != ""
}

// WithContext tags logger with the request and stream ids held by ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	s := scopeFrom(ctx)
	var attrs []any
	if s.requestID != "" {
		attrs = append(attrs, "request_id", s.requestID)
	}
	if s.streamID != "" {
		attrs = append(attrs, "stream_id", s.streamID)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

// RequestLoggerConfig configures RequestLogger.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	AdditionalFields  func(*http.Request, int, time.Duration) []any
}

// RequestLogger logs one record per request once the handler returns. Server
// errors log at error level and client errors at warn.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rr := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(rr, r)
			elapsed := time.Since(start)

			status := rr.Status()
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", rr.BytesWritten(),
				"duration_ms", elapsed.Milliseconds(),
			}
			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_addr", r.RemoteAddr)
			}
			if cfg.AdditionalFields != nil {
				attrs = append(attrs, cfg.AdditionalFields(r, status, elapsed)...)
			}
			WithContext(r.Context(), base).Log(r.Context(), levelForStatus(status), "request completed", attrs...)
		})
	}
}

func levelForStatus(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
