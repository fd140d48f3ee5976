package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const LevelTrace slog.Level = -8

// NewLogger returns a text logger for level. Below info it also records the
// source file and line of each message.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		AddSource:   level < slog.LevelInfo,
		ReplaceAttr: replaceAttr,
	}))
}

func replaceAttr(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.LevelKey:
		if level, ok := attr.Value.Any().(slog.Level); ok && level == LevelTrace {
			attr.Value = slog.StringValue("TRACE")
		}
	case slog.SourceKey:
		if source, ok := attr.Value.Any().(*slog.Source); ok {
			source.File = filepath.Base(source.File)
		}
	}
	return attr
}

type skipKey struct{}

// Trace logs at LevelTrace on the default logger. The record is attributed to
// the caller of Trace.
func Trace(msg string, args ...any) {
	TraceContext(context.WithValue(context.Background(), skipKey{}, 1), msg, args...)
}

func TraceContext(ctx context.Context, msg string, args ...any) {
	logger := slog.Default()
	if !logger.Enabled(ctx, LevelTrace) {
		return
	}

	skip, _ := ctx.Value(skipKey{}).(int)
	pc, _, _, _ := runtime.Caller(1 + skip)
	record := slog.NewRecord(time.Now(), LevelTrace, msg, pc)
	record.Add(args...)
	_ = logger.Handler().Handle(ctx, record)
}

// Enabled reports whether trace records would be emitted.
func Enabled() bool {
	return slog.Default().Enabled(context.Background(), LevelTrace)
}

// RequestIDHeader carries the identifier Middleware assigns to each request.
const RequestIDHeader = "X-Request-Id"

// Middleware logs every request handled by a gin engine on the default logger.
// Each request gets a random ID, returned in RequestIDHeader and stored in the
// gin context under "request_id". Failed requests are logged as warnings with
// the errors attached to the context.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := uuid.NewString()
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)

		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= 400 {
			level = slog.LevelWarn
		}

		attrs := []any{
			"request_id", id,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client", c.ClientIP(),
		}
		if errs := c.Errors.ByType(gin.ErrorTypeAny); len(errs) > 0 {
			attrs = append(attrs, "errors", errs.String())
		}

		slog.Log(c.Request.Context(), level, "request", attrs...)
	}
}
