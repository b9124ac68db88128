package corelog

import (
	"context"
	"log/slog"
	"os"
)

// ProductionLogger is a structured JSON logger backed by log/slog. It
// implements ComponentAwareLogger so every subsystem can tag its own logs
// without carrying its own logging dependency.
type ProductionLogger struct {
	slog      *slog.Logger
	component string
}

// NewProductionLogger builds a JSON logger writing to stdout at the given
// level ("debug", "info", "warn", "error"; defaults to "info").
func NewProductionLogger(level string) *ProductionLogger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return &ProductionLogger{slog: slog.New(handler)}
}

// WithComponent returns a logger tagged with the given component name,
// sharing the same underlying slog handler.
func (p *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{slog: p.slog, component: component}
}

func (p *ProductionLogger) attrs(fields map[string]interface{}) []any {
	args := make([]any, 0, len(fields)*2+2)
	if p.component != "" {
		args = append(args, "component", p.component)
	}
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.slog.Info(msg, p.attrs(fields)...)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.slog.Error(msg, p.attrs(fields)...)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.slog.Warn(msg, p.attrs(fields)...)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	p.slog.Debug(msg, p.attrs(fields)...)
}

// traceAttrs pulls a trace id out of ctx, if telemetry has attached one.
func traceAttrsFromContext(ctx context.Context) []any {
	if tid, ok := ctx.Value(traceIDKey{}).(string); ok && tid != "" {
		return []any{"trace_id", tid}
	}
	return nil
}

// traceIDKey is the context key telemetry uses to stash the active trace id
// for correlation in logs (see internal/telemetry).
type traceIDKey struct{}

// WithTraceID returns a context carrying a trace id for log correlation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.slog.Info(msg, append(p.attrs(fields), traceAttrsFromContext(ctx)...)...)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.slog.Error(msg, append(p.attrs(fields), traceAttrsFromContext(ctx)...)...)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.slog.Warn(msg, append(p.attrs(fields), traceAttrsFromContext(ctx)...)...)
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.slog.Debug(msg, append(p.attrs(fields), traceAttrsFromContext(ctx)...)...)
}

var _ ComponentAwareLogger = (*ProductionLogger)(nil)
