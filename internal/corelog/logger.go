// Package corelog provides the structured logging interface shared by every
// orchestrator component.
package corelog

import "context"

// Logger is the minimal logging interface every component depends on.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger extends Logger with component attribution so logs
// can be filtered by subsystem (graph, bus, provider, sse, cache, ...).
//
// Component naming convention:
//   - "orchestrator/graph"    - execution graph engine
//   - "orchestrator/plan"     - plan factory & variable resolver
//   - "orchestrator/bus"      - message bus (local + distributed)
//   - "orchestrator/provider" - provider router & resilience
//   - "orchestrator/sse"      - SSE fan-out & plan event log
//   - "orchestrator/cache"    - policy decision cache
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. It is the zero-value default so
// components never need a nil check.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Debug(string, map[string]interface{}) {}

func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{}) {}

// WithComponent on NoOpLogger returns itself; there is no attribution to add.
func (n NoOpLogger) WithComponent(string) Logger { return n }

var _ ComponentAwareLogger = NoOpLogger{}
