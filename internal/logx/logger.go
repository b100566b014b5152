// Package logx provides the structured logging interface used throughout
// the proxy core: a minimal Logger / ComponentAwareLogger / NoOpLogger /
// ProductionLogger design.
package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Logger is the minimal structured logging interface.
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

// ComponentAwareLogger extends Logger so different subsystems (planner,
// retry engine, proxy handler, control API) can log under their own
// component tag while sharing one sink. Component naming convention:
//
//	"proxy/classify", "proxy/lbs", "proxy/planner", "proxy/retry",
//	"proxy/handler", "proxy/controlapi"
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. Used as a safe default.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})                              {}
func (NoOpLogger) Error(string, map[string]interface{})                             {}
func (NoOpLogger) Warn(string, map[string]interface{})                              {}
func (NoOpLogger) Debug(string, map[string]interface{})                             {}
func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{}) {}

// Level is the minimum severity a ProductionLogger will emit.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var levelRank = map[Level]int{LevelDebug: 0, LevelInfo: 1, LevelWarn: 2, LevelError: 3}

// Format selects the rendering used by ProductionLogger.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// ProductionLogger is a small dependency-free structured logger: JSON lines
// for production log aggregation, or a human-readable line for local
// development. Secrets are never passed to it — callers record only auth
// provenance strings (see model.AuthSource.Origin), never token values.
type ProductionLogger struct {
	level     Level
	format    Format
	service   string
	component string
	output    io.Writer
}

// NewProductionLogger builds a logger for serviceName at the given level
// and format, writing to output (os.Stdout/os.Stderr in production).
func NewProductionLogger(serviceName string, level Level, format Format, output io.Writer) *ProductionLogger {
	if output == nil {
		output = os.Stdout
	}
	if _, ok := levelRank[level]; !ok {
		level = LevelInfo
	}
	return &ProductionLogger{
		level:   level,
		format:  format,
		service: serviceName,
		output:  output,
	}
}

func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

func (p *ProductionLogger) enabled(l Level) bool {
	return levelRank[l] >= levelRank[p.level]
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.log(context.Background(), LevelInfo, msg, fields)
}
func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.log(context.Background(), LevelError, msg, fields)
}
func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.log(context.Background(), LevelWarn, msg, fields)
}
func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	p.log(context.Background(), LevelDebug, msg, fields)
}
func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.log(ctx, LevelInfo, msg, fields)
}
func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.log(ctx, LevelError, msg, fields)
}
func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.log(ctx, LevelWarn, msg, fields)
}
func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.log(ctx, LevelDebug, msg, fields)
}

func (p *ProductionLogger) log(ctx context.Context, level Level, msg string, fields map[string]interface{}) {
	if !p.enabled(level) {
		return
	}

	sc := trace.SpanContextFromContext(ctx)

	if p.format == FormatJSON {
		entry := map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"level":     strings.ToUpper(string(level)),
			"service":   p.service,
			"component": p.component,
			"message":   msg,
		}
		if sc.IsValid() {
			entry["trace_id"] = sc.TraceID().String()
			entry["span_id"] = sc.SpanID().String()
		}
		for k, v := range fields {
			entry[k] = v
		}
		enc := json.NewEncoder(p.output)
		_ = enc.Encode(entry)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] [%s]", time.Now().Format(time.RFC3339), strings.ToUpper(string(level)), p.service)
	if p.component != "" {
		fmt.Fprintf(&b, " (%s)", p.component)
	}
	if sc.IsValid() {
		fmt.Fprintf(&b, " trace=%s", sc.TraceID().String())
	}
	fmt.Fprintf(&b, " %s", msg)
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	fmt.Fprintln(p.output, b.String())
}

var _ ComponentAwareLogger = (*ProductionLogger)(nil)
