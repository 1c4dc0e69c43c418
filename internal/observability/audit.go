package observability

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/otaku/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditKind groups audit events by what they touch
type AuditKind string

const (
	AuditCatalog    AuditKind = "catalog"
	AuditCredential AuditKind = "credential"
)

// AuditEvent is one line of the audit log. Only actions with side effects
// outside the process are audited: list mutations and token refreshes.
type AuditEvent struct {
	Kind     AuditKind
	Action   string
	Actor    string // expert name, "Router" or "system"
	Status   string
	Metadata map[string]interface{}

	Timestamp time.Time
}

// AuditLogger appends audit events as JSON lines
type AuditLogger struct {
	mu     sync.Mutex
	out    zerolog.Logger
	closer *os.File
}

var auditInst atomic.Pointer[AuditLogger]

// GetAuditLogger returns the process audit logger. Until InitAuditLogger
// succeeds, events go to stderr.
func GetAuditLogger() *AuditLogger {
	if a := auditInst.Load(); a != nil {
		return a
	}
	fallback := &AuditLogger{out: zerolog.New(os.Stderr).With().Timestamp().Logger()}
	if auditInst.CompareAndSwap(nil, fallback) {
		return fallback
	}
	return auditInst.Load()
}

// InitAuditLogger points the process audit logger at path, creating it with
// owner-only permissions. The previous logger is closed.
func InitAuditLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	next := &AuditLogger{out: zerolog.New(f).With().Timestamp().Logger(), closer: f}
	if prev := auditInst.Swap(next); prev != nil {
		_ = prev.Close()
	}
	return nil
}

// Record writes event. IDs carried by ctx are attached, and the event is
// mirrored onto the active span.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	var traceID string
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		span.AddEvent("audit."+event.Action, trace.WithAttributes(
			attribute.String("audit.kind", string(event.Kind)),
			attribute.String("audit.actor", event.Actor),
			attribute.String("audit.status", event.Status),
		))
	}
	if traceID == "" {
		traceID = tracing.GetTraceID(ctx)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	e := a.out.Log().
		Time("at", event.Timestamp).
		Str("kind", string(event.Kind)).
		Str("action", event.Action).
		Str("actor", event.Actor).
		Str("status", event.Status)
	if _, set := event.Metadata["run_id"]; !set {
		if runID := tracing.GetRunID(ctx); runID != "" {
			e = e.Str("run_id", runID)
		}
	}
	if traceID != "" {
		e = e.Str("trace_id", traceID)
	}
	if len(event.Metadata) > 0 {
		e = e.Fields(event.Metadata)
	}
	e.Send()
}

// Close releases the audit file. Closing twice is a no-op.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	a.out = zerolog.Nop()
	return err
}

// RecordListMutationAudit records a change to the user's catalog list made
// by tool
func RecordListMutationAudit(ctx context.Context, tool, actor, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Kind:     AuditCatalog,
		Action:   "mutate:" + tool,
		Actor:    actor,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordCredentialAudit records a credential lifecycle event such as a
// token refresh
func RecordCredentialAudit(ctx context.Context, action, actor, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Kind:     AuditCredential,
		Action:   action,
		Actor:    actor,
		Status:   status,
		Metadata: metadata,
	})
}
