package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Grounded on the teacher's internal/domain/agent/react/tracing.go: one
// Tracer scope for the package, span names and attribute keys namespaced
// under it, and a markSpanResult helper that records success/error
// uniformly.
const (
	traceScope = "forksd.orchestrator"

	spanExecuteSubagent     = "forksd.orchestrator.execute_subagent"
	spanExecuteAttemptBatch = "forksd.orchestrator.execute_attempt_batch"
	spanCompleteExecution   = "forksd.orchestrator.complete_execution"

	attrChatID    = "forksd.chat_id"
	attrContextID = "forksd.context_id"
	attrStatus    = "forksd.status"
)

func startSpan(ctx context.Context, name, chatID, contextID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{}
	if chatID != "" {
		attrs = append(attrs, attribute.String(attrChatID, chatID))
	}
	if contextID != "" {
		attrs = append(attrs, attribute.String(attrContextID, contextID))
	}
	return otel.Tracer(traceScope).Start(ctx, name, trace.WithAttributes(attrs...))
}

func markSpanResult(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(attrStatus, "error"))
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.String(attrStatus, "success"))
}
