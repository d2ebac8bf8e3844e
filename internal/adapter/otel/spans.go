package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/halyardhq/halyard/internal/domain/session"
)

const tracerName = "halyard"

// StartRunSpan starts a span covering one agent run.
func StartRunSpan(ctx context.Context, ref session.Ref, provider string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("session.id", ref.SessionID),
			attribute.String("repo.id", ref.RepoID),
			attribute.String("agent.provider", provider),
		),
	)
}

// StartWorkspaceSpan starts a span for workspace provisioning or teardown.
func StartWorkspaceSpan(ctx context.Context, ref session.Ref, op string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "workspace."+op,
		trace.WithAttributes(
			attribute.String("session.id", ref.SessionID),
			attribute.String("repo.id", ref.RepoID),
		),
	)
}

// StartPushSpan starts a span for a session branch push.
func StartPushSpan(ctx context.Context, ref session.Ref, branch string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "workspace.push",
		trace.WithAttributes(
			attribute.String("session.id", ref.SessionID),
			attribute.String("git.branch", branch),
		),
	)
}
