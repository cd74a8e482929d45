// Package context carries request-scoped identifiers used for log and trace
// enrichment.
package context

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type subscriberIDKey struct{}
type actorKey struct{}

type actor struct {
	kind string
	id   string
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

func WithSubscriberID(ctx context.Context, subscriberID string) context.Context {
	subscriberID = strings.TrimSpace(subscriberID)
	if subscriberID == "" {
		return ctx
	}
	return context.WithValue(ctx, subscriberIDKey{}, subscriberID)
}

func SubscriberIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(subscriberIDKey{}).(string)
	return v
}

// WithActor records who initiated the work, e.g. ("system", "scheduler").
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor{
		kind: strings.TrimSpace(actorType),
		id:   strings.TrimSpace(actorID),
	})
}

func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	v, ok := ctx.Value(actorKey{}).(actor)
	if !ok {
		return "", ""
	}
	return v.kind, v.id
}
