package context

import (
	stdcontext "context"
	"strings"
)

type requestIDKey struct{}
type accountIDKey struct{}
type actorKey struct{}

type actor struct {
	kind string
	id   string
}

const (
	ActorSystem    = "system"
	ActorAPIKey    = "api_key"
	ActorScheduler = "scheduler"
	ActorWebhook   = "webhook"
)

func WithRequestID(ctx stdcontext.Context, requestID string) stdcontext.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return stdcontext.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx stdcontext.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// WithAccountID tags the context with the account an operation acts on.
func WithAccountID(ctx stdcontext.Context, accountID string) stdcontext.Context {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ctx
	}
	return stdcontext.WithValue(ctx, accountIDKey{}, accountID)
}

func AccountIDFromContext(ctx stdcontext.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(accountIDKey{}).(string)
	return v
}

func WithActor(ctx stdcontext.Context, kind, id string) stdcontext.Context {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return ctx
	}
	return stdcontext.WithValue(ctx, actorKey{}, actor{kind: kind, id: strings.TrimSpace(id)})
}

// ActorFromContext returns the actor type and id, or empty strings.
func ActorFromContext(ctx stdcontext.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	a, ok := ctx.Value(actorKey{}).(actor)
	if !ok {
		return "", ""
	}
	return a.kind, a.id
}
