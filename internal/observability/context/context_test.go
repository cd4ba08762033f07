package context

import (
	stdcontext "context"
	"testing"
)

func TestContextValues(t *testing.T) {
	ctx := stdcontext.Background()
	ctx = WithRequestID(ctx, " req-1 ")
	ctx = WithAccountID(ctx, "42")
	ctx = WithActor(ctx, ActorAPIKey, "key_1")

	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("unexpected request id %q", got)
	}
	if got := AccountIDFromContext(ctx); got != "42" {
		t.Fatalf("unexpected account id %q", got)
	}
	kind, id := ActorFromContext(ctx)
	if kind != ActorAPIKey || id != "key_1" {
		t.Fatalf("unexpected actor %q/%q", kind, id)
	}
}

func TestEmptyValuesAreIgnored(t *testing.T) {
	ctx := WithRequestID(stdcontext.Background(), "  ")
	if got := RequestIDFromContext(ctx); got != "" {
		t.Fatalf("expected empty request id, got %q", got)
	}
	if kind, _ := ActorFromContext(ctx); kind != "" {
		t.Fatalf("expected no actor")
	}
}
