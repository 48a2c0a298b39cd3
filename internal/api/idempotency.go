package api

import (
	"context"

	"github.com/mbd888/accountmarket/internal/idgen"
)

type idempotencyKey struct{}

// WithIdempotencyKey sets the Idempotency-Key sent with the next mutation
// made with ctx.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKeyFrom returns the key set by WithIdempotencyKey.
func IdempotencyKeyFrom(ctx context.Context) string {
	k, _ := ctx.Value(idempotencyKey{}).(string)
	return k
}

// WithActionKey keys a mutation by who does what to which resource, plus an
// optional per-submission token from the page. Resubmitting the same action
// sends the same key, so the marketplace replays the first result instead
// of acting twice.
func WithActionKey(ctx context.Context, viewerID, op, resourceID, submission string) context.Context {
	return WithIdempotencyKey(ctx, idgen.DerivedKey(viewerID, op, resourceID, submission))
}
