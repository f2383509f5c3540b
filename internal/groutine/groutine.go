package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey string

const nameKey ctxKey = "goroutine_name"

// Go starts a named goroutine. The name shows up as a pprof label and is
// recoverable from the context via Name, which keeps background
// connect/disconnect actions identifiable in goroutine dumps.
//
//	groutine.Go(ctx, "machine-capture", func(ctx context.Context) {
//	    // work
//	})
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, nameKey, name)
		fn(ctx)
	})
}

// Name retrieves the goroutine name from the context, or "" if unset.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(nameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
