// Package snsctx carries per-command switches from the cli down to bus adapters.
package snsctx

import "context"

type ctxKey int

const ctxKeyFrameDump ctxKey = iota

// WithFrameDump enables hex dumps of every adapter frame sent and received.
func WithFrameDump(ctx context.Context, enabled bool) context.Context {
	return context.WithValue(ctx, ctxKeyFrameDump, enabled)
}

func FrameDump(ctx context.Context) bool {
	enabled, _ := ctx.Value(ctxKeyFrameDump).(bool)
	return enabled
}
