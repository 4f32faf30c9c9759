package gateway

import "context"

type forwardKey struct{}

func withForward(ctx context.Context, f *forward) context.Context {
	return context.WithValue(ctx, forwardKey{}, f)
}

func forwardFrom(ctx context.Context) (*forward, bool) {
	f, ok := ctx.Value(forwardKey{}).(*forward)
	return f, ok
}
