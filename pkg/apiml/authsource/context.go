package authsource

import "context"

// contextKey is unexported so that only this package can set the value.
type contextKey struct{}

type contextValue struct {
	source AuthSource
	parsed *Parsed
}

// WithAuthSource returns a context carrying the source and, when known, its
// parsed identity.
func WithAuthSource(ctx context.Context, src AuthSource, parsed *Parsed) context.Context {
	return context.WithValue(ctx, contextKey{}, contextValue{source: src, parsed: parsed})
}

// FromContext returns the source and parsed identity stored by WithAuthSource.
// parsed may be nil when the source was attached but not parsed yet.
func FromContext(ctx context.Context) (AuthSource, *Parsed, bool) {
	v, ok := ctx.Value(contextKey{}).(contextValue)
	if !ok {
		return AuthSource{}, nil, false
	}
	return v.source, v.parsed, true
}
