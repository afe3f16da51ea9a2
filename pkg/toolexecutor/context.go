package toolexecutor

import "context"

type invocationKey struct{}

// ContextWithInvocation attaches the running invocation to ctx for handlers.
func ContextWithInvocation(ctx context.Context, inv Invocation) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFromContext returns the invocation a handler is serving.
func InvocationFromContext(ctx context.Context) (Invocation, bool) {
	if ctx == nil {
		return Invocation{}, false
	}
	inv, ok := ctx.Value(invocationKey{}).(Invocation)
	return inv, ok
}
