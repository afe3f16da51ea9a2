// Package toolexecutor registers tools and executes batches of model tool calls.
//
// Invariants:
// - Tool names are unique; the registry is read-only once serving starts.
// - Arguments are schema-validated before a handler runs.
// - ExecuteAll returns exactly one result per invocation, in request order.
// - Within one batch a tool name executes at most once.
// - Handler errors, panics and timeouts become error results.
//
// Usage:
//
//	reg := toolexecutor.NewRegistry()
//	_ = reg.Register(toolexecutor.Declaration{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolexecutor.Parameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//	}, func(ctx context.Context, args map[string]interface{}) (interface{}, error) { return args["text"], nil })
//	results := toolexecutor.NewExecutor(reg, toolexecutor.Config{}).ExecuteAll(ctx, invocations)
package toolexecutor
