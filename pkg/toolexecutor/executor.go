package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"github.com/harun/shiftdesk/internal/observability"
	"github.com/harun/shiftdesk/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Result messages produced by the executor itself.
const (
	SkippedOutput    = "skipped: already executed this cycle"
	UnknownToolError = "unknown tool"
	CancelledError   = "cancelled before execution"
)

// Status classifies how an invocation ended.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusSkipped   Status = "skipped"
	StatusUnknown   Status = "unknown"
	StatusInvalid   Status = "invalid"
	StatusCancelled Status = "cancelled"
)

// Invocation is one tool call requested by the model.
type Invocation struct {
	ID   string
	Name string
	Args map[string]interface{}
}

// Result is the outcome of one Invocation. Error is empty on success.
type Result struct {
	ID        string        `json:"id,omitempty"`
	Name      string        `json:"name"`
	Output    interface{}   `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Skipped   bool          `json:"skipped,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Status    Status        `json:"-"`
	Duration  time.Duration `json:"-"`
}

// Config tunes handler execution.
type Config struct {
	// Timeout bounds a single handler. Zero means 30s.
	Timeout time.Duration
	// MaxOutputBytes truncates large outputs. Zero means 10KB.
	MaxOutputBytes int
}

// Executor runs batches of invocations against a Registry.
type Executor struct {
	registry  *Registry
	timeout   time.Duration
	maxOutput int
}

// NewExecutor creates an executor over registry
func NewExecutor(registry *Registry, cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 10 * 1024
	}
	return &Executor{
		registry:  registry,
		timeout:   cfg.Timeout,
		maxOutput: cfg.MaxOutputBytes,
	}
}

// Registry returns the registry the executor dispatches to.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// ExecuteAll runs invocations sequentially in request order and returns one
// result per invocation. Only the first invocation of a name runs; later ones
// are reported as skipped. Failures never escape as errors.
//
// Once ctx is done no further handler is started; remaining invocations are
// reported as cancelled. A handler that already started runs on a context
// detached from ctx's cancellation.
func (e *Executor) ExecuteAll(ctx context.Context, invocations []Invocation) []Result {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerTools, "tools.execute_all",
		attribute.Int("tools.count", len(invocations)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	results := make([]Result, 0, len(invocations))
	executed := make(map[string]bool, len(invocations))

	for _, inv := range invocations {
		res := Result{ID: inv.ID, Name: inv.Name}

		switch {
		case executed[inv.Name]:
			res.Output = SkippedOutput
			res.Skipped = true
			res.Status = StatusSkipped

		case ctx.Err() != nil:
			res.Error = CancelledError
			res.Status = StatusCancelled

		default:
			handler, ok := e.registry.HandlerFor(inv.Name)
			if !ok {
				res.Error = UnknownToolError
				res.Status = StatusUnknown
				break
			}
			if err := e.registry.Validate(inv.Name, inv.Args); err != nil {
				res.Error = fmt.Sprintf("invalid arguments: %v", err)
				res.Status = StatusInvalid
				break
			}

			executed[inv.Name] = true
			res = e.run(ctx, handler, inv)
		}

		observability.RecordToolExecution(inv.Name, string(res.Status), res.Duration)
		event := logger.Debug()
		if res.Error != "" {
			event = logger.Warn().Str("error", res.Error)
		}
		event.
			Str("tool", inv.Name).
			Str("status", string(res.Status)).
			Dur("duration", res.Duration).
			Msg("Tool invocation finished")

		results = append(results, res)
	}

	return results
}

type handlerOutcome struct {
	output interface{}
	err    error
}

// run invokes a single handler with a timeout and panic recovery.
func (e *Executor) run(ctx context.Context, handler Handler, inv Invocation) Result {
	start := time.Now()
	res := Result{ID: inv.ID, Name: inv.Name}

	args := inv.Args
	if args == nil {
		args = map[string]interface{}{}
	}

	runCtx, cancel := context.WithTimeout(tracing.Detach(ctx), e.timeout)
	defer cancel()
	runCtx = ContextWithInvocation(runCtx, inv)

	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("tool", inv.Name).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("Tool handler panicked")
				done <- handlerOutcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		output, err := handler(runCtx, args)
		done <- handlerOutcome{output: output, err: err}
	}()

	select {
	case out := <-done:
		res.Duration = time.Since(start)
		if out.err != nil {
			res.Error = out.err.Error()
			res.Status = StatusError
			return res
		}
		res.Output, res.Truncated = e.truncateOutput(out.output)
		res.Status = StatusSuccess
		return res

	case <-runCtx.Done():
		res.Duration = time.Since(start)
		res.Error = fmt.Sprintf("tool execution timeout after %v", e.timeout)
		res.Status = StatusError
		return res
	}
}

// truncateOutput caps oversized outputs. Non-string values are measured by
// their JSON encoding.
func (e *Executor) truncateOutput(output interface{}) (interface{}, bool) {
	var str string
	switch v := output.(type) {
	case nil:
		return nil, false
	case string:
		str = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v), false
		}
		if len(data) <= e.maxOutput {
			return output, false
		}
		str = string(data)
	}

	if len(str) <= e.maxOutput {
		return output, false
	}

	log.Warn().
		Int("original", len(str)).
		Int("truncated", e.maxOutput).
		Msg("Tool output truncated")

	cut := e.maxOutput
	for cut > 0 && !utf8.RuneStart(str[cut]) {
		cut--
	}
	return str[:cut] + "\n... [output truncated]", true
}
