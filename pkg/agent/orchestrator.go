package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harun/shiftdesk/internal/observability"
	"github.com/harun/shiftdesk/internal/tracing"
	"github.com/harun/shiftdesk/pkg/commandqueue"
	"github.com/harun/shiftdesk/pkg/history"
	"github.com/harun/shiftdesk/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Fixed replies used when the model gives no usable text.
const (
	FallbackToolsOnly = "Tools were executed, but there is no further reply."
	FallbackEmpty     = "The assistant did not return a usable reply."
	FallbackCapped    = "Sorry, I could not finish working on your request within the allowed number of steps. Please try again."
	ResetReply        = "Your conversation history has been cleared."
)

// Defaults applied by NewOrchestrator for zero Config fields.
const (
	DefaultMaxCycles    = 10
	DefaultRetryBackoff = time.Second
	DefaultResetCommand = "/reset"
)

// Config tunes the reasoning loop.
type Config struct {
	// MaxCycles caps tool cycles per message.
	MaxCycles     int
	UserTurnLimit int
	FetchCap      int
	// MaxRetries is the number of extra attempts for a retryable model error.
	MaxRetries   int
	RetryBackoff time.Duration
	// ResetCommand clears the sender's history instead of reaching the model.
	// Empty disables it.
	ResetCommand string
	// QueueWarnAfter logs when a message waits this long behind the same user.
	QueueWarnAfter time.Duration
}

// DefaultConfig returns the default loop configuration
func DefaultConfig() Config {
	return Config{
		MaxCycles:      DefaultMaxCycles,
		UserTurnLimit:  history.DefaultUserTurnLimit,
		FetchCap:       history.DefaultFetchCap,
		MaxRetries:     1,
		RetryBackoff:   DefaultRetryBackoff,
		ResetCommand:   DefaultResetCommand,
		QueueWarnAfter: 5 * time.Second,
	}
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store    history.Store
	Executor *toolexecutor.Executor
	Gateway  ModelGateway
	// Queue serializes messages per user. A private queue is created when nil.
	Queue *commandqueue.CommandQueue
	// Prompts renders the system prompt. Nil sends no system prompt.
	Prompts *PromptSource
}

// Result describes how one message was handled.
type Result struct {
	Reply string
	// Cycles counts tool cycles that executed.
	Cycles int
	Capped bool
	Reset  bool
}

// Orchestrator drives the reasoning loop for inbound messages.
type Orchestrator struct {
	store    history.Store
	executor *toolexecutor.Executor
	gateway  ModelGateway
	queue    *commandqueue.CommandQueue
	prompts  *PromptSource
	cfg      Config
	now      func() time.Time
	logger   zerolog.Logger
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("history store is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("tool executor is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("model gateway is required")
	}
	if deps.Queue == nil {
		deps.Queue = commandqueue.New()
	}

	if cfg.MaxCycles <= 0 {
		cfg.MaxCycles = DefaultMaxCycles
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}

	observability.EnsureRegistered()

	return &Orchestrator{
		store:    deps.Store,
		executor: deps.Executor,
		gateway:  deps.Gateway,
		queue:    deps.Queue,
		prompts:  deps.Prompts,
		cfg:      cfg,
		now:      time.Now,
		logger:   log.With().Str("component", "agent").Logger(),
	}, nil
}

// HandleMessage processes one inbound message and returns the reply text.
func (o *Orchestrator) HandleMessage(ctx context.Context, userID, text string) (string, error) {
	res, err := o.Run(ctx, userID, text)
	return res.Reply, err
}

// Run processes one inbound message. Messages of the same user run one at a
// time in arrival order; different users run concurrently.
func (o *Orchestrator) Run(ctx context.Context, userID, text string) (Result, error) {
	if err := history.ValidateUserID(userID); err != nil {
		return Result{}, err
	}

	ctx = tracing.NewRunContext(ctx, userID)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "agent.handle_message",
		attribute.String("provider", o.gateway.Provider()),
	)
	defer span.End()

	start := time.Now()
	value, err := o.queue.Enqueue(ctx, commandqueue.UserLane(userID), func(taskCtx context.Context) (interface{}, error) {
		return o.process(taskCtx, userID, text)
	}, &commandqueue.TaskOptions{WarnAfter: o.cfg.QueueWarnAfter})

	res, _ := value.(Result)
	observability.RecordMessage(outcome(res, err), time.Since(start), res.Cycles)
	span.SetAttributes(
		attribute.Int("agent.cycles", res.Cycles),
		attribute.Bool("agent.capped", res.Capped),
	)
	tracing.FailSpan(span, err)
	return res, err
}

// Reset clears the history of userID, ordered with the user's messages.
func (o *Orchestrator) Reset(ctx context.Context, userID string) error {
	if err := history.ValidateUserID(userID); err != nil {
		return err
	}
	ctx = tracing.NewRunContext(ctx, userID)
	_, err := o.queue.Enqueue(ctx, commandqueue.UserLane(userID), func(taskCtx context.Context) (interface{}, error) {
		return nil, o.clear(taskCtx, userID)
	}, nil)
	return err
}

func outcome(res Result, err error) string {
	var gwErr *ModelGatewayError
	switch {
	case errors.As(err, &gwErr):
		return "model_error"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case err != nil:
		return "error"
	case res.Reset:
		return "reset"
	case res.Capped:
		return "capped"
	}
	return "replied"
}

func (o *Orchestrator) clear(ctx context.Context, userID string) error {
	if err := o.store.Clear(ctx, userID); err != nil {
		return err
	}
	observability.RecordHistoryAudit(ctx, "history_clear", userID)
	return nil
}

// process is the reasoning loop. It runs inside the user's lane.
func (o *Orchestrator) process(ctx context.Context, userID, text string) (Result, error) {
	logger := tracing.LoggerFromContext(ctx, o.logger)

	if o.cfg.ResetCommand != "" && strings.TrimSpace(text) == o.cfg.ResetCommand {
		if err := o.clear(ctx, userID); err != nil {
			return Result{}, err
		}
		logger.Info().Msg("History reset by user")
		return Result{Reply: ResetReply, Reset: true}, nil
	}

	userTurn, err := o.store.Append(ctx, userID, history.NewTextTurn(history.RoleUser, text))
	if err != nil {
		return Result{}, fmt.Errorf("failed to record user message: %w", err)
	}

	prior := o.loadContext(ctx, userID, userTurn)
	systemPrompt := o.systemPrompt(ctx, userID)
	tools := o.executor.Registry().Declarations()

	input := userTurn
	iteration := 0
	for {
		if err := ctx.Err(); err != nil {
			logger.Warn().Int("cycles", iteration).Msg("Deadline reached, no further cycles")
			return Result{Cycles: iteration}, err
		}

		resp, err := o.converse(ctx, ConverseRequest{
			SystemPrompt: systemPrompt,
			History:      prior,
			Tools:        tools,
			Input:        input,
		})
		if err != nil {
			return Result{Cycles: iteration}, err
		}
		assignCallIDs(resp)

		modelTurn := history.Turn{Role: history.RoleModel, Parts: resp.Parts}
		if len(modelTurn.Parts) > 0 {
			modelTurn = o.appendBestEffort(ctx, userID, modelTurn)
		}

		calls := resp.ToolCalls()
		if len(calls) == 0 {
			return Result{Reply: replyText(resp, iteration), Cycles: iteration}, nil
		}

		iteration++
		if iteration > o.cfg.MaxCycles {
			logger.Warn().
				Int("max_cycles", o.cfg.MaxCycles).
				Msg("Tool cycle limit reached")
			return Result{Reply: FallbackCapped, Cycles: o.cfg.MaxCycles, Capped: true}, nil
		}

		results := o.executor.ExecuteAll(ctx, invocations(calls))
		toolTurn := o.appendBestEffort(ctx, userID, toolResultTurn(results))

		prior = append(prior, input, modelTurn)
		input = toolTurn
	}
}

// loadContext returns the stored window without the just-appended user turn,
// which is sent separately as the input.
func (o *Orchestrator) loadContext(ctx context.Context, userID string, userTurn history.Turn) []history.Turn {
	window, err := o.store.LoadRecent(ctx, userID, o.cfg.UserTurnLimit, o.cfg.FetchCap)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, o.logger)
		logger.Error().Err(err).Msg("Failed to load history, continuing without context")
		return nil
	}

	prior := make([]history.Turn, 0, len(window))
	for _, turn := range window {
		if turn.Seq == userTurn.Seq {
			continue
		}
		prior = append(prior, turn)
	}
	return prior
}

func (o *Orchestrator) systemPrompt(ctx context.Context, userID string) string {
	if o.prompts == nil {
		return ""
	}
	prompt, err := o.prompts.Render(userID, o.now())
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, o.logger)
		logger.Error().Err(err).Msg("Sending request without system prompt")
		return ""
	}
	return prompt
}

// appendBestEffort persists turn even past the caller's deadline. A failure
// is logged and the in-memory turn is returned so the loop can continue.
func (o *Orchestrator) appendBestEffort(ctx context.Context, userID string, turn history.Turn) history.Turn {
	stored, err := o.store.Append(tracing.Detach(ctx), userID, turn)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, o.logger)
		logger.Error().
			Err(err).
			Str("role", string(turn.Role)).
			Msg("Failed to persist turn, continuing in memory")
		return turn
	}
	return stored
}

// converse calls the gateway, retrying retryable failures with exponential
// backoff up to MaxRetries extra attempts.
func (o *Orchestrator) converse(ctx context.Context, req ConverseRequest) (*ModelResponse, error) {
	provider := o.gateway.Provider()
	logger := tracing.LoggerFromContext(ctx, o.logger)

	for attempt := 0; ; attempt++ {
		callCtx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "agent.model_call",
			attribute.String("provider", provider),
			attribute.Int("attempt", attempt+1),
		)
		start := time.Now()
		resp, err := o.gateway.Converse(callCtx, req)
		observability.RecordModelCall(provider, time.Since(start), err == nil)
		tracing.FailSpan(span, err)
		span.End()

		if err == nil {
			if resp == nil {
				resp = &ModelResponse{}
			}
			return resp, nil
		}

		var gwErr *ModelGatewayError
		if !errors.As(err, &gwErr) {
			err = newGatewayError(provider, 0, err)
		}

		if attempt >= o.cfg.MaxRetries || !IsRetryableError(err) || ctx.Err() != nil {
			logger.Error().Err(err).Int("attempts", attempt+1).Msg("Model call failed")
			return nil, err
		}

		delay := o.cfg.RetryBackoff * time.Duration(1<<attempt)
		logger.Info().
			Err(err).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying model call after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// assignCallIDs gives every tool call an id so results can be paired with it.
func assignCallIDs(resp *ModelResponse) {
	for _, p := range resp.Parts {
		if p.Call != nil && p.Call.ID == "" {
			p.Call.ID = "call_" + uuid.NewString()
		}
	}
}

func invocations(calls []history.ToolCall) []toolexecutor.Invocation {
	invs := make([]toolexecutor.Invocation, 0, len(calls))
	for _, c := range calls {
		invs = append(invs, toolexecutor.Invocation{ID: c.ID, Name: c.Name, Args: c.Args})
	}
	return invs
}

func toolResultTurn(results []toolexecutor.Result) history.Turn {
	parts := make([]history.Part, 0, len(results))
	for _, r := range results {
		parts = append(parts, history.Part{Result: &history.ToolResult{
			ID:      r.ID,
			Name:    r.Name,
			Output:  r.Output,
			Error:   r.Error,
			Skipped: r.Skipped,
		}})
	}
	return history.Turn{Role: history.RoleTool, Parts: parts}
}

// replyText joins the terminal response's text parts. cycles tells a silent
// answer after tool work apart from an empty answer.
func replyText(resp *ModelResponse, cycles int) string {
	if texts := resp.TextParts(); len(texts) > 0 {
		return strings.Join(texts, "\n")
	}
	if cycles > 0 {
		return FallbackToolsOnly
	}
	return FallbackEmpty
}
