package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/shiftdesk/internal/config"
	"github.com/harun/shiftdesk/internal/observability"
	"github.com/harun/shiftdesk/pkg/agent"
	"github.com/harun/shiftdesk/pkg/commandqueue"
	"github.com/harun/shiftdesk/pkg/history"
	"github.com/harun/shiftdesk/pkg/linebot"
	"github.com/harun/shiftdesk/pkg/shifttools"
	"github.com/harun/shiftdesk/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

// newGateway is replaced in tests.
var newGateway = agent.NewGateway

// Runtime is the message-handling core shared by the daemon and the local
// CLI commands: history, shift tools, the model gateway and the orchestrator.
type Runtime struct {
	Config       *config.Config
	History      history.Store
	Shifts       *shifttools.MemoryStore
	Registry     *toolexecutor.Registry
	Queue        *commandqueue.CommandQueue
	Prompts      *agent.PromptSource
	Gateway      agent.ModelGateway
	Orchestrator *agent.Orchestrator
	// LineClient is set when the LINE channel is enabled.
	LineClient *linebot.Client

	logger zerolog.Logger
}

// NewRuntime wires the core components from cfg.
func NewRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	r := &Runtime{
		Config: cfg,
		logger: logger.With().Str("component", "runtime").Logger(),
	}
	if err := r.init(ctx); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Runtime) init(ctx context.Context) error {
	cfg := r.Config
	observability.EnsureRegistered()

	loc, err := cfg.Agent.Location()
	if err != nil {
		return err
	}

	store, err := history.Open(ctx, cfg.History.Backend, cfg.History.Dir, cfg.History.DSN)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	r.History = store
	r.logger.Info().Str("backend", cfg.History.Backend).Msg("History store opened")

	seed := shifttools.Seed{}
	if cfg.Shifts.SeedFile != "" {
		if seed, err = shifttools.LoadSeed(cfg.Shifts.SeedFile); err != nil {
			return err
		}
		r.logger.Info().
			Str("file", cfg.Shifts.SeedFile).
			Int("members", len(seed.Members)).
			Int("days", len(seed.Schedule)).
			Msg("Shift seed loaded")
	}
	r.Shifts = shifttools.NewMemoryStore(seed)

	if cfg.Line.Enabled {
		client, err := linebot.NewClient(linebot.ClientConfig{
			AccessToken: cfg.Line.ChannelAccessToken,
			BaseURL:     cfg.Line.APIBaseURL,
			GroupID:     cfg.Line.CalloutGroupID,
		})
		if err != nil {
			return fmt.Errorf("failed to create LINE client: %w", err)
		}
		r.LineClient = client
	}

	r.Registry = toolexecutor.NewRegistry()
	toolOpts := shifttools.Options{Store: r.Shifts, Location: loc}
	if r.LineClient != nil && cfg.Line.CalloutGroupID != "" {
		toolOpts.Broadcaster = r.LineClient
	}
	if err := shifttools.Register(r.Registry, toolOpts); err != nil {
		return fmt.Errorf("failed to register shift tools: %w", err)
	}
	r.logger.Info().Strs("tools", r.Registry.Names()).Msg("Tools registered")

	r.Gateway, err = newGateway(ctx, agent.GatewayConfig{
		Provider:    cfg.Model.Provider,
		Model:       cfg.Model.Model,
		APIKey:      cfg.Model.APIKey,
		BaseURL:     cfg.Model.BaseURL,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("failed to create model gateway: %w", err)
	}

	r.Prompts, err = agent.NewPromptSource(cfg.Agent.SystemPromptFile, loc)
	if err != nil {
		return fmt.Errorf("failed to load system prompt: %w", err)
	}

	r.Queue = commandqueue.New()

	orchCfg := agent.DefaultConfig()
	orchCfg.MaxCycles = cfg.Agent.MaxCycles
	orchCfg.UserTurnLimit = cfg.Agent.UserTurnLimit
	orchCfg.FetchCap = cfg.Agent.FetchCap
	orchCfg.MaxRetries = cfg.Agent.MaxRetries
	orchCfg.RetryBackoff = cfg.Agent.RetryBackoff()
	orchCfg.ResetCommand = cfg.Agent.ResetCommand

	r.Orchestrator, err = agent.NewOrchestrator(agent.Deps{
		Store:    r.History,
		Executor: toolexecutor.NewExecutor(r.Registry, toolexecutor.Config{}),
		Gateway:  r.Gateway,
		Queue:    r.Queue,
		Prompts:  r.Prompts,
	}, orchCfg)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	r.logger.Info().
		Str("provider", r.Gateway.Provider()).
		Str("model", cfg.Model.Model).
		Int("max_cycles", orchCfg.MaxCycles).
		Msg("Orchestrator initialized")
	return nil
}

// Close releases the runtime's resources.
func (r *Runtime) Close() error {
	var errs []error
	if r.Queue != nil {
		if err := r.Queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("command queue: %w", err))
		}
	}
	if r.Prompts != nil {
		if err := r.Prompts.Close(); err != nil {
			errs = append(errs, fmt.Errorf("prompt source: %w", err))
		}
	}
	if r.History != nil {
		if err := r.History.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history store: %w", err))
		}
	}
	return errors.Join(errs...)
}
