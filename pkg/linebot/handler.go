package linebot

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/harun/shiftdesk/internal/observability"
	"github.com/harun/shiftdesk/internal/tracing"
	"github.com/harun/shiftdesk/pkg/commandqueue"
	"github.com/harun/shiftdesk/pkg/shifttools"
	"github.com/harun/shiftdesk/pkg/webhook"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

const (
	// ChannelName labels LINE traffic in traces and metrics.
	ChannelName = "line"

	// SignatureHeader carries the base64 HMAC-SHA256 of the body.
	SignatureHeader = "X-Line-Signature"

	// DefaultPath is where the webhook route is mounted.
	DefaultPath = "/webhook/line"

	WelcomeMessage = "Welcome to the shift desk! Ask me anything about your shifts.\n\n" +
		"For example: \"Who is working today?\" or \"Add me tomorrow from 10:00 to 18:00.\""
	ErrorReply         = "A system error occurred. Please wait a moment and try again."
	UnknownMemberReply = "We could not find your member profile. Please contact an administrator."

	defaultProcessTimeout = 60 * time.Second
)

// MessageHandler produces the reply to one user message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, userID, text string) (string, error)
}

// Replier answers an event through its reply token.
type Replier interface {
	Reply(ctx context.Context, replyToken, text string) error
}

// Directory looks up registered members. Optional.
type Directory interface {
	Member(ctx context.Context, userID string) (shifttools.Member, bool, error)
}

// HandlerOptions configures the webhook handler.
type HandlerOptions struct {
	ChannelSecret string
	Path          string
	Messages      MessageHandler
	Replier       Replier
	Directory     Directory
	// Dedup drops redelivered events by webhookEventId. Optional.
	Dedup *commandqueue.DedupCache
	// Timeout bounds the processing of one message, model calls included.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Handler receives LINE webhooks. Requests are acknowledged as soon as the
// signature is verified; events are processed in the background.
type Handler struct {
	opts   HandlerOptions
	logger zerolog.Logger
	base   context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// NewHandler creates a LINE webhook handler.
func NewHandler(opts HandlerOptions) (*Handler, error) {
	if opts.ChannelSecret == "" {
		return nil, errors.New("line channel secret is required")
	}
	if opts.Messages == nil {
		return nil, errors.New("message handler is required")
	}
	if opts.Replier == nil {
		return nil, errors.New("replier is required")
	}
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultProcessTimeout
	}

	base, cancel := context.WithCancel(context.Background())
	return &Handler{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "linebot").Logger(),
		base:   base,
		cancel: cancel,
	}, nil
}

// Route returns the signed webhook route for the HTTP server.
func (h *Handler) Route() webhook.Route {
	return webhook.Route{
		Path:            h.opts.Path,
		Method:          http.MethodPost,
		Handler:         h.Handle,
		Secret:          h.opts.ChannelSecret,
		SignatureHeader: SignatureHeader,
		SignatureScheme: webhook.SchemeBase64SHA256,
		Timeout:         5 * time.Second,
		Description:     "LINE Messaging API webhook",
	}
}

// Handle parses a verified request and schedules its events.
func (h *Handler) Handle(ctx context.Context, req webhook.Request) (webhook.Response, error) {
	events, err := ParseEvents(req.Body)
	if err != nil {
		h.logger.Warn().Err(err).Int("bytes", len(req.Body)).Msg("Rejected LINE webhook body")
		return webhook.Response{
			Status: http.StatusBadRequest,
			Body:   map[string]string{"error": err.Error()},
		}, nil
	}

	if h.base.Err() != nil {
		return webhook.Response{
			Status: http.StatusServiceUnavailable,
			Body:   map[string]string{"error": "shutting down"},
		}, nil
	}

	traceID := tracing.GetTraceID(ctx)
	if len(events) > 0 {
		h.wg.Go(func() {
			h.processBatch(traceID, events)
		})
	}

	return webhook.Response{Status: http.StatusOK, Body: map[string]bool{"success": true}}, nil
}

// Close stops accepting events and waits for scheduled ones to finish.
func (h *Handler) Close() {
	h.cancel()
	if r := h.wg.WaitAndRecover(); r != nil {
		h.logger.Error().Interface("panic", r.Value).Str("stack", string(r.Stack)).Msg("LINE event processing panicked")
	}
}

// processBatch handles the events of one request in delivery order.
func (h *Handler) processBatch(traceID string, events []Event) {
	for _, ev := range events {
		ctx := tracing.NewRequestContext(tracing.WithTraceID(tracing.Detach(h.base), traceID), ChannelName)
		h.processEvent(ctx, ev)
	}
}

func (h *Handler) processEvent(ctx context.Context, ev Event) {
	logger := tracing.LoggerFromContext(ctx, h.logger).With().
		Str("event_type", ev.Type).
		Str("event_id", ev.ID).
		Logger()

	if h.opts.Dedup != nil && h.opts.Dedup.Seen(ev.ID) {
		logger.Info().Bool("redelivery", ev.Redelivery).Msg("Dropped duplicate LINE event")
		observability.RecordChannelEvent(ChannelName, "duplicate")
		return
	}
	observability.RecordChannelEvent(ChannelName, ev.Type)

	switch ev.Type {
	case EventMessage:
		h.handleMessage(ctx, logger, ev)
	case EventFollow:
		logger.Info().Str("user_id", ev.UserID).Msg("Follow event received")
		h.reply(ctx, logger, ev.ReplyToken, WelcomeMessage)
	default:
		logger.Debug().Msg("Unhandled LINE event type")
	}
}

func (h *Handler) handleMessage(ctx context.Context, logger zerolog.Logger, ev Event) {
	if !ev.IsText() {
		logger.Debug().Str("message_type", ev.MessageType).Msg("Non-text message ignored")
		return
	}
	if ev.UserID == "" {
		logger.Warn().Str("source_type", ev.SourceType).Msg("Message without user id ignored")
		return
	}

	ctx = tracing.WithUserID(ctx, ev.UserID)
	logger = logger.With().Str("user_id", ev.UserID).Logger()

	if h.opts.Directory != nil {
		_, ok, err := h.opts.Directory.Member(ctx, ev.UserID)
		if err != nil {
			logger.Error().Err(err).Msg("Member lookup failed")
			h.reply(ctx, logger, ev.ReplyToken, ErrorReply)
			return
		}
		if !ok {
			logger.Warn().Msg("Message from unknown member")
			h.reply(ctx, logger, ev.ReplyToken, UnknownMemberReply)
			return
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()

	text, err := h.opts.Messages.HandleMessage(runCtx, ev.UserID, ev.Text)
	if err != nil {
		logger.Error().Err(err).Msg("Message processing failed")
		text = ErrorReply
	}
	h.reply(ctx, logger, ev.ReplyToken, text)
}

func (h *Handler) reply(ctx context.Context, logger zerolog.Logger, token, text string) {
	if token == "" {
		logger.Warn().Msg("Event has no reply token")
		return
	}
	if err := h.opts.Replier.Reply(ctx, token, text); err != nil {
		logger.Error().Err(err).Msg("Failed to send LINE reply")
		return
	}
	logger.Debug().Int("length", len(text)).Msg("LINE reply sent")
}
