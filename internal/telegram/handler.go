package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/shiftdesk/internal/observability"
	"github.com/harun/shiftdesk/internal/tracing"
	"github.com/rs/zerolog"
)

const (
	ErrorReply      = "A system error occurred. Please wait a moment and try again."
	NotAllowedReply = "Sorry, this bot is not available to you."
	userIDPrefix    = "tg:"
)

// Handler forwards text messages to the agent and replies with its answer.
type Handler struct {
	bot      *Bot
	messages MessageHandler
	logger   zerolog.Logger
}

// MessageContext contains message metadata
type MessageContext struct {
	ChatID    int64
	MessageID int
	UserID    int64
	Username  string
	Text      string
	Timestamp time.Time
	IsGroup   bool
	IsMention bool
}

// AgentUserID is the conversation key for a Telegram user.
func AgentUserID(telegramID int64) string {
	return fmt.Sprintf("%s%d", userIDPrefix, telegramID)
}

// NewHandler creates a new message handler
func NewHandler(bot *Bot, messages MessageHandler) *Handler {
	return &Handler{
		bot:      bot,
		messages: messages,
		logger:   bot.logger.With().Str("module", "handler").Logger(),
	}
}

// HandleMessage processes one non-command message.
func (h *Handler) HandleMessage(ctx context.Context, update tgbotapi.Update) error {
	msgCtx, ok := h.parse(update)
	if !ok {
		return nil
	}
	observability.RecordChannelEvent(ChannelName, "message")

	// In groups the bot only answers when addressed.
	if msgCtx.IsGroup && !msgCtx.IsMention {
		return nil
	}
	if !h.bot.allowed(msgCtx.UserID) {
		h.logger.Warn().Int64("user_id", msgCtx.UserID).Msg("Message from user outside allowlist")
		return h.bot.SendMessageWithReply(msgCtx.ChatID, NotAllowedReply, msgCtx.MessageID)
	}

	return h.forward(ctx, msgCtx, msgCtx.Text)
}

// forward runs text through the agent on behalf of the sender and replies.
func (h *Handler) forward(ctx context.Context, msgCtx MessageContext, text string) error {
	userID := AgentUserID(msgCtx.UserID)
	ctx = tracing.WithUserID(tracing.NewRequestContext(ctx, ChannelName), userID)
	logger := tracing.LoggerFromContext(ctx, h.logger).With().Int64("chat_id", msgCtx.ChatID).Logger()

	logger.Debug().
		Str("username", msgCtx.Username).
		Bool("is_group", msgCtx.IsGroup).
		Msg("Message received")

	runCtx, cancel := context.WithTimeout(tracing.Detach(ctx), h.bot.timeout)
	defer cancel()

	reply, err := h.messages.HandleMessage(runCtx, userID, text)
	if err != nil {
		logger.Error().Err(err).Msg("Message processing failed")
		reply = ErrorReply
	}
	return h.SendResponse(msgCtx, reply)
}

func (h *Handler) parse(update tgbotapi.Update) (MessageContext, bool) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return MessageContext{}, false
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		h.logger.Debug().Int("message_id", msg.MessageID).Msg("Non-text message ignored")
		return MessageContext{}, false
	}

	msgCtx := MessageContext{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		UserID:    msg.From.ID,
		Username:  msg.From.UserName,
		Text:      text,
		Timestamp: time.Unix(int64(msg.Date), 0),
		IsGroup:   msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
	}
	if msgCtx.IsGroup {
		msgCtx.IsMention = h.isMentioned(msg)
		if msgCtx.IsMention {
			msgCtx.Text = strings.TrimSpace(strings.ReplaceAll(text, "@"+h.bot.username, ""))
		}
	}
	return msgCtx, true
}

// isMentioned checks if the bot is mentioned in a message
func (h *Handler) isMentioned(msg *tgbotapi.Message) bool {
	if h.bot.username == "" {
		return false
	}
	for _, entity := range msg.Entities {
		if entity.Type != "mention" {
			continue
		}
		// Entity offsets count UTF-16 units; compare on the decoded text.
		units := utf16.Encode([]rune(msg.Text))
		end := entity.Offset + entity.Length
		if entity.Offset < 0 || end > len(units) {
			continue
		}
		if string(utf16.Decode(units[entity.Offset:end])) == "@"+h.bot.username {
			return true
		}
	}
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil {
		return msg.ReplyToMessage.From.UserName == h.bot.username
	}
	return false
}

// SendResponse sends a response to a message
func (h *Handler) SendResponse(msgCtx MessageContext, text string) error {
	return h.bot.SendMessageWithReply(msgCtx.ChatID, text, msgCtx.MessageID)
}
