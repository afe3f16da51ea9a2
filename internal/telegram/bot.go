package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/shiftdesk/internal/config"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// ChannelName labels Telegram traffic in traces and metrics.
const ChannelName = "telegram"

const (
	defaultProcessTimeout = 60 * time.Second
	maxMessageRunes       = 4096
)

// botAPI is the subset of *tgbotapi.BotAPI the bot uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// MessageHandler produces the reply to one user message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, userID, text string) (string, error)
}

// Bot represents a Telegram bot instance
type Bot struct {
	api      botAPI
	username string
	config   *config.TelegramConfig
	logger   zerolog.Logger
	timeout  time.Duration
	reset    string

	handler  *Handler
	commands *Commands

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      conc.WaitGroup
	done    chan struct{}
}

// New authenticates with Telegram and creates a bot that forwards messages
// to messages.
func New(cfg *config.TelegramConfig, messages MessageHandler, logger zerolog.Logger) (*Bot, error) {
	if cfg == nil {
		return nil, fmt.Errorf("telegram config is required")
	}
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot, err := newBot(api, api.Self.UserName, cfg, messages, logger)
	if err != nil {
		return nil, err
	}
	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")
	return bot, nil
}

func newBot(api botAPI, username string, cfg *config.TelegramConfig, messages MessageHandler, logger zerolog.Logger) (*Bot, error) {
	if messages == nil {
		return nil, errors.New("message handler is required")
	}
	b := &Bot{
		api:      api,
		username: username,
		config:   cfg,
		logger:   logger.With().Str("component", "telegram").Logger(),
		timeout:  defaultProcessTimeout,
		reset:    "/reset",
	}
	b.handler = NewHandler(b, messages)
	b.commands = NewCommands(b, messages)
	return b, nil
}

// SetTimeout bounds the processing of one message.
func (b *Bot) SetTimeout(d time.Duration) {
	if d > 0 {
		b.timeout = d
	}
}

// SetResetCommand sets the text the agent treats as a history reset.
func (b *Bot) SetResetCommand(cmd string) {
	if cmd != "" {
		b.reset = cmd
	}
}

// Start begins long polling for updates.
func (b *Bot) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running.Load() {
		return fmt.Errorf("bot is already running")
	}

	b.logger.Info().Msg("Starting Telegram bot")

	if err := b.commands.Publish(); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to publish bot commands")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running.Store(true)

	go b.processUpdates(ctx, updates, b.done)

	b.logger.Info().Msg("Telegram bot started")
	return nil
}

// Stop stops polling and waits for in-flight messages.
func (b *Bot) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running.Load() {
		return fmt.Errorf("bot is not running")
	}

	b.logger.Info().Msg("Stopping Telegram bot")

	b.running.Store(false)
	b.api.StopReceivingUpdates()
	b.cancel()
	<-b.done
	if r := b.wg.WaitAndRecover(); r != nil {
		b.logger.Error().Interface("panic", r.Value).Str("stack", string(r.Stack)).Msg("Telegram update processing panicked")
	}

	b.logger.Info().Msg("Telegram bot stopped")
	return nil
}

// IsRunning returns whether the bot is polling
func (b *Bot) IsRunning() bool {
	return b.running.Load()
}

func (b *Bot) processUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			// Each update runs on its own goroutine; the command queue
			// serializes work per user.
			b.wg.Go(func() {
				if err := b.handleUpdate(ctx, update); err != nil {
					b.logger.Error().
						Err(err).
						Int("update_id", update.UpdateID).
						Msg("Failed to handle update")
				}
			})
		}
	}
}

// handleUpdate routes an update to the appropriate handler
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) error {
	if update.Message == nil {
		return nil
	}
	if update.Message.IsCommand() {
		return b.commands.HandleCommand(ctx, update)
	}
	return b.handler.HandleMessage(ctx, update)
}

func (b *Bot) allowed(userID int64) bool {
	if b.config == nil || len(b.config.Allowlist) == 0 {
		return true
	}
	for _, id := range b.config.Allowlist {
		if id == userID {
			return true
		}
	}
	return false
}

// SendMessageWithReply sends text as a reply, split to Telegram's size limit.
func (b *Bot) SendMessageWithReply(chatID int64, text string, replyToMessageID int) error {
	for i, chunk := range splitText(text, maxMessageRunes) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if i == 0 {
			msg.ReplyToMessageID = replyToMessageID
		}
		if _, err := b.api.Send(msg); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
	}

	b.logger.Debug().
		Int64("chat_id", chatID).
		Int("reply_to", replyToMessageID).
		Msg("Reply sent")
	return nil
}

func splitText(text string, limit int) []string {
	if text == "" {
		return []string{" "}
	}
	var chunks []string
	start, count := 0, 0
	for i := range text {
		if count == limit {
			chunks = append(chunks, text[start:i])
			start, count = i, 0
		}
		count++
	}
	return append(chunks, text[start:])
}
