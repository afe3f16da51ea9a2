package telegram

import (
	"context"
	"fmt"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/shiftdesk/internal/observability"
	"github.com/rs/zerolog"
)

const (
	WelcomeMessage = "Welcome to the shift desk! Ask me anything about your shifts.\n\n" +
		"For example: \"Who is working today?\" or \"Add me tomorrow from 10:00 to 18:00.\""
	HelpMessage = "Just write what you need in plain language:\n" +
		"- \"Show my shifts this week\"\n" +
		"- \"Remove my shift on 2025-07-01\"\n" +
		"- \"Who can cover Saturday evening?\"\n\n" +
		"/reset clears our conversation."
)

// Commands dispatches slash commands.
type Commands struct {
	bot      *Bot
	messages MessageHandler
	logger   zerolog.Logger
	handlers map[string]command
}

// CommandFunc is a function that handles a command
type CommandFunc func(ctx context.Context, cmd CommandContext) error

type command struct {
	description string
	fn          CommandFunc
}

// CommandContext contains command metadata
type CommandContext struct {
	MessageContext
	Command string
	Args    []string
	RawArgs string
}

// NewCommands creates the command dispatcher with /start, /help and /reset.
func NewCommands(bot *Bot, messages MessageHandler) *Commands {
	c := &Commands{
		bot:      bot,
		messages: messages,
		logger:   bot.logger.With().Str("module", "commands").Logger(),
		handlers: make(map[string]command),
	}
	c.Register("start", "Show the welcome message", c.reply(WelcomeMessage))
	c.Register("help", "Show what the bot can do", c.reply(HelpMessage))
	c.Register("reset", "Clear the conversation history", c.reset)
	return c
}

// HandleCommand processes incoming commands
func (c *Commands) HandleCommand(ctx context.Context, update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || !msg.IsCommand() || msg.From == nil || msg.Chat == nil {
		return nil
	}

	cmd := CommandContext{
		MessageContext: MessageContext{
			ChatID:    msg.Chat.ID,
			MessageID: msg.MessageID,
			UserID:    msg.From.ID,
			Username:  msg.From.UserName,
			Text:      msg.Text,
			IsGroup:   msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
		},
		Command: msg.Command(),
		Args:    strings.Fields(msg.CommandArguments()),
		RawArgs: msg.CommandArguments(),
	}
	observability.RecordChannelEvent(ChannelName, "command")

	c.logger.Debug().
		Int64("chat_id", cmd.ChatID).
		Str("command", cmd.Command).
		Strs("args", cmd.Args).
		Msg("Command received")

	if !c.bot.allowed(cmd.UserID) {
		return c.bot.SendMessageWithReply(cmd.ChatID, NotAllowedReply, cmd.MessageID)
	}

	handler, exists := c.handlers[cmd.Command]
	if !exists {
		return c.sendUnknownCommand(cmd)
	}
	return handler.fn(ctx, cmd)
}

// Register registers a command handler
func (c *Commands) Register(name, description string, fn CommandFunc) {
	c.handlers[name] = command{description: description, fn: fn}
}

// Publish sets the bot's command menu in Telegram.
func (c *Commands) Publish() error {
	names := c.GetRegisteredCommands()
	commands := make([]tgbotapi.BotCommand, 0, len(names))
	for _, name := range names {
		commands = append(commands, tgbotapi.BotCommand{
			Command:     name,
			Description: c.handlers[name].description,
		})
	}

	if _, err := c.bot.api.Request(tgbotapi.NewSetMyCommands(commands...)); err != nil {
		return fmt.Errorf("failed to set commands: %w", err)
	}
	c.logger.Info().Int("count", len(commands)).Msg("Bot commands updated")
	return nil
}

// GetRegisteredCommands returns all registered commands, sorted
func (c *Commands) GetRegisteredCommands() []string {
	names := make([]string, 0, len(c.handlers))
	for name := range c.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Commands) reply(text string) CommandFunc {
	return func(_ context.Context, cmd CommandContext) error {
		return c.bot.SendMessageWithReply(cmd.ChatID, text, cmd.MessageID)
	}
}

// reset hands the orchestrator's own reset command to the agent so history
// clearing goes through the user's lane.
func (c *Commands) reset(ctx context.Context, cmd CommandContext) error {
	return c.bot.handler.forward(ctx, cmd.MessageContext, c.bot.reset)
}

func (c *Commands) sendUnknownCommand(cmd CommandContext) error {
	text := fmt.Sprintf("Unknown command: /%s", cmd.Command)
	return c.bot.SendMessageWithReply(cmd.ChatID, text, cmd.MessageID)
}
