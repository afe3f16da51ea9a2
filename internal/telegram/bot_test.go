package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/shiftdesk/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	requests []tgbotapi.Chattable
	updates  chan tgbotapi.Update
	stopOnce sync.Once
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{updates: make(chan tgbotapi.Update, 10)}
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.stopOnce.Do(func() { close(f.updates) })
}

func (f *fakeAPI) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), f.sent...)
}

type mockMessages struct {
	mock.Mock
}

func (m *mockMessages) HandleMessage(ctx context.Context, userID, text string) (string, error) {
	args := m.Called(ctx, userID, text)
	return args.String(0), args.Error(1)
}

func newTestBot(t *testing.T, cfg *config.TelegramConfig, messages MessageHandler) (*Bot, *fakeAPI) {
	t.Helper()
	api := newFakeAPI()
	if cfg == nil {
		cfg = &config.TelegramConfig{Enabled: true, BotToken: "1:test"}
	}
	bot, err := newBot(api, "shiftdesk_bot", cfg, messages, zerolog.Nop())
	require.NoError(t, err)
	return bot, api
}

func privateMessage(userID int64, text string) tgbotapi.Update {
	msg := &tgbotapi.Message{
		MessageID: 7,
		From:      &tgbotapi.User{ID: userID, UserName: "aiko"},
		Chat:      &tgbotapi.Chat{ID: userID, Type: "private"},
		Text:      text,
		Date:      1751328000,
	}
	if strings.HasPrefix(text, "/") {
		length := len(strings.Fields(text)[0])
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: length}}
	}
	return tgbotapi.Update{UpdateID: 1, Message: msg}
}

func TestNew_Validation(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		bot, err := New(nil, &mockMessages{}, zerolog.Nop())
		assert.Error(t, err)
		assert.Nil(t, bot)
		assert.Contains(t, err.Error(), "config is required")
	})

	t.Run("empty bot token", func(t *testing.T) {
		bot, err := New(&config.TelegramConfig{}, &mockMessages{}, zerolog.Nop())
		assert.Error(t, err)
		assert.Nil(t, bot)
		assert.Contains(t, err.Error(), "bot token is required")
	})

	t.Run("missing message handler", func(t *testing.T) {
		bot, err := newBot(newFakeAPI(), "bot", &config.TelegramConfig{}, nil, zerolog.Nop())
		assert.Error(t, err)
		assert.Nil(t, bot)
	})
}

func TestBot_StartStop(t *testing.T) {
	messages := &mockMessages{}
	messages.On("HandleMessage", mock.Anything, "tg:42", "who works today?").
		Return("Aiko works 09:00-17:00.", nil)

	bot, api := newTestBot(t, nil, messages)

	require.NoError(t, bot.Start())
	assert.True(t, bot.IsRunning())
	assert.Error(t, bot.Start())

	api.updates <- privateMessage(42, "who works today?")

	require.Eventually(t, func() bool {
		return len(api.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bot.Stop())
	assert.False(t, bot.IsRunning())
	assert.Error(t, bot.Stop())

	sent := api.messages()
	assert.Equal(t, "Aiko works 09:00-17:00.", sent[0].Text)
	assert.Equal(t, int64(42), sent[0].ChatID)
	assert.Equal(t, 7, sent[0].ReplyToMessageID)

	// The command menu is published on start.
	api.mu.Lock()
	assert.Len(t, api.requests, 1)
	api.mu.Unlock()
	messages.AssertExpectations(t)
}

func TestBot_SendMessageWithReply_Splits(t *testing.T) {
	bot, api := newTestBot(t, nil, &mockMessages{})

	text := strings.Repeat("a", maxMessageRunes) + "tail"
	require.NoError(t, bot.SendMessageWithReply(1, text, 3))

	sent := api.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, 3, sent[0].ReplyToMessageID)
	assert.Equal(t, 0, sent[1].ReplyToMessageID)
	assert.Equal(t, "tail", sent[1].Text)
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{" "}, splitText("", 10))
	assert.Equal(t, []string{"abc"}, splitText("abc", 3))
	assert.Equal(t, []string{"ab", "c"}, splitText("abc", 2))
	assert.Equal(t, []string{"日本", "語"}, splitText("日本語", 2))
}

func TestBot_Allowed(t *testing.T) {
	open, _ := newTestBot(t, nil, &mockMessages{})
	assert.True(t, open.allowed(1))

	restricted, _ := newTestBot(t, &config.TelegramConfig{Allowlist: []int64{5}}, &mockMessages{})
	assert.True(t, restricted.allowed(5))
	assert.False(t, restricted.allowed(6))
}
