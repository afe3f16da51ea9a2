package linebot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	// DefaultAPIBaseURL is the Messaging API endpoint.
	DefaultAPIBaseURL = "https://api.line.me"

	replyPath = "/v2/bot/message/reply"
	pushPath  = "/v2/bot/message/push"

	// Per-message and per-request limits of the Messaging API.
	maxTextRunes       = 5000
	maxMessagesPerSend = 5
)

// ErrNoGroup is returned by Broadcast when no call-out group is configured.
var ErrNoGroup = errors.New("no call-out group configured")

// ClientConfig configures the Messaging API client.
type ClientConfig struct {
	AccessToken string
	BaseURL     string
	// GroupID receives Broadcast messages.
	GroupID string
	Timeout time.Duration
}

// Client sends messages through the LINE Messaging API.
type Client struct {
	http    *resty.Client
	groupID string
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type replyRequest struct {
	ReplyToken string        `json:"replyToken"`
	Messages   []textMessage `json:"messages"`
}

type pushRequest struct {
	To       string        `json:"to"`
	Messages []textMessage `json:"messages"`
}

type apiError struct {
	Message string `json:"message"`
}

// APIError is a non-2xx Messaging API response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("line api error (status %d): %s", e.StatusCode, e.Message)
}

// NewClient creates a Messaging API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, errors.New("line channel access token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAPIBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.AccessToken).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout)

	return &Client{http: httpClient, groupID: cfg.GroupID}, nil
}

// Reply answers an event through its one-shot reply token.
func (c *Client) Reply(ctx context.Context, replyToken, text string) error {
	if replyToken == "" {
		return errors.New("reply token is required")
	}
	return c.post(ctx, replyPath, replyRequest{ReplyToken: replyToken, Messages: textMessages(text)})
}

// Push sends text to a user, group or room.
func (c *Client) Push(ctx context.Context, to, text string) error {
	if to == "" {
		return errors.New("push target is required")
	}
	return c.post(ctx, pushPath, pushRequest{To: to, Messages: textMessages(text)})
}

// Broadcast pushes message to the configured call-out group.
func (c *Client) Broadcast(ctx context.Context, message string) error {
	if c.groupID == "" {
		return ErrNoGroup
	}
	return c.Push(ctx, c.groupID, message)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) error {
	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetError(&apiErr).
		Post(path)
	if err != nil {
		return fmt.Errorf("line request %s failed: %w", path, err)
	}
	if resp.IsError() {
		msg := apiErr.Message
		if msg == "" {
			msg = resp.String()
		}
		return &APIError{StatusCode: resp.StatusCode(), Message: msg}
	}
	return nil
}

// textMessages splits text into API sized messages. Text beyond the last
// allowed message is cut.
func textMessages(text string) []textMessage {
	var msgs []textMessage
	for text != "" && len(msgs) < maxMessagesPerSend {
		cut, n := len(text), 0
		for i := range text {
			if n == maxTextRunes {
				cut = i
				break
			}
			n++
		}
		msgs = append(msgs, textMessage{Type: "text", Text: text[:cut]})
		text = text[cut:]
	}
	if len(msgs) == 0 {
		msgs = append(msgs, textMessage{Type: "text", Text: " "})
	}
	return msgs
}
