package linebot

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Event types handled by the bot.
const (
	EventMessage  = "message"
	EventFollow   = "follow"
	EventUnfollow = "unfollow"
)

// ErrInvalidPayload is returned for bodies that are not a webhook envelope.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// Event is the subset of a LINE webhook event the bot acts on.
type Event struct {
	ID          string // webhookEventId, stable across redeliveries
	Type        string
	ReplyToken  string
	SourceType  string // user, group or room
	UserID      string
	GroupID     string
	MessageType string // text, image, sticker, ...
	Text        string
	Timestamp   int64 // milliseconds
	Redelivery  bool
}

// IsText reports whether e is a text message event.
func (e Event) IsText() bool {
	return e.Type == EventMessage && e.MessageType == "text"
}

// ParseEvents extracts events from a webhook request body.
func ParseEvents(body []byte) ([]Event, error) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrInvalidPayload)
	}

	root := gjson.ParseBytes(body)
	raw := root.Get("events")
	if !raw.IsArray() {
		return nil, fmt.Errorf("%w: events must be an array", ErrInvalidPayload)
	}

	items := raw.Array()
	events := make([]Event, 0, len(items))
	for _, item := range items {
		events = append(events, Event{
			ID:          item.Get("webhookEventId").String(),
			Type:        item.Get("type").String(),
			ReplyToken:  item.Get("replyToken").String(),
			SourceType:  item.Get("source.type").String(),
			UserID:      item.Get("source.userId").String(),
			GroupID:     item.Get("source.groupId").String(),
			MessageType: item.Get("message.type").String(),
			Text:        item.Get("message.text").String(),
			Timestamp:   item.Get("timestamp").Int(),
			Redelivery:  item.Get("deliveryContext.isRedelivery").Bool(),
		})
	}
	return events, nil
}
