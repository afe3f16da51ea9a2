// Package linebot connects the LINE Messaging API to the agent.
//
// The Handler is mounted on a webhook.Server as a signed route
// (X-Line-Signature, base64 HMAC-SHA256 of the raw body). Verified requests
// are acknowledged with 200 before any event is processed; text messages are
// then answered through the Reply API, follow events get a welcome text and
// other events are ignored. The Client also implements shifttools.Broadcaster
// by pushing to the configured staff group.
package linebot
