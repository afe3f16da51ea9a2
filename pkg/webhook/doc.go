// Package webhook hosts inbound HTTP routes whose bodies are authenticated
// with an HMAC-SHA256 signature header, together with /health and any extra
// operational handlers. Routes are rate limited per client IP and tracked
// per route.
package webhook
