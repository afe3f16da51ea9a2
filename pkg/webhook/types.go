package webhook

import (
	"context"
	"time"
)

// Signature schemes understood by the server.
const (
	// SchemeHexSHA256 expects "sha256=<hex>" (GitHub style).
	SchemeHexSHA256 = "sha256"
	// SchemeBase64SHA256 expects the bare base64 digest (LINE style).
	SchemeBase64SHA256 = "base64-sha256"
)

// Route defines a webhook endpoint
type Route struct {
	Path            string        // URL path (e.g., "/webhook/line")
	Method          string        // HTTP method (POST, GET, PUT, DELETE)
	Handler         Handler       // Processing function
	Secret          string        // Signature verification secret, empty disables verification
	SignatureHeader string        // Header carrying the signature (e.g., "X-Line-Signature")
	SignatureScheme string        // SchemeHexSHA256 or SchemeBase64SHA256
	Timeout         time.Duration // Handler timeout (default: ServerOptions.DefaultTimeout)
	Description     string
}

// Handler processes a verified webhook request. A returned error is
// answered with 500; business failures should be expressed in Response.
type Handler func(ctx context.Context, req Request) (Response, error)

// Request is the verified inbound request.
type Request struct {
	Body     []byte            // Raw body, exactly as signed
	Headers  map[string]string // First value of each header
	Query    map[string]string // First value of each query parameter
	RemoteIP string
}

// Response defines the webhook response
type Response struct {
	Status  int               // HTTP status code (default: 200)
	Body    interface{}       // Response body (will be JSON serialized)
	Headers map[string]string // Custom response headers
}

// RouteInfo describes a registered route without its secret.
type RouteInfo struct {
	Path            string `json:"path"`
	Method          string `json:"method"`
	Signed          bool   `json:"signed"`
	SignatureHeader string `json:"signatureHeader,omitempty"`
	Timeout         int64  `json:"timeout,omitempty"` // milliseconds
	Description     string `json:"description,omitempty"`
}

// RouteMetrics tracks route performance metrics
type RouteMetrics struct {
	Path                string  `json:"path"`
	Method              string  `json:"method"`
	TotalRequests       int64   `json:"totalRequests"`
	SuccessCount        int64   `json:"successCount"`
	FailureCount        int64   `json:"failureCount"`
	AverageResponseTime float64 `json:"averageResponseTime"` // milliseconds
	LastRequestAt       int64   `json:"lastRequestAt,omitempty"`
}

// RateLimitState tracks rate limiting per IP
type RateLimitState struct {
	Requests []int64 // Timestamps of requests
}

// ServerOptions configures the webhook server
type ServerOptions struct {
	Port               int           // Server port (default: 8080)
	Host               string        // Server host (default: "0.0.0.0")
	RateLimitPerMinute int           // Requests per minute per IP (default: 120)
	DefaultTimeout     time.Duration // Default handler timeout (default: 10s)
	ShutdownTimeout    time.Duration // Wait for in-flight requests (default: 30s)
	MaxBodyBytes       int64         // Request body limit (default: 1 MiB)
}
