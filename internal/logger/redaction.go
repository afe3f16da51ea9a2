package logger

import (
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
)

const redactedText = "[REDACTED]"

// Redactor masks credentials in log output: known key formats by pattern,
// configured secrets by exact value.
type Redactor struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
	literals []string
}

// NewRedactor creates a new redactor with default patterns
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Model API keys (Anthropic/OpenAI, Google)
			regexp.MustCompile(`sk-(?:ant-)?[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`AIza[0-9A-Za-z_-]{30,}`),

			// Bearer tokens, including LINE channel access tokens in headers
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._+/=-]+`),

			// Telegram bot tokens
			regexp.MustCompile(`\d{8,10}:[a-zA-Z0-9_-]{30,}`),

			// key=value style secrets
			regexp.MustCompile(`(?i)(channel_secret|access_token|api_key|password)["\s:=]+[^\s",}]+`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.patterns = append(r.patterns, re)
	r.mu.Unlock()
	return nil
}

// AddSecret masks every occurrence of value. Values shorter than 6
// characters are ignored to keep ordinary words readable.
func (r *Redactor) AddSecret(value string) {
	if len(value) < 6 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.literals = append(r.literals, value)
	// Longest first so overlapping secrets are fully masked.
	sort.Slice(r.literals, func(i, j int) bool { return len(r.literals[i]) > len(r.literals[j]) })
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := s
	for _, literal := range r.literals {
		result = strings.ReplaceAll(result, literal, redactedText)
	}
	for _, pattern := range r.patterns {
		result = pattern.ReplaceAllString(result, redactedText)
	}
	return result
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so zerolog does not treat the shorter
// redacted line as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
