package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/harun/shiftdesk/pkg/history"
	"github.com/harun/shiftdesk/pkg/toolexecutor"
)

// ModelGateway is the boundary to a language-model backend.
type ModelGateway interface {
	// Converse sends the conversation so far plus the new input and returns
	// the model's raw response. Backend failures are *ModelGatewayError.
	Converse(ctx context.Context, req ConverseRequest) (*ModelResponse, error)

	// Provider returns the backend name
	Provider() string
}

// ConverseRequest is one model call.
type ConverseRequest struct {
	SystemPrompt string
	History      []history.Turn
	Tools        []toolexecutor.Declaration
	// Input is the user turn on the first cycle and the tool turn afterwards.
	Input history.Turn
}

// ModelResponse is the raw model output. Parts is persisted verbatim.
type ModelResponse struct {
	Parts []history.Part
}

// TextParts returns the non-empty text parts in order.
func (r *ModelResponse) TextParts() []string {
	if r == nil {
		return nil
	}
	texts := make([]string, 0, len(r.Parts))
	for _, p := range r.Parts {
		if s := strings.TrimSpace(p.Text); s != "" {
			texts = append(texts, s)
		}
	}
	return texts
}

// ToolCalls returns the tool invocation requests in order.
func (r *ModelResponse) ToolCalls() []history.ToolCall {
	if r == nil {
		return nil
	}
	var calls []history.ToolCall
	for _, p := range r.Parts {
		if p.Call != nil {
			calls = append(calls, *p.Call)
		}
	}
	return calls
}

// ModelGatewayError reports that the backend was unreachable or returned an
// unusable response.
type ModelGatewayError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ModelGatewayError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s model call failed (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s model call failed: %v", e.Provider, e.Err)
}

func (e *ModelGatewayError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient (rate limit, server
// error, network timeout).
func (e *ModelGatewayError) Retryable() bool {
	switch {
	case e.StatusCode == 429, e.StatusCode >= 500:
		return true
	case e.StatusCode > 0:
		return false
	}
	return IsRetryableError(e.Err)
}

func newGatewayError(provider string, statusCode int, err error) *ModelGatewayError {
	return &ModelGatewayError{Provider: provider, StatusCode: statusCode, Err: err}
}

// IsRetryableError checks if an error is transient. HTTP failures are
// judged by their status code only; text matching is limited to connection
// level errors that carry no status.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var gwErr *ModelGatewayError
	if errors.As(err, &gwErr) && gwErr.StatusCode > 0 {
		return gwErr.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"econnreset", "etimedout", "connection reset", "connection refused"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// conversation returns History followed by Input with unpaired tool traffic
// removed. Backends reject a tool call without a result and a result without
// its call; a capped cycle leaves such a call in stored history.
func conversation(req ConverseRequest) []history.Turn {
	turns := make([]history.Turn, 0, len(req.History)+1)
	turns = append(turns, req.History...)
	if len(req.Input.Parts) > 0 {
		turns = append(turns, req.Input)
	}
	return sanitizeHistory(turns)
}

func sanitizeHistory(turns []history.Turn) []history.Turn {
	out := make([]history.Turn, 0, len(turns))
	for i, turn := range turns {
		switch turn.Role {
		case history.RoleModel:
			if len(turn.Calls()) > 0 && (i+1 >= len(turns) || turns[i+1].Role != history.RoleTool) {
				turn = withoutCalls(turn)
				if len(turn.Parts) == 0 {
					continue
				}
			}
		case history.RoleTool:
			if len(out) == 0 || out[len(out)-1].Role != history.RoleModel || len(out[len(out)-1].Calls()) == 0 {
				continue
			}
		}
		out = append(out, turn)
	}
	return out
}

func withoutCalls(turn history.Turn) history.Turn {
	parts := make([]history.Part, 0, len(turn.Parts))
	for _, p := range turn.Parts {
		if p.Call == nil && strings.TrimSpace(p.Text) != "" {
			parts = append(parts, p)
		}
	}
	turn.Parts = parts
	return turn
}

// resultContent renders a tool result as the text a backend receives.
func resultContent(r history.ToolResult) (string, bool) {
	if r.Error != "" {
		return "error: " + r.Error, true
	}
	switch v := r.Output.(type) {
	case nil:
		return "", false
	case string:
		return v, false
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v), false
		}
		return string(data), false
	}
}

// resultObject renders a tool result as a JSON object for backends that
// take structured function responses.
func resultObject(r history.ToolResult) map[string]interface{} {
	if r.Error != "" {
		return map[string]interface{}{"error": r.Error}
	}
	if m, ok := r.Output.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{"result": r.Output}
}

// parseArgs decodes a JSON argument object. Empty input yields an empty map.
func parseArgs(raw string) (map[string]interface{}, error) {
	args := map[string]interface{}{}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
	}
	return args, nil
}

func requiredParams(decl toolexecutor.Declaration) []string {
	var required []string
	for _, p := range decl.Parameters {
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return required
}
