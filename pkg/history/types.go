package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
	RoleTool  Role = "tool"
)

// Window defaults used when callers pass non-positive limits.
const (
	DefaultUserTurnLimit = 5
	DefaultFetchCap      = 50
)

var (
	// ErrPersistence wraps any failure to read or write durable history.
	ErrPersistence = errors.New("history persistence failed")
	// ErrInvalidUserID is returned for empty or path-unsafe user ids.
	ErrInvalidUserID = errors.New("invalid user id")
	// ErrInvalidTurn is returned for turns with an unknown role or no parts.
	ErrInvalidTurn = errors.New("invalid turn")
)

// ToolCall is a model request to run one named tool.
type ToolCall struct {
	ID   string                 `json:"id,omitempty"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// ToolResult is the outcome of one ToolCall. Exactly one of Output or Error
// is meaningful.
type ToolResult struct {
	ID      string      `json:"id,omitempty"`
	Name    string      `json:"name"`
	Output  interface{} `json:"output,omitempty"`
	Error   string      `json:"error,omitempty"`
	Skipped bool        `json:"skipped,omitempty"`
}

// Part holds one piece of turn content: text, a tool call, or a tool result.
type Part struct {
	Text   string      `json:"text,omitempty"`
	Call   *ToolCall   `json:"call,omitempty"`
	Result *ToolResult `json:"result,omitempty"`
}

// Turn is one persisted conversation record.
type Turn struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the durable per-user turn log.
type Store interface {
	// Append persists turn and returns it with ID, Seq and Timestamp filled in.
	Append(ctx context.Context, userID string, turn Turn) (Turn, error)
	// LoadRecent returns the most recent window ascending by Seq.
	LoadRecent(ctx context.Context, userID string, userTurnLimit, fetchCap int) ([]Turn, error)
	// Clear removes all turns of userID. Clearing an unknown user is not an error.
	Clear(ctx context.Context, userID string) error
	Close() error
}

// NewTextTurn builds a turn with a single text part.
func NewTextTurn(role Role, text string) Turn {
	return Turn{Role: role, Parts: []Part{{Text: text}}}
}

// Text returns the non-empty text parts joined by newlines.
func (t Turn) Text() string {
	texts := make([]string, 0, len(t.Parts))
	for _, p := range t.Parts {
		if s := strings.TrimSpace(p.Text); s != "" {
			texts = append(texts, s)
		}
	}
	return strings.Join(texts, "\n")
}

// Calls returns the tool calls carried by the turn in order.
func (t Turn) Calls() []ToolCall {
	var calls []ToolCall
	for _, p := range t.Parts {
		if p.Call != nil {
			calls = append(calls, *p.Call)
		}
	}
	return calls
}

// Results returns the tool results carried by the turn in order.
func (t Turn) Results() []ToolResult {
	var results []ToolResult
	for _, p := range t.Parts {
		if p.Result != nil {
			results = append(results, *p.Result)
		}
	}
	return results
}

// ValidateUserID rejects ids that are empty or unsafe as file names.
func ValidateUserID(userID string) error {
	switch {
	case strings.TrimSpace(userID) == "":
		return fmt.Errorf("%w: cannot be empty", ErrInvalidUserID)
	case strings.Contains(userID, ".."):
		return fmt.Errorf("%w: cannot contain '..'", ErrInvalidUserID)
	case strings.ContainsAny(userID, "/\\"):
		return fmt.Errorf("%w: cannot contain path separators", ErrInvalidUserID)
	case strings.Contains(userID, "\x00"):
		return fmt.Errorf("%w: cannot contain null bytes", ErrInvalidUserID)
	}
	return nil
}

func validateTurn(turn Turn) error {
	switch turn.Role {
	case RoleUser, RoleModel, RoleTool:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidTurn, turn.Role)
	}
	if len(turn.Parts) == 0 {
		return fmt.Errorf("%w: no parts", ErrInvalidTurn)
	}
	return nil
}

// prepare fills the store-owned fields of a turn about to be appended.
func prepare(turn Turn, seq int64) (Turn, error) {
	id, err := gonanoid.New()
	if err != nil {
		return Turn{}, fmt.Errorf("%w: generate turn id: %v", ErrPersistence, err)
	}
	turn.ID = id
	turn.Seq = seq
	turn.Timestamp = time.Now().UTC()
	return turn, nil
}

func normalizeLimits(userTurnLimit, fetchCap int) (int, int) {
	if userTurnLimit <= 0 {
		userTurnLimit = DefaultUserTurnLimit
	}
	if fetchCap <= 0 {
		fetchCap = DefaultFetchCap
	}
	return userTurnLimit, fetchCap
}
