package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/harun/shiftdesk/pkg/history"
	"github.com/harun/shiftdesk/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingServer replies with a fixed status and body and keeps the last
// request body.
type recordingServer struct {
	*httptest.Server
	mu    sync.Mutex
	body  map[string]interface{}
	calls int
}

func newRecordingServer(t *testing.T, status int, reply string) *recordingServer {
	t.Helper()
	rs := &recordingServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		rs.mu.Lock()
		rs.calls++
		rs.body = map[string]interface{}{}
		_ = json.Unmarshal(data, &rs.body)
		rs.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *recordingServer) callCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.calls
}

func (rs *recordingServer) lastBody() map[string]interface{} {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.body
}

func shiftToolRequest() ConverseRequest {
	return ConverseRequest{
		SystemPrompt: "You are the shift manager.",
		History: []history.Turn{
			history.NewTextTurn(history.RoleUser, "who works on 2025-07-01?"),
			{Role: history.RoleModel, Parts: []history.Part{
				{Call: &history.ToolCall{ID: "call_a", Name: "getCurrentDate", Args: map[string]interface{}{}}},
				{Call: &history.ToolCall{ID: "call_b", Name: "getShiftData", Args: map[string]interface{}{"date": "2025-07-01"}}},
			}},
		},
		Tools: []toolexecutor.Declaration{{
			Name:        "getShiftData",
			Description: "Shift data for a date",
			Parameters: []toolexecutor.Parameter{
				{Name: "date", Type: "string", Description: "YYYY-MM-DD", Required: true},
			},
		}},
		Input: history.Turn{Role: history.RoleTool, Parts: []history.Part{
			{Result: &history.ToolResult{ID: "call_a", Name: "getCurrentDate", Output: "2025-06-30"}},
			{Result: &history.ToolResult{ID: "call_b", Name: "getShiftData", Error: "store offline"}},
		}},
	}
}

const anthropicToolUseReply = `{
  "id": "msg_01",
  "type": "message",
  "role": "assistant",
  "model": "claude-test",
  "content": [
    {"type": "text", "text": "Let me check the rules."},
    {"type": "tool_use", "id": "toolu_01", "name": "getRuleData", "input": {}}
  ],
  "stop_reason": "tool_use",
  "stop_sequence": null,
  "usage": {"input_tokens": 10, "output_tokens": 5}
}`

func TestAnthropicGateway_Converse(t *testing.T) {
	srv := newRecordingServer(t, http.StatusOK, anthropicToolUseReply)
	gw := NewAnthropicGateway(GatewayConfig{Model: "claude-test", APIKey: "test", BaseURL: srv.URL})

	resp, err := gw.Converse(context.Background(), shiftToolRequest())
	require.NoError(t, err)

	assert.Equal(t, []string{"Let me check the rules."}, resp.TextParts())
	calls := resp.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "toolu_01", calls[0].ID)
	assert.Equal(t, "getRuleData", calls[0].Name)
	assert.NotNil(t, calls[0].Args)

	body := srv.lastBody()
	system, ok := body["system"].([]interface{})
	require.True(t, ok)
	assert.Equal(t, "You are the shift manager.", system[0].(map[string]interface{})["text"])

	messages := body["messages"].([]interface{})
	require.Len(t, messages, 3)
	last := messages[2].(map[string]interface{})
	assert.Equal(t, "user", last["role"])
	blocks := last["content"].([]interface{})
	require.Len(t, blocks, 2, "one user message carries every result of the batch")
	assert.Equal(t, "tool_result", blocks[0].(map[string]interface{})["type"])
	assert.Equal(t, "call_b", blocks[1].(map[string]interface{})["tool_use_id"])
	assert.Equal(t, true, blocks[1].(map[string]interface{})["is_error"])

	tools := body["tools"].([]interface{})
	require.Len(t, tools, 1)
	assert.Equal(t, "getShiftData", tools[0].(map[string]interface{})["name"])
}

func TestAnthropicGateway_ErrorStatus(t *testing.T) {
	srv := newRecordingServer(t, http.StatusTooManyRequests,
		`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	gw := NewAnthropicGateway(GatewayConfig{Model: "claude-test", APIKey: "test", BaseURL: srv.URL})

	_, err := gw.Converse(context.Background(), ConverseRequest{Input: history.NewTextTurn(history.RoleUser, "hi")})
	require.Error(t, err)

	var gwErr *ModelGatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, ProviderAnthropic, gwErr.Provider)
	assert.Equal(t, http.StatusTooManyRequests, gwErr.StatusCode)
	assert.True(t, gwErr.Retryable())
	assert.Equal(t, 1, srv.callCount(), "the gateway does not retry")
}

const openaiToolCallReply = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1,
  "model": "gpt-test",
  "choices": [{
    "index": 0,
    "finish_reason": "tool_calls",
    "logprobs": null,
    "message": {
      "role": "assistant",
      "content": null,
      "refusal": null,
      "tool_calls": [{
        "id": "call_1",
        "type": "function",
        "function": {"name": "editShiftData", "arguments": "{\"date\":\"2025-07-01\",\"action\":\"remove\"}"}
      }]
    }
  }],
  "usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
}`

func TestOpenAIGateway_Converse(t *testing.T) {
	srv := newRecordingServer(t, http.StatusOK, openaiToolCallReply)
	gw := NewOpenAIGateway(GatewayConfig{Model: "gpt-test", APIKey: "test", BaseURL: srv.URL})

	resp, err := gw.Converse(context.Background(), shiftToolRequest())
	require.NoError(t, err)

	assert.Empty(t, resp.TextParts())
	calls := resp.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "editShiftData", calls[0].Name)
	assert.Equal(t, "remove", calls[0].Args["action"])

	messages := srv.lastBody()["messages"].([]interface{})
	require.Len(t, messages, 5)
	assert.Equal(t, "system", messages[0].(map[string]interface{})["role"])
	assistant := messages[2].(map[string]interface{})
	assert.Len(t, assistant["tool_calls"].([]interface{}), 2)
	tool := messages[4].(map[string]interface{})
	assert.Equal(t, "tool", tool["role"])
	assert.Equal(t, "call_b", tool["tool_call_id"])
}

func TestOpenAIGateway_ErrorStatus(t *testing.T) {
	srv := newRecordingServer(t, http.StatusInternalServerError,
		`{"error":{"message":"upstream failure","type":"server_error"}}`)
	gw := NewOpenAIGateway(GatewayConfig{Model: "gpt-test", APIKey: "test", BaseURL: srv.URL})

	_, err := gw.Converse(context.Background(), ConverseRequest{Input: history.NewTextTurn(history.RoleUser, "hi")})

	var gwErr *ModelGatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, http.StatusInternalServerError, gwErr.StatusCode)
	assert.True(t, IsRetryableError(err))
	assert.Equal(t, 1, srv.callCount())
}

func TestGeminiContents(t *testing.T) {
	req := shiftToolRequest()
	contents := geminiContents(conversation(req))
	require.Len(t, contents, 3)

	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
	require.Len(t, contents[1].Parts, 2)
	assert.Equal(t, "getShiftData", contents[1].Parts[1].FunctionCall.Name)

	results := contents[2]
	assert.Equal(t, "user", results.Role)
	require.Len(t, results.Parts, 2)
	assert.Equal(t, "call_a", results.Parts[0].FunctionResponse.ID)
	assert.Equal(t, map[string]any{"result": "2025-06-30"}, results.Parts[0].FunctionResponse.Response)
	assert.Equal(t, map[string]any{"error": "store offline"}, results.Parts[1].FunctionResponse.Response)

	tools := geminiTools(req.Tools)
	require.Len(t, tools, 1)
	require.Len(t, tools[0].FunctionDeclarations, 1)
	assert.Equal(t, "getShiftData", tools[0].FunctionDeclarations[0].Name)
}
