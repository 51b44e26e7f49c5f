package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/engine"
	"github.com/isdmx/execbox/language"
	"github.com/isdmx/execbox/sandbox"
)

// MockSandboxExecutor implements sandbox.SandboxExecutor for testing
type MockSandboxExecutor struct {
	executeResult sandbox.ExecuteResult
	executeError  error
	requests      []sandbox.ExecuteRequest
}

func (m *MockSandboxExecutor) Execute(_ context.Context, req sandbox.ExecuteRequest) (sandbox.ExecuteResult, error) { //nolint:gocritic // Mock implementation requires full parameter signature
	m.requests = append(m.requests, req)
	return m.executeResult, m.executeError
}

func newTestServer(t *testing.T, exec *MockSandboxExecutor) *MCPServer {
	t.Helper()
	registry, err := language.NewFromConfig(&config.Config{})
	require.NoError(t, err)

	server, err := New(&config.Config{Server: config.ServerConfig{Transport: "stdio"}}, zaptest.NewLogger(t), exec, registry)
	require.NoError(t, err)
	return server
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = ToolName
	req.Params.Arguments = args
	return req
}

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "content should be text, got %T", result.Content[0])
	return text.Text
}

func TestNewMCPServer(t *testing.T) {
	mockExecutor := &MockSandboxExecutor{}
	server := newTestServer(t, mockExecutor)

	assert.Equal(t, mockExecutor, server.sandboxExec)
	assert.NotNil(t, server.GetMCPServer())
	assert.NotNil(t, server.Handler())

	assert.Equal(t, ToolName, server.tool.Name)
	assert.ElementsMatch(t, []string{"language", "code"}, server.tool.InputSchema.Required)
	langProp, ok := server.tool.InputSchema.Properties["language"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, langProp["enum"], "python")
}

func TestHandleExecuteCode(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		mockExecutor := &MockSandboxExecutor{
			executeResult: sandbox.ExecuteResult{Stdout: "hello\n", Image: "hit"},
		}
		server := newTestServer(t, mockExecutor)

		result, err := server.handleExecuteCode(context.Background(), callRequest(map[string]any{
			"language":     "python",
			"code":         "print(input())",
			"input":        "hello",
			"dependencies": []any{"requests"},
		}))
		require.NoError(t, err)
		assert.False(t, result.IsError)

		var body toolResult
		require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &body))
		assert.Equal(t, "hello\n", body.Stdout)
		assert.Empty(t, body.Error)
		assert.Equal(t, "hit", body.Image)

		require.Len(t, mockExecutor.requests, 1)
		assert.Equal(t, sandbox.ExecuteRequest{
			Language:     "python",
			Code:         "print(input())",
			Stdin:        "hello",
			Dependencies: []string{"requests"},
		}, mockExecutor.requests[0])
	})

	t.Run("LogicalFailureIsFlagged", func(t *testing.T) {
		mockExecutor := &MockSandboxExecutor{
			executeResult: sandbox.ExecuteResult{
				Stderr:   "SyntaxError",
				Error:    "process exited with code 1",
				ExitCode: 1,
			},
		}
		server := newTestServer(t, mockExecutor)

		result, err := server.handleExecuteCode(context.Background(), callRequest(map[string]any{
			"language": "python",
			"code":     "print(",
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)

		var body toolResult
		require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &body))
		assert.Equal(t, 1, body.ExitCode)
		assert.Equal(t, "SyntaxError", body.Stderr)
		assert.Equal(t, "process exited with code 1", body.Error)
	})

	t.Run("OrchestrationFault", func(t *testing.T) {
		mockExecutor := &MockSandboxExecutor{
			executeError: engine.ErrEngineUnavailable,
		}
		server := newTestServer(t, mockExecutor)

		result, err := server.handleExecuteCode(context.Background(), callRequest(map[string]any{
			"language": "python",
			"code":     "print(1)",
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, textOf(t, result), "Execution failed")
	})

	t.Run("MissingArguments", func(t *testing.T) {
		mockExecutor := &MockSandboxExecutor{executeError: errors.New("must not be called")}
		server := newTestServer(t, mockExecutor)

		for _, args := range []map[string]any{
			{"language": "python"},
			{"code": "print(1)"},
		} {
			result, err := server.handleExecuteCode(context.Background(), callRequest(args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		}
		assert.Empty(t, mockExecutor.requests)
	})
}
