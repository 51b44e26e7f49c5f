package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/language"
	"github.com/isdmx/execbox/sandbox"
)

// ToolName is the name the execution tool is registered under.
const ToolName = "execute_code"

// EndpointPath is where the streamable HTTP handler expects to be mounted.
const EndpointPath = "/mcp"

// MCPServer represents the MCP server
type MCPServer struct {
	config      *config.Config
	logger      *zap.Logger
	sandboxExec sandbox.SandboxExecutor
	languages   *language.Registry
	mcpServer   *server.MCPServer
	tool        mcp.Tool
}

// toolResult is the JSON document returned as the tool's text content.
type toolResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code"`
	Image    string `json:"image,omitempty"`
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, sandboxExec sandbox.SandboxExecutor, languages *language.Registry) (*MCPServer, error) {
	s := &MCPServer{
		config:      cfg,
		logger:      logger.Named("mcp"),
		sandboxExec: sandboxExec,
		languages:   languages,
	}

	s.mcpServer = server.NewMCPServer("execbox", "0.1.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerExecuteCodeTool()

	return s, nil
}

func (s *MCPServer) registerExecuteCodeTool() {
	tool := mcp.NewTool(ToolName,
		mcp.WithDescription("Execute untrusted code in an isolated container and return its output"),
		mcp.WithString("language",
			mcp.Required(),
			mcp.Description("Runtime language"),
			mcp.Enum(s.languages.Names()...),
		),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("Source code to run"),
		),
		mcp.WithString("input",
			mcp.Description("Data written to the program's standard input"),
		),
		mcp.WithArray("dependencies",
			mcp.Description("Packages installed into the image before the code runs"),
			mcp.WithStringItems(),
		),
	)

	s.tool = tool
	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	lang, err := request.RequireString("language")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	req := sandbox.ExecuteRequest{
		Language:     lang,
		Code:         code,
		Stdin:        request.GetString("input", ""),
		Dependencies: request.GetStringSlice("dependencies", nil),
	}

	s.logger.Info("code execution requested",
		zap.String("language", lang),
		zap.Int("dependencies", len(req.Dependencies)))

	result, err := s.sandboxExec.Execute(ctx, req)
	if err != nil {
		s.logger.Error("sandbox execution failed", zap.Error(err), zap.String("language", lang))
		return mcp.NewToolResultError(fmt.Sprintf("Execution failed: %v", err)), nil
	}

	body, err := json.Marshal(toolResult{
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		Error:    result.Error,
		ExitCode: result.ExitCode,
		Image:    string(result.Image),
	})
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(body))},
		IsError: result.Error != "",
	}, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// Handler returns the streamable HTTP transport, served at EndpointPath.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath(EndpointPath),
		server.WithStateLess(true),
	)
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
