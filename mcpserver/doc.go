// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the sandbox executor as a single MCP tool,
// execute_code, using the mark3labs/mcp-go library. The tool takes the same
// fields as the HTTP API (language, code, input, dependencies) and returns
// the execution outcome as a JSON text block. Logical failures such as a
// compile error are flagged on the tool result rather than as protocol
// errors.
//
// The server can run on stdio, or be mounted into the HTTP server through
// Handler.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, executor, registry)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio()
package mcpserver
