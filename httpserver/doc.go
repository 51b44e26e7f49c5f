// Package httpserver serves the executor over HTTP with gin.
//
// Routes:
//
//	POST /execute    {language, code, input?, dependencies?} -> {stdout, stderr, error?}
//	GET  /health     engine reachability
//	GET  /languages  supported language names
//	GET  /metrics    prometheus exposition
//	ANY  /mcp        MCP streamable HTTP transport, when enabled
//
// POST /execute answers 200 whenever the submission was processed, including
// compile errors, runtime errors and timeouts; the error field then carries
// the reason. 400 means the body could not be decoded, 413 that it exceeded
// server.max_body_kb, and 500 that the service itself failed.
package httpserver
