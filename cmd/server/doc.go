// Package main is the entry point for the execbox server.
//
// execbox runs submitted source code in short-lived containers built from
// cached per-language images. The serve command starts the HTTP API (with
// the MCP endpoint mounted at /mcp) or an MCP server on stdio, depending on
// server.transport. The languages and cache commands inspect the language
// table and maintain the image cache without starting the service.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging, viper for configuration and
// cobra for the command line.
package main
