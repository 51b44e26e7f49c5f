// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap. Development mode prints coloured console output;
// production mode emits JSON with ISO8601 timestamps. Both write to stderr.
package logger
