// Package main is the entry point for the Monolith MCP server.
//
// Monolith is a remote runtime for code execution and evaluation: it runs
// untrusted snippets (Python, Java, JavaScript, C++, Go, Ruby) in isolated
// container sessions and reports output together with memory-usage
// telemetry. The server supports both stdio and HTTP transports.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main
