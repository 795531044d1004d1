// Package mcpserver provides the Model Context Protocol (MCP) server
// implementation.
//
// The mcpserver package exposes the run_code tool: it creates a scoped
// sandbox session per call, installs requested libraries and executes the
// submitted snippet under supervisor budgets, then returns stdout/stderr
// with memory-usage telemetry. Protocol details are handled by the
// mark3labs/mcp-go library over stdio or HTTP transports.
package mcpserver
