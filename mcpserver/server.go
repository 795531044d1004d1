package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/monolith-sh/monolith/config"
	"github.com/monolith-sh/monolith/sandbox"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	runtime   sandbox.ContainerRuntime
	mcpServer *server.MCPServer
}

// runPayload is the result shape surfaced to callers.
type runPayload struct {
	Stdout       string                 `json:"stdout"`
	Stderr       string                 `json:"stderr"`
	PeakMemoryKB int64                  `json:"peak_memory_kb"`
	DurationMS   float64                `json:"duration_ms"`
	IntegralKBMS int64                  `json:"integral_kb_ms"`
	MemorySeries []sandbox.MemorySample `json:"memory_series"`
	Error        string                 `json:"error,omitempty"`
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, runtime sandbox.ContainerRuntime) (*MCPServer, error) {
	s := &MCPServer{
		config:  cfg,
		logger:  logger,
		runtime: runtime,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.Bool("sandbox.keep_template", cfg.Sandbox.KeepTemplate),
		zap.Bool("sandbox.commit_on_close", cfg.Sandbox.CommitOnClose),
		zap.Int64("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
		zap.Int("sandbox.setup_timeout_sec", cfg.Sandbox.SetupTimeoutSec),
		zap.Int("sandbox.run_timeout_sec", cfg.Sandbox.RunTimeoutSec),
	)

	s.mcpServer = server.NewMCPServer("monolith", "A remote runtime for code execution and evaluation")

	s.registerRunCodeTool()

	return s, nil
}

// registerRunCodeTool registers the run_code tool
func (s *MCPServer) registerRunCodeTool() {
	languages := make([]string, 0)
	for _, lang := range sandbox.SupportedLanguages() {
		languages = append(languages, string(lang))
	}

	tool := mcp.Tool{
		Name:        "run_code",
		Description: "Execute a code snippet in an isolated environment and return its output with resource-usage telemetry",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Guest language",
					"enum":        languages,
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"libraries": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Libraries to install before the run (optional)",
				},
				"profile": map[string]any{
					"type":        "boolean",
					"description": "Sample resident memory during execution",
				},
			},
			Required: []string{"language", "code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRunCode)
}

// handleRunCode handles the run_code tool
func (s *MCPServer) handleRunCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	language, err := request.RequireString("language")
	if err != nil {
		return nil, fmt.Errorf("language parameter is required: %w", err)
	}
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}
	libraries := request.GetStringSlice("libraries", nil)
	profiled := request.GetBool("profile", true)

	s.logger.Info("code execution requested",
		zap.String("language", language),
		zap.Int("libraries", len(libraries)),
		zap.Bool("profile", profiled))

	payload := s.execute(ctx, sandbox.Language(language), code, libraries, profiled)

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
		IsError: payload.Error != "",
	}, nil
}

// execute drives one scoped session through setup and run, each under its
// budget. Session faults come back in the payload's error field; guest
// program failures are already data in stdout/stderr.
func (s *MCPServer) execute(ctx context.Context, lang sandbox.Language, code string, libraries []string, profiled bool) runPayload {
	session, err := sandbox.NewSession(s.runtime, s.logger, lang,
		sandbox.WithRetention(sandbox.RetentionPolicy{
			KeepTemplate:  s.config.Sandbox.KeepTemplate,
			CommitOnClose: s.config.Sandbox.CommitOnClose,
		}),
		sandbox.WithMemoryLimitMB(s.config.Sandbox.MemoryMB),
		sandbox.WithVerbose(s.config.Sandbox.Verbose),
	)
	if err != nil {
		return runPayload{Error: err.Error()}
	}
	// Close runs even when Open fails partway: a fresh image pulled
	// before the environment failed to start still needs reclaiming.
	defer func() {
		if err := session.Close(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("session close failed", zap.Error(err))
		}
	}()
	if err := session.Open(ctx); err != nil {
		return runPayload{Error: err.Error()}
	}

	observer := s.progressObserver()

	if len(libraries) > 0 {
		setup := sandbox.Supervise(s.config.GetSetupTimeout(), "Library Setup", observer, func() (struct{}, error) {
			return struct{}{}, session.Setup(ctx, libraries)
		})
		if setup.Err != nil {
			return runPayload{Error: setup.Err.Error()}
		}
	}

	run := sandbox.Supervise(s.config.GetRunTimeout(), "Code Execution", observer, func() (sandbox.ExecutionResult, error) {
		return session.Run(ctx, code, profiled)
	})
	if run.Err != nil {
		return runPayload{
			Stdout: run.Output.Stdout,
			Stderr: run.Output.Stderr,
			Error:  run.Err.Error(),
		}
	}

	result := run.Output
	s.logger.Info("code execution completed",
		zap.String("language", string(lang)),
		zap.Int64("peak_memory_kb", result.PeakMemoryKB),
		zap.Float64("duration_ms", result.DurationMS))

	return runPayload{
		Stdout:       result.Stdout,
		Stderr:       result.Stderr,
		PeakMemoryKB: result.PeakMemoryKB,
		DurationMS:   result.DurationMS,
		IntegralKBMS: result.IntegralKBMS,
		MemorySeries: result.Series,
	}
}

func (s *MCPServer) progressObserver() sandbox.ProgressObserver {
	return sandbox.ProgressFunc(func(phase string, elapsed, budget time.Duration) {
		s.logger.Debug("supervised call progress",
			zap.String("phase", phase),
			zap.Duration("elapsed", elapsed),
			zap.Duration("budget", budget))
	})
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
