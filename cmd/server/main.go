package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/monolith-sh/monolith/config"
	"github.com/monolith-sh/monolith/logger"
	"github.com/monolith-sh/monolith/mcpserver"
	"github.com/monolith-sh/monolith/sandbox"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Container runtime based on config
			newRuntime,

			// MCP Server
			mcpserver.New,
		),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}

// newRuntime builds the configured backend and applies any per-language
// profile overrides before the first session starts.
func newRuntime(cfg *config.Config, log *zap.Logger) (sandbox.ContainerRuntime, error) {
	if len(cfg.Images) > 0 {
		if err := sandbox.ApplyImageOverrides(cfg.Images); err != nil {
			return nil, err
		}
	}
	if cfg.Sandbox.ProfileOverrides != "" {
		if err := sandbox.LoadProfileOverrides(cfg.Sandbox.ProfileOverrides); err != nil {
			return nil, err
		}
	}
	return sandbox.NewRuntime(log, cfg.Sandbox.Backend)
}
