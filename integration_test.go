package integration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/monolith-sh/monolith/config"
	"github.com/monolith-sh/monolith/logger"
	"github.com/monolith-sh/monolith/mcpserver"
	"github.com/monolith-sh/monolith/sandbox"
)

// TestIntegrationConfigLoggerSandbox wires config, logger and the runtime
// factory together the way the fx graph does at startup.
func TestIntegrationConfigLoggerSandbox(t *testing.T) {
	t.Run("ConfigAndLoggerIntegration", func(t *testing.T) {
		cfg := &config.Config{
			Server: config.ServerConfig{
				Transport: "stdio",
				HTTPPort:  8080,
			},
			Sandbox: config.SandboxConfig{
				Backend:         "docker",
				MemoryMB:        512,
				SetupTimeoutSec: 120,
				RunTimeoutSec:   60,
			},
			Logging: config.LoggingConfig{
				Mode:  "development",
				Level: "debug",
			},
		}

		testLogger, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
		require.NoError(t, err)
		require.NotNil(t, testLogger)

		testLogger.Info("integration wiring check")
		_ = testLogger.Sync()
	})

	t.Run("ConfigLoggerRuntimeFactoryIntegration", func(t *testing.T) {
		cfg := &config.Config{
			Server: config.ServerConfig{
				Transport: "stdio",
				HTTPPort:  8080,
			},
			Sandbox: config.SandboxConfig{
				Backend:            "local",
				MemoryMB:           128,
				SetupTimeoutSec:    10,
				RunTimeoutSec:      5,
				EnableLocalBackend: true,
			},
			Logging: config.LoggingConfig{
				Mode:  "development",
				Level: "info",
			},
		}

		testLogger, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
		require.NoError(t, err)

		runtime, err := sandbox.NewRuntime(testLogger, cfg.Sandbox.Backend)
		require.NoError(t, err)
		require.NotNil(t, runtime)
	})

	t.Run("FullMCPIntegration", func(t *testing.T) {
		cfg := &config.Config{
			Server: config.ServerConfig{
				Transport: "stdio",
				HTTPPort:  8080,
			},
			Sandbox: config.SandboxConfig{
				Backend:            "local",
				MemoryMB:           128,
				SetupTimeoutSec:    10,
				RunTimeoutSec:      5,
				EnableLocalBackend: true,
			},
			Logging: config.LoggingConfig{
				Mode:  "development",
				Level: "info",
			},
			Images: map[string]string{
				"python": "python:3.11-slim",
			},
		}

		mcpLogger, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
		require.NoError(t, err)

		runtime, err := sandbox.NewRuntime(mcpLogger, cfg.Sandbox.Backend)
		require.NoError(t, err)

		server, err := mcpserver.New(cfg, mcpLogger, runtime)
		require.NoError(t, err)
		require.NotNil(t, server)
		require.NotNil(t, server.GetMCPServer())
	})

	t.Run("UnknownBackendRejected", func(t *testing.T) {
		testLogger := zaptest.NewLogger(t)
		_, err := sandbox.NewRuntime(testLogger, "kvm")
		assert.Error(t, err)
	})
}
