package mcpserver

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/monolith-sh/monolith/config"
	"github.com/monolith-sh/monolith/sandbox"
)

// stubRuntime implements sandbox.ContainerRuntime with scripted exec
// results and remote files, enough to drive a session end to end.
type stubRuntime struct {
	mu            sync.Mutex
	resolveErr    error
	startErr      error
	created       bool
	results       map[string]sandbox.ConsoleOutput
	execDelay     map[string]time.Duration
	remoteFiles   map[string][]byte
	commands      []string
	removedEnvs   int
	imageRemovals int
}

func newStubRuntime() *stubRuntime {
	return &stubRuntime{
		results:     make(map[string]sandbox.ConsoleOutput),
		execDelay:   make(map[string]time.Duration),
		remoteFiles: make(map[string][]byte),
	}
}

func (r *stubRuntime) ResolveImage(_ context.Context, _ sandbox.ImageSpec) (sandbox.ImageRef, bool, error) {
	if r.resolveErr != nil {
		return sandbox.ImageRef{}, false, r.resolveErr
	}
	return sandbox.ImageRef{ID: "sha256:stub", Tag: "stub:latest"}, r.created, nil
}

func (r *stubRuntime) StartEnvironment(_ context.Context, _ sandbox.ImageRef, _ sandbox.StartOptions) (string, error) {
	if r.startErr != nil {
		return "", r.startErr
	}
	return "stub-env", nil
}

func (r *stubRuntime) Exec(_ context.Context, _, command, _ string) (sandbox.ConsoleOutput, error) {
	r.mu.Lock()
	r.commands = append(r.commands, command)
	delay := r.execDelay[command]
	out := r.results[command]
	r.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return out, nil
}

func (r *stubRuntime) CopyTo(_ context.Context, _, _ string, archive io.Reader) error {
	_, err := io.Copy(io.Discard, archive)
	return err
}

func (r *stubRuntime) CopyFrom(_ context.Context, _, srcPath string) (io.ReadCloser, int64, error) {
	r.mu.Lock()
	content, ok := r.remoteFiles[srcPath]
	r.mu.Unlock()
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", sandbox.ErrRemoteFileNotFound, srcPath)
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: "mem_usage.log", Mode: 0o644, Size: int64(len(content))}); err != nil {
		return nil, 0, err
	}
	if _, err := tw.Write(content); err != nil {
		return nil, 0, err
	}
	if err := tw.Close(); err != nil {
		return nil, 0, err
	}
	return io.NopCloser(&buf), int64(len(content)), nil
}

func (r *stubRuntime) Commit(_ context.Context, _, _ string) error { return nil }

func (r *stubRuntime) RemoveEnvironment(_ context.Context, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removedEnvs++
	return nil
}

func (r *stubRuntime) RemoveImageIfUnused(_ context.Context, _ sandbox.ImageRef) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.imageRemovals++
	return true, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Transport: "stdio", HTTPPort: 8080},
		Sandbox: config.SandboxConfig{
			Backend:         "docker",
			MemoryMB:        512,
			SetupTimeoutSec: 10,
			RunTimeoutSec:   10,
		},
		Logging: config.LoggingConfig{Mode: "production", Level: "info"},
	}
}

func TestNewMCPServer(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := testConfig()
	runtime := newStubRuntime()

	srv, err := New(cfg, logger, runtime)
	require.NoError(t, err)
	require.NotNil(t, srv)
	assert.Equal(t, cfg, srv.config)
	assert.Equal(t, logger, srv.logger)
	assert.Equal(t, runtime, srv.runtime)
	assert.NotNil(t, srv.mcpServer)
	assert.NotNil(t, srv.GetMCPServer())
}

func TestExecute(t *testing.T) {
	ctx := context.Background()

	newServer := func(t *testing.T, runtime *stubRuntime) *MCPServer {
		t.Helper()
		srv, err := New(testConfig(), zaptest.NewLogger(t), runtime)
		require.NoError(t, err)
		return srv
	}

	t.Run("SuccessfulRun", func(t *testing.T) {
		runtime := newStubRuntime()
		runtime.results["python /tmp/code.py"] = sandbox.ConsoleOutput{Stdout: "hi\n"}
		srv := newServer(t, runtime)

		payload := srv.execute(ctx, sandbox.LanguagePython, "print('hi')", nil, false)
		assert.Empty(t, payload.Error)
		assert.Equal(t, "hi\n", payload.Stdout)
		assert.Equal(t, 1, runtime.removedEnvs, "session environment must be torn down")
	})

	t.Run("ProfiledRunCarriesTelemetry", func(t *testing.T) {
		runtime := newStubRuntime()
		runtime.results[sandbox.ProfilerDestPath+" python /tmp/code.py"] = sandbox.ConsoleOutput{Stdout: "done\n"}
		runtime.remoteFiles["/tmp/mem_usage.log"] = []byte("0 10\n1000000 50\n2000000 30\n")
		srv := newServer(t, runtime)

		payload := srv.execute(ctx, sandbox.LanguagePython, "print('done')", nil, true)
		require.Empty(t, payload.Error)
		assert.Equal(t, "done\n", payload.Stdout)
		assert.Equal(t, int64(50), payload.PeakMemoryKB)
		assert.InDelta(t, 2.0, payload.DurationMS, 1e-9)
		assert.Equal(t, int64(110), payload.IntegralKBMS)
		assert.Len(t, payload.MemorySeries, 3)
	})

	t.Run("SetupRunsBeforeExecution", func(t *testing.T) {
		runtime := newStubRuntime()
		srv := newServer(t, runtime)

		payload := srv.execute(ctx, sandbox.LanguagePython, "import numpy", []string{"numpy"}, false)
		assert.Empty(t, payload.Error)
		assert.Contains(t, runtime.commands, "pip install numpy")
	})

	t.Run("UnsupportedInstallReported", func(t *testing.T) {
		runtime := newStubRuntime()
		srv := newServer(t, runtime)

		payload := srv.execute(ctx, sandbox.LanguageJava, "class A {}", []string{"guava"}, false)
		assert.Contains(t, payload.Error, "operation not supported")
		assert.Equal(t, 1, runtime.removedEnvs, "session must be closed on setup failure")
	})

	t.Run("UnknownLanguageReported", func(t *testing.T) {
		srv := newServer(t, newStubRuntime())

		payload := srv.execute(ctx, sandbox.Language("fortran"), "X = 1", nil, false)
		assert.NotEmpty(t, payload.Error)
	})

	t.Run("ProvisionFailureReported", func(t *testing.T) {
		runtime := newStubRuntime()
		runtime.resolveErr = &sandbox.ProvisionError{Image: "ghost:latest", Err: fmt.Errorf("manifest unknown")}
		srv := newServer(t, runtime)

		payload := srv.execute(ctx, sandbox.LanguagePython, "print(1)", nil, false)
		assert.Contains(t, payload.Error, "ghost:latest")
	})

	t.Run("FreshImageReclaimedWhenStartFails", func(t *testing.T) {
		runtime := newStubRuntime()
		runtime.created = true
		runtime.startErr = fmt.Errorf("no such runtime")
		srv := newServer(t, runtime)

		payload := srv.execute(ctx, sandbox.LanguagePython, "print(1)", nil, false)
		assert.NotEmpty(t, payload.Error)
		assert.Equal(t, 1, runtime.imageRemovals, "pulled image must be reclaimed when the environment never started")
	})

	t.Run("RunBudgetEnforced", func(t *testing.T) {
		runtime := newStubRuntime()
		runtime.results["python /tmp/code.py"] = sandbox.ConsoleOutput{Stdout: "late\n"}
		runtime.execDelay["python /tmp/code.py"] = 1500 * time.Millisecond
		srv, err := New(testConfig(), zaptest.NewLogger(t), runtime)
		require.NoError(t, err)
		srv.config.Sandbox.RunTimeoutSec = 1

		start := time.Now()
		payload := srv.execute(ctx, sandbox.LanguagePython, "while True: pass", nil, false)
		assert.Less(t, time.Since(start), 3*time.Second)
		assert.Contains(t, payload.Error, "Code Execution")
	})
}
