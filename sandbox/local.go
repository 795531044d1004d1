package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// LocalRuntime implements ContainerRuntime with host processes rooted in a
// per-environment temp directory. There is no isolation boundary here:
// this backend exists for development and tests only, and stays disabled
// unless configuration explicitly enables it.
type LocalRuntime struct {
	logger *zap.Logger
}

// NewLocalRuntime creates a LocalRuntime.
func NewLocalRuntime(logger *zap.Logger) *LocalRuntime {
	return &LocalRuntime{logger: logger}
}

// ResolveImage is a no-op: the host is the image. created is always false
// so Close never attempts an image removal.
func (l *LocalRuntime) ResolveImage(_ context.Context, spec ImageSpec) (ImageRef, bool, error) {
	tag := spec.Ref
	if tag == "" {
		tag = "local"
	}
	return ImageRef{ID: "local", Tag: tag}, false, nil
}

// StartEnvironment creates the environment root directory and returns its
// path as the handle.
func (l *LocalRuntime) StartEnvironment(_ context.Context, _ ImageRef, opts StartOptions) (string, error) {
	root, err := os.MkdirTemp("", "monolith-env-*")
	if err != nil {
		return "", &EnvironmentStartError{Image: "local", Err: err}
	}
	l.logger.Debug("local environment started",
		zap.String("root", root),
		zap.String("name", opts.Name))
	return root, nil
}

// hostPath maps an absolute in-environment path onto the environment root.
func hostPath(root, envPath string) string {
	return filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(envPath, "/")))
}

// Exec runs the command with /bin/sh on the host, in the mapped workdir.
// Non-zero exits and stderr are data in the ConsoleOutput, matching the
// container backend.
func (l *LocalRuntime) Exec(ctx context.Context, handle, command, workdir string) (ConsoleOutput, error) {
	dir := handle
	if workdir != "" {
		dir = hostPath(handle, workdir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ConsoleOutput{}, fmt.Errorf("creating workdir: %w", err)
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command) //nolint:gosec // development backend, commands come from the profile table
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return ConsoleOutput{}, fmt.Errorf("running command: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return ConsoleOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}

// CopyTo unpacks the archive under the mapped destination directory.
func (l *LocalRuntime) CopyTo(_ context.Context, handle, destDir string, archive io.Reader) error {
	dir := hostPath(handle, destDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}
	return unpackArchive(archive, dir)
}

// CopyFrom bundles the mapped source path into a tar stream.
func (l *LocalRuntime) CopyFrom(_ context.Context, handle, srcPath string) (io.ReadCloser, int64, error) {
	src := hostPath(handle, srcPath)
	info, err := os.Stat(src)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrRemoteFileNotFound, srcPath)
	}
	archive, err := bundleFile(src)
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(archive), info.Size(), nil
}

// Commit is a no-op: there is no image to persist host state into.
func (l *LocalRuntime) Commit(_ context.Context, handle, tag string) error {
	l.logger.Debug("commit ignored on local backend",
		zap.String("root", handle),
		zap.String("tag", tag))
	return nil
}

// RemoveEnvironment deletes the environment root. Idempotent.
func (l *LocalRuntime) RemoveEnvironment(_ context.Context, handle string) error {
	return os.RemoveAll(handle)
}

// RemoveImageIfUnused never removes anything on the local backend.
func (l *LocalRuntime) RemoveImageIfUnused(_ context.Context, _ ImageRef) (bool, error) {
	return false, nil
}
