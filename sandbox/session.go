package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RetentionPolicy decides what survives a session: whether a freshly
// pulled/built image is kept, and whether the container's final state is
// committed into that image before removal.
type RetentionPolicy struct {
	KeepTemplate  bool
	CommitOnClose bool
}

// ExecutionResult is the outcome of one Run call. The telemetry fields are
// all zero when profiling was not requested or the sample feed was empty.
type ExecutionResult struct {
	Stdout string
	Stderr string
	ResourceUsage
}

// Session owns one live environment for its lifetime and orchestrates the
// profile table, transfer protocol and command executor against it.
// A Session is single-writer for operations, but Close may run while a
// supervised operation that exceeded its budget is still in flight: the
// mutable state is mutex-guarded and each operation acts on a handle
// snapshot, so the late operation observes ErrNotOpen instead of racing
// the teardown.
type Session struct {
	lang    Language
	profile Profile
	runtime ContainerRuntime
	logger  *zap.Logger
	verbose bool

	image     ImageSpec
	retention RetentionPolicy
	mounts    []Mount
	memoryMB  int64

	mu              sync.Mutex
	handle          string
	imageRef        ImageRef
	createdTemplate bool
	workspaceReady  bool
	closed          bool
}

// SessionOption is a functional option for NewSession.
type SessionOption func(*Session)

// WithImage overrides the profile's default base image reference.
func WithImage(ref string) SessionOption {
	return func(s *Session) {
		s.image = ImageSpec{Ref: ref}
	}
}

// WithDockerfile builds the base image from a Dockerfile instead of
// pulling one. tag names the built image; empty derives a tag from the
// Dockerfile's directory.
func WithDockerfile(dockerfile, tag string) SessionOption {
	return func(s *Session) {
		s.image = ImageSpec{Dockerfile: dockerfile, Tag: tag}
	}
}

// WithRetention sets the session's retention policy.
func WithRetention(policy RetentionPolicy) SessionOption {
	return func(s *Session) {
		s.retention = policy
	}
}

// WithMounts binds host paths into the environment.
func WithMounts(mounts []Mount) SessionOption {
	return func(s *Session) {
		s.mounts = mounts
	}
}

// WithMemoryLimitMB caps the environment's memory.
func WithMemoryLimitMB(mb int64) SessionOption {
	return func(s *Session) {
		s.memoryMB = mb
	}
}

// WithVerbose raises per-command logging from debug to info level.
func WithVerbose(verbose bool) SessionOption {
	return func(s *Session) {
		s.verbose = verbose
	}
}

// NewSession creates a session for lang. The environment is not started
// until Open.
func NewSession(runtime ContainerRuntime, logger *zap.Logger, lang Language, opts ...SessionOption) (*Session, error) {
	profile, err := LookupProfile(lang)
	if err != nil {
		return nil, err
	}
	s := &Session{
		lang:    lang,
		profile: profile,
		runtime: runtime,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.image.Ref == "" && s.image.Dockerfile == "" {
		s.image = ImageSpec{Ref: profile.Image}
	}
	return s, nil
}

// Language returns the session's language tag.
func (s *Session) Language() Language { return s.lang }

// liveHandle snapshots the environment handle under the session lock.
// Operations issue runtime calls against the snapshot; a handle cleared by
// a concurrent Close surfaces as ErrNotOpen on the next call.
func (s *Session) liveHandle() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.handle == "" {
		return "", ErrNotOpen
	}
	return s.handle, nil
}

// Open resolves the base image, starts the environment and runs the fixed
// bootstrap (package-index refresh plus the timing utility the sampler
// relies on). A closed session cannot be reopened.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: session is closed", ErrNotOpen)
	}
	if s.handle != "" {
		s.mu.Unlock()
		return fmt.Errorf("session already open")
	}
	s.mu.Unlock()

	img, created, err := s.runtime.ResolveImage(ctx, s.image)
	if err != nil {
		return err
	}
	// Record the image before starting the environment: if the start
	// fails, Close still knows whether a freshly pulled image is ours to
	// remove.
	s.mu.Lock()
	s.imageRef = img
	s.createdTemplate = created
	s.mu.Unlock()
	if created && s.retention.KeepTemplate {
		s.logger.Info("image will be kept after the session ends",
			zap.String("image", img.Tag))
	}

	name := fmt.Sprintf("monolith-%s-%s", s.lang, uuid.NewString())
	handle, err := s.runtime.StartEnvironment(ctx, img, StartOptions{
		Name:     name,
		Mounts:   s.mounts,
		MemoryMB: s.memoryMB,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()

	// Bootstrap failures inside the guest are data, not transport errors;
	// images that already carry the timing utility just no-op here.
	for _, cmd := range []string{"apt-get update", "apt-get install -y time"} {
		if _, err := s.ExecuteCommand(ctx, cmd, ""); err != nil {
			closeErr := s.Close(ctx)
			return errors.Join(fmt.Errorf("bootstrap %q: %w", cmd, err), closeErr)
		}
	}

	s.logger.Info("session opened",
		zap.String("language", string(s.lang)),
		zap.String("environment", handle),
		zap.String("image", img.Tag))
	return nil
}

// Setup installs the given libraries with the language's install command.
// Languages that need a module workspace get it initialized once, before
// any install command, and every later command for the language runs
// there. Languages flagged install-unsupported fail before any command is
// executed.
func (s *Session) Setup(ctx context.Context, libraries []string) error {
	if _, err := s.liveHandle(); err != nil {
		return err
	}
	if len(libraries) == 0 {
		return nil
	}
	if !s.profile.SupportsInstall() {
		return fmt.Errorf("%w: library installation for %s", ErrUnsupportedOperation, s.lang)
	}

	if err := s.ensureWorkspace(ctx); err != nil {
		return err
	}
	for _, library := range libraries {
		cmd, err := s.profile.InstallCommand(library)
		if err != nil {
			return err
		}
		out, err := s.ExecuteCommand(ctx, cmd, s.profile.Workdir)
		if err != nil {
			return fmt.Errorf("installing %s: %w", library, err)
		}
		if out.ExitCode != 0 {
			s.logger.Warn("library install reported failure",
				zap.String("library", library),
				zap.Int("exit_code", out.ExitCode),
				zap.String("stderr", out.Stderr))
		}
	}
	return nil
}

func (s *Session) ensureWorkspace(ctx context.Context) error {
	if !s.profile.NeedsWorkspace {
		return nil
	}
	s.mu.Lock()
	ready := s.workspaceReady
	s.mu.Unlock()
	if ready {
		return nil
	}
	if _, err := s.ExecuteCommand(ctx, "mkdir -p "+s.profile.Workdir, ""); err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}
	for _, cmd := range []string{"go mod init go_space", "go mod tidy"} {
		if _, err := s.ExecuteCommand(ctx, cmd, s.profile.Workdir); err != nil {
			return fmt.Errorf("initializing workspace: %w", err)
		}
	}
	s.mu.Lock()
	s.workspaceReady = true
	s.mu.Unlock()
	return nil
}

// Run executes code in the environment, profiled or not, and returns the
// final command's output plus telemetry. Guest failures (compile errors,
// crashing programs) are data in the result, never an error; errors are
// reserved for transport and provisioning faults and for a missing sample
// feed after a profiled run.
func (s *Session) Run(ctx context.Context, code string, profiled bool) (ExecutionResult, error) {
	if _, err := s.liveHandle(); err != nil {
		return ExecutionResult{}, err
	}

	tempDir, err := os.MkdirTemp("", "monolith-run-*")
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("creating temp dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tempDir); rmErr != nil {
			s.logger.Error("failed to remove temp directory", zap.String("path", tempDir), zap.Error(rmErr))
		}
	}()

	codeFile := filepath.Join(tempDir, s.profile.CodeFileName())
	if err := os.WriteFile(codeFile, []byte(code), 0o600); err != nil {
		return ExecutionResult{}, fmt.Errorf("writing code file: %w", err)
	}
	if err := s.CopyTo(ctx, codeFile, s.profile.CodeDestPath()); err != nil {
		return ExecutionResult{}, fmt.Errorf("transferring code: %w", err)
	}
	if profiled {
		if err := s.shipProfiler(ctx); err != nil {
			return ExecutionResult{}, fmt.Errorf("transferring sampler: %w", err)
		}
	}

	var (
		last       ConsoleOutput
		lastStderr string
		commandSeq = s.profile.Commands(s.profile.CodeDestPath(), profiled)
	)
	for _, cmd := range commandSeq {
		out, err := s.ExecuteCommand(ctx, cmd, s.profile.Workdir)
		if err != nil {
			return ExecutionResult{}, err
		}
		last = out
		if out.Stderr != "" {
			lastStderr = out.Stderr
		}
	}

	result := ExecutionResult{Stdout: last.Stdout, Stderr: last.Stderr}
	// A compile step's stderr must not be lost behind a clean-looking
	// final step.
	if result.Stderr == "" && lastStderr != "" {
		result.Stderr = lastStderr
	}

	if profiled {
		usage, err := s.collectSamples(ctx, tempDir)
		if err != nil {
			return result, err
		}
		result.ResourceUsage = usage
	}
	return result, nil
}

// shipProfiler places the embedded sampler script at its fixed path.
func (s *Session) shipProfiler(ctx context.Context) error {
	handle, err := s.liveHandle()
	if err != nil {
		return err
	}
	archive, err := bundleBytes(path.Base(ProfilerDestPath), 0o755, profilerScript)
	if err != nil {
		return err
	}
	if err := s.ensureRemoteDir(ctx, handle, path.Dir(ProfilerDestPath)); err != nil {
		return err
	}
	return s.runtime.CopyTo(ctx, handle, path.Dir(ProfilerDestPath), archive)
}

// collectSamples retrieves the sampler feed, reduces it, and removes the
// local copy.
func (s *Session) collectSamples(ctx context.Context, tempDir string) (ResourceUsage, error) {
	localLog := filepath.Join(tempDir, SampleFeedName)
	if err := s.CopyFrom(ctx, s.profile.SampleFeedPath(), localLog); err != nil {
		return ResourceUsage{}, fmt.Errorf("retrieving sample feed: %w", err)
	}
	f, err := os.Open(localLog)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("opening sample feed: %w", err)
	}
	samples := ParseSampleFeed(f)
	f.Close()
	if err := os.Remove(localLog); err != nil {
		s.logger.Warn("failed to remove local sample feed", zap.Error(err))
	}
	return ReduceSamples(samples), nil
}

// ensureRemoteDir creates dir inside the environment if it is missing.
func (s *Session) ensureRemoteDir(ctx context.Context, handle, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	out, err := s.runtime.Exec(ctx, handle, "test -d "+dir, "")
	if err != nil {
		return err
	}
	if out.ExitCode == 0 {
		return nil
	}
	s.logger.Debug("creating remote directory", zap.String("dir", dir))
	if _, err := s.runtime.Exec(ctx, handle, "mkdir -p "+dir, ""); err != nil {
		return err
	}
	return nil
}

// CopyTo bundles the local file into an archive preserving only its base
// name and unpacks it at the remote path's parent, creating missing remote
// directories on demand.
func (s *Session) CopyTo(ctx context.Context, localPath, remotePath string) error {
	handle, err := s.liveHandle()
	if err != nil {
		return err
	}
	dir := path.Dir(remotePath)
	if err := s.ensureRemoteDir(ctx, handle, dir); err != nil {
		return err
	}
	archive, err := bundleFile(localPath)
	if err != nil {
		return err
	}
	s.logger.Debug("copying into environment",
		zap.String("src", localPath),
		zap.String("dest", remotePath))
	return s.runtime.CopyTo(ctx, handle, dir, archive)
}

// CopyFrom fetches the remote path from the environment and unpacks it
// into the local path's parent directory.
func (s *Session) CopyFrom(ctx context.Context, remotePath, localPath string) error {
	handle, err := s.liveHandle()
	if err != nil {
		return err
	}
	rc, _, err := s.runtime.CopyFrom(ctx, handle, remotePath)
	if err != nil {
		return err
	}
	defer rc.Close()

	localDir := filepath.Dir(localPath)
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return fmt.Errorf("creating local directory: %w", err)
	}
	s.logger.Debug("copying from environment",
		zap.String("src", remotePath),
		zap.String("dest", localPath))
	return unpackArchive(rc, localDir)
}

// ExecuteCommand runs a raw shell command in the environment, optionally
// in workdir. A non-zero exit is data in the ConsoleOutput.
func (s *Session) ExecuteCommand(ctx context.Context, command, workdir string) (ConsoleOutput, error) {
	if command == "" {
		return ConsoleOutput{}, fmt.Errorf("command cannot be empty")
	}
	handle, err := s.liveHandle()
	if err != nil {
		return ConsoleOutput{}, err
	}

	out, err := s.runtime.Exec(ctx, handle, command, workdir)
	if err != nil {
		return ConsoleOutput{}, err
	}
	logFn := s.logger.Debug
	if s.verbose {
		logFn = s.logger.Info
	}
	logFn("executed command",
		zap.String("command", command),
		zap.Int("exit_code", out.ExitCode),
		zap.String("stdout", out.Stdout),
		zap.String("stderr", out.Stderr))
	return out, nil
}

// Close tears the environment down: optionally commits it to the retained
// tag, force-removes the container, and removes a freshly created image
// when the retention policy discards it and no other environment still
// references it. Idempotent; a second call is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	handle := s.handle
	s.handle = ""
	img := s.imageRef
	created := s.createdTemplate
	s.mu.Unlock()

	var errs []error
	if handle != "" {
		if s.retention.CommitOnClose && img.Tag != "" {
			if err := s.runtime.Commit(ctx, handle, img.Tag); err != nil {
				s.logger.Warn("commit on close failed", zap.Error(err))
			}
		}
		if err := s.runtime.RemoveEnvironment(ctx, handle); err != nil {
			errs = append(errs, err)
		}
	}

	if created && !s.retention.KeepTemplate {
		removed, err := s.runtime.RemoveImageIfUnused(ctx, img)
		if err != nil {
			errs = append(errs, err)
		} else if !removed {
			s.logger.Info("image still referenced, skipping removal",
				zap.String("image", img.Tag))
		}
	}

	s.logger.Info("session closed", zap.String("language", string(s.lang)))
	return errors.Join(errs...)
}
