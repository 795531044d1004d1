package sandbox

import (
	"context"
	"io"
)

// ConsoleOutput is the immutable result of one command execution inside an
// environment. A non-zero exit code or populated stderr is data, not a
// transport error; transport errors are returned separately.
type ConsoleOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ImageSpec names the base image for an environment: either a registry
// reference to pull, or a Dockerfile to build (with the tag the built image
// receives). Exactly one of Ref and Dockerfile is set.
type ImageSpec struct {
	Ref        string
	Dockerfile string
	Tag        string
}

// ImageRef identifies a resolved local image.
type ImageRef struct {
	ID  string
	Tag string
}

// Mount binds a host path into the environment.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// StartOptions carries resource limits and mounts for a new environment.
type StartOptions struct {
	Name     string
	Mounts   []Mount
	MemoryMB int64
}

// ContainerRuntime is the capability interface a Session drives. Variants
// exist per environment backend; the Session never depends on a concrete
// one.
type ContainerRuntime interface {
	// ResolveImage makes the spec's image available locally, pulling or
	// building as needed. created reports whether the image was fetched
	// or built fresh (as opposed to already present), which feeds the
	// retention decision at close.
	ResolveImage(ctx context.Context, spec ImageSpec) (img ImageRef, created bool, err error)

	// StartEnvironment starts a live environment from a resolved image
	// and returns its opaque handle.
	StartEnvironment(ctx context.Context, img ImageRef, opts StartOptions) (string, error)

	// Exec runs one shell command inside the environment, optionally in
	// workdir, and returns demultiplexed stdout/stderr with the exit
	// code.
	Exec(ctx context.Context, handle, command, workdir string) (ConsoleOutput, error)

	// CopyTo unpacks a tar archive stream at destDir inside the
	// environment. destDir must already exist.
	CopyTo(ctx context.Context, handle, destDir string, archive io.Reader) error

	// CopyFrom fetches srcPath from the environment as a tar archive
	// stream along with the reported size. A missing path yields
	// ErrRemoteFileNotFound.
	CopyFrom(ctx context.Context, handle, srcPath string) (io.ReadCloser, int64, error)

	// Commit persists the environment's current state into the image
	// tag.
	Commit(ctx context.Context, handle, tag string) error

	// RemoveEnvironment force-removes the environment. Removing an
	// already-gone environment is not an error.
	RemoveEnvironment(ctx context.Context, handle string) error

	// RemoveImageIfUnused removes the image unless another existing
	// environment still references it, and reports whether removal
	// happened. The in-use check is a point-in-time snapshot, not
	// transactional with the removal.
	RemoveImageIfUnused(ctx context.Context, img ImageRef) (bool, error)
}
