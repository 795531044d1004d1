package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// DockerRuntime implements ContainerRuntime against the Docker Engine API.
// Podman's Docker-compatible socket works through the same client, so there
// is no separate backend for it.
type DockerRuntime struct {
	cli    client.APIClient
	logger *zap.Logger
}

// DockerRuntimeOption is a functional option for DockerRuntime.
type DockerRuntimeOption func(*DockerRuntime)

// WithDockerClient sets the Engine API client, overriding the one built
// from the local Docker context.
func WithDockerClient(cli client.APIClient) DockerRuntimeOption {
	return func(d *DockerRuntime) {
		d.cli = cli
	}
}

// NewDockerRuntime creates a DockerRuntime from the local Docker context
// unless a client is supplied via options.
func NewDockerRuntime(logger *zap.Logger, opts ...DockerRuntimeOption) (*DockerRuntime, error) {
	d := &DockerRuntime{logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	if d.cli == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("creating docker client: %w", err)
		}
		d.cli = cli
	}
	return d, nil
}

// ResolveImage makes the spec's image available locally. A registry
// reference is pulled only when absent; a Dockerfile spec is always built.
// created is true when the image was pulled or built fresh.
func (d *DockerRuntime) ResolveImage(ctx context.Context, spec ImageSpec) (ImageRef, bool, error) {
	if spec.Dockerfile != "" {
		return d.buildImage(ctx, spec)
	}

	if inspect, err := d.cli.ImageInspect(ctx, spec.Ref); err == nil {
		d.logger.Debug("using local image", zap.String("image", spec.Ref))
		return ImageRef{ID: inspect.ID, Tag: spec.Ref}, false, nil
	}

	d.logger.Info("pulling image", zap.String("image", spec.Ref))
	rc, err := d.cli.ImagePull(ctx, spec.Ref, image.PullOptions{})
	if err != nil {
		return ImageRef{}, false, &ProvisionError{Image: spec.Ref, Err: err}
	}
	// The pull is complete only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		rc.Close()
		return ImageRef{}, false, &ProvisionError{Image: spec.Ref, Err: err}
	}
	rc.Close()

	inspect, err := d.cli.ImageInspect(ctx, spec.Ref)
	if err != nil {
		return ImageRef{}, false, &ProvisionError{Image: spec.Ref, Err: err}
	}
	return ImageRef{ID: inspect.ID, Tag: spec.Ref}, true, nil
}

func (d *DockerRuntime) buildImage(ctx context.Context, spec ImageSpec) (ImageRef, bool, error) {
	dir := filepath.Dir(spec.Dockerfile)
	tag := spec.Tag
	if tag == "" {
		tag = "sandbox-" + filepath.Base(dir)
	}

	d.logger.Info("building image",
		zap.String("dockerfile", spec.Dockerfile),
		zap.String("tag", tag))

	buildCtx, err := bundleDir(dir)
	if err != nil {
		return ImageRef{}, false, &ProvisionError{Image: tag, Err: err}
	}
	resp, err := d.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: filepath.Base(spec.Dockerfile),
		Remove:     true,
	})
	if err != nil {
		return ImageRef{}, false, &ProvisionError{Image: tag, Err: err}
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		resp.Body.Close()
		return ImageRef{}, false, &ProvisionError{Image: tag, Err: err}
	}
	resp.Body.Close()

	inspect, err := d.cli.ImageInspect(ctx, tag)
	if err != nil {
		return ImageRef{}, false, &ProvisionError{Image: tag, Err: err}
	}
	return ImageRef{ID: inspect.ID, Tag: tag}, true, nil
}

// StartEnvironment creates and starts a container from the resolved image.
func (d *DockerRuntime) StartEnvironment(ctx context.Context, img ImageRef, opts StartOptions) (string, error) {
	var mounts []mount.Mount
	for _, m := range opts.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	hostCfg := &container.HostConfig{Mounts: mounts}
	if opts.MemoryMB > 0 {
		hostCfg.Resources = container.Resources{Memory: opts.MemoryMB << 20}
	}

	created, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: img.Tag,
		Tty:   true,
	}, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return "", &EnvironmentStartError{Image: img.Tag, Err: err}
	}
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", &EnvironmentStartError{Image: img.Tag, Err: err}
	}

	d.logger.Debug("environment started",
		zap.String("container", created.ID),
		zap.String("image", img.Tag))
	return created.ID, nil
}

// Exec runs one shell command inside the container and demultiplexes its
// output streams.
func (d *DockerRuntime) Exec(ctx context.Context, handle, command, workdir string) (ConsoleOutput, error) {
	execCfg := container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   workdir,
	}
	exec, err := d.cli.ContainerExecCreate(ctx, handle, execCfg)
	if err != nil {
		return ConsoleOutput{}, fmt.Errorf("creating exec: %w", err)
	}
	attach, err := d.cli.ContainerExecAttach(ctx, exec.ID, container.ExecStartOptions{})
	if err != nil {
		return ConsoleOutput{}, fmt.Errorf("attaching exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return ConsoleOutput{}, fmt.Errorf("reading exec output: %w", err)
	}
	inspect, err := d.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return ConsoleOutput{}, fmt.Errorf("inspecting exec: %w", err)
	}
	return ConsoleOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// CopyTo unpacks a tar stream at destDir inside the container.
func (d *DockerRuntime) CopyTo(ctx context.Context, handle, destDir string, archive io.Reader) error {
	if err := d.cli.CopyToContainer(ctx, handle, destDir, archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copying into environment: %w", err)
	}
	return nil
}

// CopyFrom fetches srcPath from the container as a tar stream. A missing
// path, or one the daemon reports as zero-size, yields
// ErrRemoteFileNotFound.
func (d *DockerRuntime) CopyFrom(ctx context.Context, handle, srcPath string) (io.ReadCloser, int64, error) {
	rc, stat, err := d.cli.CopyFromContainer(ctx, handle, srcPath)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrRemoteFileNotFound, srcPath)
		}
		return nil, 0, fmt.Errorf("copying from environment: %w", err)
	}
	if stat.Size == 0 {
		rc.Close()
		return nil, 0, fmt.Errorf("%w: %s", ErrRemoteFileNotFound, srcPath)
	}
	return rc, stat.Size, nil
}

// Commit persists the container's state into the image tag.
func (d *DockerRuntime) Commit(ctx context.Context, handle, tag string) error {
	if _, err := d.cli.ContainerCommit(ctx, handle, container.CommitOptions{Reference: tag}); err != nil {
		return fmt.Errorf("committing environment: %w", err)
	}
	return nil
}

// RemoveEnvironment force-removes the container. An already-removed
// container is not an error.
func (d *DockerRuntime) RemoveEnvironment(ctx context.Context, handle string) error {
	err := d.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing environment: %w", err)
	}
	return nil
}

// RemoveImageIfUnused removes the image unless another container still
// references it, and reports whether removal happened. The in-use check is
// a snapshot of the container list, not transactional with the removal, so
// two sessions closing concurrently over a shared image can race.
func (d *DockerRuntime) RemoveImageIfUnused(ctx context.Context, img ImageRef) (bool, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return false, fmt.Errorf("listing environments: %w", err)
	}
	for _, c := range containers {
		if c.ImageID == img.ID {
			d.logger.Debug("image in use, skipping removal",
				zap.String("image", img.Tag),
				zap.String("container", c.ID))
			return false, nil
		}
	}
	if _, err := d.cli.ImageRemove(ctx, img.ID, image.RemoveOptions{Force: true}); err != nil {
		return false, fmt.Errorf("removing image: %w", err)
	}
	return true, nil
}
