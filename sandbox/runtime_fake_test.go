package sandbox

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"
)

// execCall records one Exec invocation against the fake runtime.
type execCall struct {
	command string
	workdir string
}

// fakeRuntime implements ContainerRuntime in memory for session tests:
// scripted exec results, stored remote files, and a live-environment count
// per image backing the in-use check.
type fakeRuntime struct {
	mu sync.Mutex

	image      ImageRef
	created    bool
	resolveErr error
	startErr   error

	execs       []execCall
	results     map[string]ConsoleOutput
	execErr     map[string]error
	execDelay   map[string]time.Duration
	remoteFiles map[string][]byte
	remoteDirs  map[string]bool

	envSeq        int
	liveByImage   map[string]int
	removedEnvs   []string
	committed     []string
	removedImages []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		image:       ImageRef{ID: "sha256:fake", Tag: "fake:latest"},
		results:     make(map[string]ConsoleOutput),
		execErr:     make(map[string]error),
		execDelay:   make(map[string]time.Duration),
		remoteFiles: make(map[string][]byte),
		remoteDirs:  make(map[string]bool),
		liveByImage: make(map[string]int),
	}
}

func (f *fakeRuntime) ResolveImage(_ context.Context, _ ImageSpec) (ImageRef, bool, error) {
	if f.resolveErr != nil {
		return ImageRef{}, false, f.resolveErr
	}
	return f.image, f.created, nil
}

func (f *fakeRuntime) StartEnvironment(_ context.Context, img ImageRef, _ StartOptions) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envSeq++
	f.liveByImage[img.ID]++
	return fmt.Sprintf("env-%d", f.envSeq), nil
}

func (f *fakeRuntime) Exec(_ context.Context, _, command, workdir string) (ConsoleOutput, error) {
	f.mu.Lock()
	f.execs = append(f.execs, execCall{command: command, workdir: workdir})
	delay := f.execDelay[command]
	out, err := f.execLocked(command)
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return out, err
}

func (f *fakeRuntime) execLocked(command string) (ConsoleOutput, error) {
	if err, ok := f.execErr[command]; ok {
		return ConsoleOutput{}, err
	}
	if strings.HasPrefix(command, "test -d ") {
		dir := strings.TrimPrefix(command, "test -d ")
		if f.remoteDirs[dir] {
			return ConsoleOutput{ExitCode: 0}, nil
		}
		return ConsoleOutput{ExitCode: 1}, nil
	}
	if strings.HasPrefix(command, "mkdir -p ") {
		f.remoteDirs[strings.TrimPrefix(command, "mkdir -p ")] = true
		return ConsoleOutput{}, nil
	}
	if out, ok := f.results[command]; ok {
		return out, nil
	}
	return ConsoleOutput{}, nil
}

func (f *fakeRuntime) CopyTo(_ context.Context, _, destDir string, archive io.Reader) error {
	tr := newTarEntries(archive)
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, content := range tr {
		f.remoteFiles[path.Join(destDir, name)] = content
	}
	return nil
}

func (f *fakeRuntime) CopyFrom(_ context.Context, _, srcPath string) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	content, ok := f.remoteFiles[srcPath]
	f.mu.Unlock()
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrRemoteFileNotFound, srcPath)
	}
	archive, err := bundleBytes(path.Base(srcPath), 0o644, content)
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(archive), int64(len(content)), nil
}

func (f *fakeRuntime) Commit(_ context.Context, _, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, tag)
	return nil
}

func (f *fakeRuntime) RemoveEnvironment(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedEnvs = append(f.removedEnvs, handle)
	if f.liveByImage[f.image.ID] > 0 {
		f.liveByImage[f.image.ID]--
	}
	return nil
}

func (f *fakeRuntime) RemoveImageIfUnused(_ context.Context, img ImageRef) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.liveByImage[img.ID] > 0 {
		return false, nil
	}
	f.removedImages = append(f.removedImages, img.ID)
	return true, nil
}

// commands returns the recorded exec commands in order.
func (f *fakeRuntime) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmds := make([]string, len(f.execs))
	for i, c := range f.execs {
		cmds[i] = c.command
	}
	return cmds
}

// newTarEntries reads every regular file from a tar stream.
func newTarEntries(archive io.Reader) map[string][]byte {
	entries := make(map[string][]byte)
	tr := tar.NewReader(archive)
	for {
		hdr, err := tr.Next()
		if err != nil {
			return entries
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return entries
		}
		entries[hdr.Name] = content
	}
}
