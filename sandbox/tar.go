package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// bundleFile packs a single local file into an in-memory tar archive,
// preserving only its base name. This is the host-to-environment half of
// the transfer protocol.
func bundleFile(localPath string) (io.Reader, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", localPath, err)
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", localPath, err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    filepath.Base(localPath),
		Mode:    int64(info.Mode().Perm()),
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return nil, fmt.Errorf("writing tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar: %w", err)
	}
	return bytes.NewReader(buf.Bytes()), nil
}

// bundleBytes packs raw content into a tar archive under the given name
// and mode, for shipping generated files (e.g. the sampler script) without
// touching the host filesystem twice.
func bundleBytes(name string, mode int64, content []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    name,
		Mode:    mode,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return nil, fmt.Errorf("writing tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar: %w", err)
	}
	return bytes.NewReader(buf.Bytes()), nil
}

// bundleDir packs a directory tree into an in-memory tar archive with
// entries relative to srcDir. Used as the build context for
// Dockerfile-based image specs.
func bundleDir(srcDir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, path)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bundling %s: %w", srcDir, err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar: %w", err)
	}
	return bytes.NewReader(buf.Bytes()), nil
}

// hasParentSegment reports whether any path segment of a cleaned path is
// "..". File names that merely contain consecutive dots are legal.
func hasParentSegment(clean string) bool {
	for _, seg := range strings.Split(clean, string(os.PathSeparator)) {
		if seg == ".." {
			return true
		}
	}
	return false
}

// unpackArchive extracts a tar stream into destDir. Entries escaping the
// destination (absolute paths, ".." segments) are rejected. This is the
// environment-to-host half of the transfer protocol.
func unpackArchive(archive io.Reader, destDir string) error {
	tr := tar.NewReader(archive)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tar: %w", err)
		}

		clean := filepath.Clean(hdr.Name)
		if filepath.IsAbs(hdr.Name) || hasParentSegment(clean) {
			return fmt.Errorf("unsafe path in tar: %s", hdr.Name)
		}
		target := filepath.Join(destDir, clean)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) && target != filepath.Clean(destDir) {
			return fmt.Errorf("invalid path in tar: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("creating directory: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("creating parent directories: %w", err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return fmt.Errorf("creating file: %w", err)
			}
			if _, err := io.Copy(f, tr); err != nil { //nolint:gosec // bounded sampler/artifact feeds
				f.Close()
				return fmt.Errorf("writing file: %w", err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("closing file: %w", err)
			}
		default:
			return fmt.Errorf("unsupported entry type in tar: %c", hdr.Typeflag)
		}
	}
	return nil
}
