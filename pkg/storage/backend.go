// Package storage provides a uniform interface over the physical locations
// that hold file instances.
//
// Writes are two-phase: Stage streams bytes to a hidden temporary name and
// Commit publishes them under the final path. A crash between the two leaves
// no visible partial file.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mwantia/tantalus/pkg/errdefs"
)

const stagingMarker = ".tantalus-"
const stagingSuffix = ".partial"

// FileInfo describes a file as reported by a backend. MD5 is empty when
// the backend cannot report a content checksum without reading the file.
type FileInfo struct {
	Path    string
	Size    int64
	MD5     string
	ModTime time.Time
}

// Staged is a file written under a temporary name awaiting Commit or Discard.
type Staged struct {
	Path     string
	TempPath string
	Size     int64
}

// Backend is the capability set shared by every storage variant.
// All operations are safe to retry.
type Backend interface {
	Name() string

	// Exists reports whether path holds a committed file.
	Exists(ctx context.Context, path string) (bool, error)
	// Stat fails with errdefs.ErrFileDoesNotExist when path is absent.
	Stat(ctx context.Context, path string) (*FileInfo, error)
	// Open fails with errdefs.ErrFileDoesNotExist when path is absent.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	Stage(ctx context.Context, path string, r io.Reader, size int64) (*Staged, error)
	Commit(ctx context.Context, staged *Staged) error
	Discard(ctx context.Context, staged *Staged) error

	// Delete removes path. Deleting a missing file is not an error.
	Delete(ctx context.Context, path string) error
	// List returns committed files below prefix.
	List(ctx context.Context, prefix string) ([]FileInfo, error)
}

// CopyTo streams path from src into a staged file on dst. The caller
// verifies the staged copy and then commits or discards it.
func CopyTo(ctx context.Context, src, dst Backend, path string) (*Staged, error) {
	info, err := src.Stat(ctx, path)
	if err != nil {
		return nil, err
	}

	reader, err := src.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	staged, err := dst.Stage(ctx, path, &contextReader{ctx: ctx, r: reader}, info.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to stage '%s' on '%s': %w", path, dst.Name(), err)
	}

	if staged.Size != info.Size {
		_ = dst.Discard(ctx, staged)
		return nil, fmt.Errorf("short copy of '%s' to '%s': wrote %d of %d bytes",
			path, dst.Name(), staged.Size, info.Size)
	}

	return staged, nil
}

// StagingPath returns a unique hidden sibling name for path.
func StagingPath(p string) string {
	dir, file := path.Split(p)
	return dir + "." + file + stagingMarker + uuid.NewString() + stagingSuffix
}

// IsStagingPath reports whether p was produced by StagingPath.
func IsStagingPath(p string) bool {
	return strings.HasSuffix(p, stagingSuffix) && strings.Contains(path.Base(p), stagingMarker)
}

// CleanPath normalizes a logical file path and rejects paths escaping the storage root.
func CleanPath(p string) (string, error) {
	slashed := strings.ReplaceAll(p, "\\", "/")
	for _, segment := range strings.Split(slashed, "/") {
		if segment == ".." {
			return "", fmt.Errorf("path '%s' escapes the storage root", p)
		}
	}

	cleaned := strings.TrimPrefix(path.Clean("/"+slashed), "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("invalid path '%s'", p)
	}
	return cleaned, nil
}

func notExist(storage, p string) error {
	return fmt.Errorf("%w: '%s' on storage '%s'", errdefs.ErrFileDoesNotExist, p, storage)
}

func isNotExist(err error) bool {
	return errors.Is(err, errdefs.ErrFileDoesNotExist)
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
