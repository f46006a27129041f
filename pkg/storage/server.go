package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// ServerBackend stores files below a root directory that is mounted on the
// machine running the worker. Host is informational.
type ServerBackend struct {
	name string
	host string
	root string
}

func NewServerBackend(name, host, root string) (*ServerBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("server storage '%s' requires a root path", name)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", root, err)
	}
	return &ServerBackend{name: name, host: host, root: absRoot}, nil
}

func (b *ServerBackend) Name() string {
	return b.name
}

func (b *ServerBackend) Root() string {
	return b.root
}

func (b *ServerBackend) fullPath(p string) (string, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(b.root, filepath.FromSlash(cleaned)), nil
}

func (b *ServerBackend) Exists(ctx context.Context, p string) (bool, error) {
	_, err := b.Stat(ctx, p)
	if err == nil {
		return true, nil
	}
	if isNotExist(err) {
		return false, nil
	}
	return false, err
}

func (b *ServerBackend) Stat(ctx context.Context, p string) (*FileInfo, error) {
	full, err := b.fullPath(p)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notExist(b.name, p)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", full, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("'%s' on storage '%s' is a directory", p, b.name)
	}

	return &FileInfo{
		Path:    p,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

func (b *ServerBackend) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	full, err := b.fullPath(p)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notExist(b.name, p)
		}
		return nil, fmt.Errorf("failed to open file %s: %w", full, err)
	}
	return file, nil
}

func (b *ServerBackend) Stage(ctx context.Context, p string, r io.Reader, size int64) (*Staged, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	temp := StagingPath(cleaned)
	full := filepath.Join(b.root, filepath.FromSlash(temp))

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", full, err)
	}

	file, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", full, err)
	}

	written, err := io.Copy(file, r)
	if err == nil {
		err = file.Sync()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(full)
		return nil, fmt.Errorf("failed to write %s: %w", full, err)
	}

	return &Staged{Path: cleaned, TempPath: temp, Size: written}, nil
}

func (b *ServerBackend) Commit(ctx context.Context, staged *Staged) error {
	from, err := b.fullPath(staged.TempPath)
	if err != nil {
		return err
	}
	to, err := b.fullPath(staged.Path)
	if err != nil {
		return err
	}

	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("failed to commit %s: %w", to, err)
	}
	return nil
}

func (b *ServerBackend) Discard(ctx context.Context, staged *Staged) error {
	return b.Delete(ctx, staged.TempPath)
}

func (b *ServerBackend) Delete(ctx context.Context, p string) error {
	full, err := b.fullPath(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", full, err)
	}
	return nil
}

func (b *ServerBackend) List(ctx context.Context, prefix string) ([]FileInfo, error) {
	start := b.root
	if prefix != "" {
		cleaned, err := CleanPath(prefix)
		if err != nil {
			return nil, err
		}
		start = filepath.Join(b.root, filepath.FromSlash(cleaned))
	}

	var files []FileInfo
	err := filepath.WalkDir(start, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && full == start {
				return fs.SkipAll
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(b.root, full)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if IsStagingPath(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, FileInfo{Path: rel, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error walking directory %s: %w", start, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
