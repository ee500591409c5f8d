package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
)

// Local stores objects on the local filesystem under a root directory.
// Atomic installs rely on same-filesystem renames.
type Local struct {
	root string
}

// NewLocal creates a local backend rooted at the given directory,
// creating it if missing.
func NewLocal(root string) (*Local, error) {
	for _, dir := range []string{root, filepath.Join(root, "blobs"), filepath.Join(root, "uploads")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}
	log.Debug("Local storage initialized", "root", root)
	return &Local{root: root}, nil
}

// Root returns the backend's root directory.
func (l *Local) Root() string { return l.root }

func (l *Local) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

func (l *Local) uploadPath(id string) string {
	return l.path(UploadKey(id))
}

func (l *Local) Put(_ context.Context, key string, r io.Reader) (int64, error) {
	path := l.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create parent directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create scratch file: %w", err)
	}

	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to write object: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to flush object: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to install object: %w", err)
	}
	return n, nil
}

// rangeReadCloser bounds reads to a byte range of the underlying file.
type rangeReadCloser struct {
	io.Reader
	closer io.Closer
}

func (r *rangeReadCloser) Close() error { return r.closer.Close() }

func (l *Local) Get(_ context.Context, key string, rng *Range) (io.ReadCloser, error) {
	f, err := os.Open(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}

	if rng == nil {
		return f, nil
	}

	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to seek to range start: %w", err)
	}
	if rng.End < 0 {
		return f, nil
	}
	return &rangeReadCloser{
		Reader: io.LimitReader(f, rng.End-rng.Start+1),
		closer: f,
	}, nil
}

func (l *Local) Stat(_ context.Context, key string) (int64, error) {
	info, err := os.Stat(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrKeyNotFound
		}
		return 0, err
	}
	return info.Size(), nil
}

func (l *Local) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *Local) Delete(_ context.Context, key string) (bool, error) {
	err := os.Remove(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	// Empty shard directories may be left behind.
	return true, nil
}

func (l *Local) InitUpload(_ context.Context, id string) error {
	path := l.uploadPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create upload scratch: %w", err)
	}
	return f.Close()
}

func (l *Local) AppendUpload(_ context.Context, id string, r io.Reader) (int64, error) {
	path := l.uploadPath(id)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrKeyNotFound
		}
		return 0, err
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return 0, fmt.Errorf("failed to append chunk: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync chunk: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (l *Local) UploadSize(_ context.Context, id string) (int64, error) {
	info, err := os.Stat(l.uploadPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrKeyNotFound
		}
		return 0, err
	}
	return info.Size(), nil
}

func (l *Local) CommitUpload(_ context.Context, id, key string) (int64, error) {
	src := l.uploadPath(id)
	dst := l.path(key)

	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrKeyNotFound
		}
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return 0, fmt.Errorf("failed to install upload: %w", err)
	}
	return info.Size(), nil
}

func (l *Local) DiscardUpload(_ context.Context, id string) error {
	err := os.Remove(l.uploadPath(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (l *Local) Walk(ctx context.Context, fn func(ObjectInfo) error) error {
	return filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !IsContentKey(key) || strings.HasSuffix(key, ".tmp") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(ObjectInfo{Key: key, Size: info.Size(), ModTime: info.ModTime()})
	})
}
