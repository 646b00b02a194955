package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"hwmirror/internal/apperr"
)

// Local implements Store on the local file system.
type Local struct {
	root string // absolute path
}

// NewLocal creates a Local store rooted at dir, creating dir if needed.
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, errors.New("store: local dir is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("store: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("store: create root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("store: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("store: root is not a directory: %s", abs)
	}
	return &Local{root: abs}, nil
}

func (l *Local) Name() string { return "local" }

// safePath resolves p against the root and rejects anything escaping it.
func (l *Local) safePath(p string) (string, error) {
	if p == "" {
		return l.root, nil
	}
	cleaned := filepath.Clean(filepath.FromSlash(p))
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("store: absolute paths not allowed: %s", p)
	}
	abs := filepath.Join(l.root, cleaned)
	if !strings.HasPrefix(abs, l.root+string(os.PathSeparator)) && abs != l.root {
		return "", fmt.Errorf("store: path escapes root: %s", p)
	}
	return abs, nil
}

func (l *Local) Read(_ context.Context, p string) ([]byte, error) {
	abs, err := l.safePath(p)
	if err != nil {
		return nil, apperr.NewStore("read", p, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, apperr.NewStore("read", p, err)
	}
	return data, nil
}

func (l *Local) Write(_ context.Context, p string, data []byte) error {
	abs, err := l.safePath(p)
	if err != nil {
		return apperr.NewStore("write", p, err)
	}
	if err := writeAtomic(abs, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		return apperr.NewStore("write", p, err)
	}
	return nil
}

func (l *Local) Exists(_ context.Context, p string) (bool, error) {
	abs, err := l.safePath(p)
	if err != nil {
		return false, apperr.NewStore("exists", p, err)
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, apperr.NewStore("exists", p, err)
	}
	return true, nil
}

func (l *Local) MakeDir(_ context.Context, p string) error {
	abs, err := l.safePath(p)
	if err != nil {
		return apperr.NewStore("mkdir", p, err)
	}
	// MkdirAll is a no-op for an existing directory and fails if any path
	// element is a regular file.
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return apperr.NewStore("mkdir", p, err)
	}
	return nil
}

func (l *Local) Upload(_ context.Context, p string, localFile string) error {
	abs, err := l.safePath(p)
	if err != nil {
		return apperr.NewStore("upload", p, err)
	}
	src, err := os.Open(localFile)
	if err != nil {
		return apperr.NewStore("upload", p, err)
	}
	defer src.Close()

	if err := writeAtomic(abs, func(w io.Writer) error {
		_, err := io.Copy(w, src)
		return err
	}); err != nil {
		return apperr.NewStore("upload", p, err)
	}
	return nil
}

// writeAtomic writes through a temp file in the target directory, then
// fsyncs and renames it over dst. A failed write never replaces dst.
func writeAtomic(dst string, fill func(io.Writer) error) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".hwmirror-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err := fill(tmp); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	success = true
	return nil
}
