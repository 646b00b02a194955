// Package store defines the persistence capability set used by the mirror
// and its backends (local disk, S3-compatible object store, in-memory).
//
// All paths are slash-separated and relative to the backend's root. Records
// are opaque byte blobs; writes always replace the whole value.
package store

import (
	"context"
	"fmt"
	"path"

	"hwmirror/internal/config"
)

// Store is the capability set every backend provides.
type Store interface {
	// Read returns the bytes at p. A missing path yields (nil, nil).
	Read(ctx context.Context, p string) ([]byte, error)
	// Write replaces the value at p.
	Write(ctx context.Context, p string, data []byte) error
	// Exists reports whether p is present.
	Exists(ctx context.Context, p string) (bool, error)
	// MakeDir creates directory p. It succeeds silently if p already exists
	// as a directory.
	MakeDir(ctx context.Context, p string) error
	// Upload copies the local file at localFile to p.
	Upload(ctx context.Context, p string, localFile string) error
	// Name identifies the backend in logs and metrics.
	Name() string
}

const (
	calendarFile  = "calendar.ics"
	digestFile    = "snapshot.sha256"
	homeworkFile  = "homework.json"
	downloadsFile = "downloaded_video.json"
)

// Layout maps logical records onto store paths under Root.
type Layout struct {
	Root string
}

func (l Layout) CalendarPath() string {
	return path.Join(l.Root, calendarFile)
}

// DigestPath holds the digest of the day buckets last reconciled in full.
func (l Layout) DigestPath() string {
	return path.Join(l.Root, digestFile)
}

func (l Layout) DateDir(dateKey string) string {
	return path.Join(l.Root, dateKey)
}

func (l Layout) HomeworkPath(dateKey string) string {
	return path.Join(l.Root, dateKey, homeworkFile)
}

func (l Layout) DownloadsPath(dateKey string) string {
	return path.Join(l.Root, dateKey, downloadsFile)
}

// ArtifactPath is where a fetched video named filename is stored for a date.
// Only the base name of filename is used.
func (l Layout) ArtifactPath(dateKey, filename string) string {
	return path.Join(l.Root, dateKey, path.Base(filename))
}

// Open selects the backend named in cfg. It is called once at composition
// time; the resulting Store is passed explicitly to its users.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case config.BackendLocal:
		return NewLocal(cfg.LocalDir)
	case config.BackendS3:
		return NewS3(ctx, cfg.S3)
	case config.BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}
