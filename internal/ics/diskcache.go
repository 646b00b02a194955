package ics

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

const (
	cacheMetaFile = "meta.json"
	cacheBodyFile = "body.ics"
)

// cacheEntry is the conditional-request state for one URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`

	body []byte
}

// diskCache stores one directory per URL, named by a hash of the URL.
type diskCache struct {
	dir string
}

func (c *diskCache) pathFor(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:8]))
}

// load returns the cached entry for url. A missing entry is not an error.
// Metadata is only trusted when the body is present.
func (c *diskCache) load(url string) (cacheEntry, error) {
	dir := c.pathFor(url)

	body, err := os.ReadFile(filepath.Join(dir, cacheBodyFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cacheEntry{}, nil
		}
		return cacheEntry{}, err
	}

	entry := cacheEntry{body: body}
	data, err := os.ReadFile(filepath.Join(dir, cacheMetaFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entry, nil
		}
		return entry, err
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return cacheEntry{body: body}, err
	}
	return entry, nil
}

// save writes body first, then metadata, each by rename, so metadata never
// describes a body that is not on disk.
func (c *diskCache) save(e cacheEntry) error {
	dir := c.pathFor(e.URL)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, cacheBodyFile), e.body); err != nil {
		return err
	}

	e.UpdatedAt = time.Now().UTC()
	meta, err := json.MarshalIndent(&e, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, cacheMetaFile), meta)
}

func writeFileAtomic(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
