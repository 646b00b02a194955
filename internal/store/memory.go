package store

import (
	"context"
	"os"
	"path"
	"sort"
	"sync"

	"hwmirror/internal/apperr"
)

// Memory is an in-process Store. It backs --dry-run previews and tests, and
// counts mutating operations so callers can assert on side effects.
type Memory struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool

	writes  int
	uploads int

	// FailOn, if set, is consulted before every operation; a non-nil return
	// makes that operation fail with a StoreError.
	FailOn func(op, p string) error
}

func NewMemory() *Memory {
	return &Memory{
		files: make(map[string][]byte),
		dirs:  make(map[string]bool),
	}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) fail(op, p string) error {
	if m.FailOn == nil {
		return nil
	}
	if err := m.FailOn(op, p); err != nil {
		return apperr.NewStore(op, p, err)
	}
	return nil
}

func (m *Memory) Read(_ context.Context, p string) ([]byte, error) {
	if err := m.fail("read", p); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path.Clean(p)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Write(_ context.Context, p string, data []byte) error {
	if err := m.fail("write", p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path.Clean(p)] = append([]byte(nil), data...)
	m.writes++
	return nil
}

func (m *Memory) Exists(_ context.Context, p string) (bool, error) {
	if err := m.fail("exists", p); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p = path.Clean(p)
	_, isFile := m.files[p]
	return isFile || m.dirs[p], nil
}

func (m *Memory) MakeDir(_ context.Context, p string) error {
	if err := m.fail("mkdir", p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p = path.Clean(p)
	if _, isFile := m.files[p]; isFile {
		return apperr.NewStore("mkdir", p, os.ErrExist)
	}
	m.dirs[p] = true
	return nil
}

func (m *Memory) Upload(_ context.Context, p string, localFile string) error {
	if err := m.fail("upload", p); err != nil {
		return err
	}
	data, err := os.ReadFile(localFile)
	if err != nil {
		return apperr.NewStore("upload", p, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path.Clean(p)] = data
	m.uploads++
	return nil
}

// Writes returns the number of successful Write calls.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Uploads returns the number of successful Upload calls.
func (m *Memory) Uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}

// Files returns a copy of all stored values keyed by path.
func (m *Memory) Files() map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.files))
	for k, v := range m.files {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// Paths returns all stored file paths in sorted order.
func (m *Memory) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files))
	for k := range m.files {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
