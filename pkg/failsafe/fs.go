package failsafe

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/sambigeara/lonip/pkg/perm"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600
)

var ErrNotExist = fs.ErrNotExist

// FS is the non-volatile byte store the fail-safe protocol runs on. Every
// WriteFile is durable once it returns; Sync flushes directory metadata
// (renames and removals).
type FS interface {
	Exists(name string) (bool, error)
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, parts ...[]byte) error
	Rename(oldname, newname string) error
	Remove(name string) error
	Sync() error
}

// OSFS stores files under Dir.
type OSFS struct {
	Dir string
}

var _ FS = (*OSFS)(nil)

func NewOSFS(dir string) (*OSFS, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &OSFS{Dir: dir}, nil
}

func (o *OSFS) path(name string) string {
	return filepath.Join(o.Dir, name)
}

func (o *OSFS) Exists(name string) (bool, error) {
	_, err := os.Stat(o.path(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (o *OSFS) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(o.path(name))
}

func (o *OSFS) WriteFile(name string, parts ...[]byte) error {
	t, err := renameio.NewPendingFile(o.path(name), renameio.WithPermissions(filePerm))
	if err != nil {
		return err
	}
	defer t.Cleanup() //nolint:errcheck

	for _, p := range parts {
		if _, err := t.Write(p); err != nil {
			return err
		}
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return err
	}
	return perm.SetGroupReadable(o.path(name))
}

func (o *OSFS) Rename(oldname, newname string) error {
	return os.Rename(o.path(oldname), o.path(newname))
}

func (o *OSFS) Remove(name string) error {
	err := os.Remove(o.path(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (o *OSFS) Sync() error {
	d, err := os.Open(o.Dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}

// MemFS is an in-memory FS. A fault can be armed to fail every mutating
// operation after a given count, which models power loss part way through
// a write sequence.
type MemFS struct {
	files     map[string][]byte
	failAfter int
	ops       int
	mu        sync.Mutex
}

var (
	_ FS = (*MemFS)(nil)

	ErrInjected = errors.New("injected storage fault")
)

func NewMemFS() *MemFS {
	return &MemFS{files: make(map[string][]byte), failAfter: -1}
}

// FailAfter arms a fault: the first n mutating operations succeed and
// every later one fails until Reset.
func (m *MemFS) FailAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	m.ops = 0
}

// Reset disarms any fault.
func (m *MemFS) Reset() {
	m.FailAfter(-1)
}

// Ops returns the number of mutating operations attempted since the last
// FailAfter or Reset.
func (m *MemFS) Ops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops
}

// Names returns the stored file names.
func (m *MemFS) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files))
	for k := range m.files {
		out = append(out, k)
	}
	return out
}

func (m *MemFS) mutate() error {
	m.ops++
	if m.failAfter >= 0 && m.ops > m.failAfter {
		return ErrInjected
	}
	return nil
}

func (m *MemFS) Exists(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[name]
	return ok, nil
}

func (m *MemFS) ReadFile(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotExist)
	}
	return append([]byte(nil), b...), nil
}

func (m *MemFS) WriteFile(name string, parts ...[]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mutate(); err != nil {
		return err
	}
	var b []byte
	for _, p := range parts {
		b = append(b, p...)
	}
	m.files[name] = b
	return nil
}

func (m *MemFS) Rename(oldname, newname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mutate(); err != nil {
		return err
	}
	b, ok := m.files[oldname]
	if !ok {
		return fmt.Errorf("rename %s: %w", oldname, ErrNotExist)
	}
	m.files[newname] = b
	delete(m.files, oldname)
	return nil
}

func (m *MemFS) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mutate(); err != nil {
		return err
	}
	delete(m.files, name)
	return nil
}

func (m *MemFS) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutate()
}
