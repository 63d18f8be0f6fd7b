// Package tempfs owns the temporary files created while a derivative is
// produced. Every asset belongs to a Scope, and closing the scope removes
// whatever its owners did not release themselves.
package tempfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dunamismax/derivflow/internal/id"
	"github.com/dunamismax/derivflow/internal/media"
	"github.com/spf13/afero"
)

var (
	ErrTempIO      = errors.New("temp file i/o")
	ErrScopeClosed = errors.New("temp scope closed")
)

const maxAllocateAttempts = 3

type Stats struct {
	Allocated int64
	Released  int64
}

// Outstanding is the number of assets allocated but not yet released.
func (s Stats) Outstanding() int64 { return s.Allocated - s.Released }

type Manager struct {
	fs   afero.Fs
	root string

	allocated atomic.Int64
	released  atomic.Int64
}

// NewManager prepares root on fs. An empty root uses the OS temp dir.
func NewManager(fs afero.Fs, root string) (*Manager, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if root == "" {
		root = filepath.Join(os.TempDir(), "derivflow")
	}
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create temp root %s: %v", ErrTempIO, root, err)
	}
	return &Manager{fs: fs, root: root}, nil
}

func (m *Manager) Fs() afero.Fs { return m.fs }
func (m *Manager) Root() string { return m.root }
func (m *Manager) Stats() Stats { return Stats{Allocated: m.allocated.Load(), Released: m.released.Load()} }
func (m *Manager) NewScope() *Scope { return &Scope{manager: m} }

// Scope tracks the assets of a single request.
type Scope struct {
	manager *Manager

	mu        sync.Mutex
	assets    []*Asset
	closed    bool
	allocated int64
	released  int64
}

// Allocate reserves a fresh path with the given extension. Nothing is
// written; the path is for a producer such as an external tool.
func (s *Scope) Allocate(ext string) (*Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrScopeClosed
	}

	fs := s.manager.fs
	for attempt := 0; attempt < maxAllocateAttempts; attempt++ {
		name, err := id.Temp()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTempIO, err)
		}
		if ext = media.NormalizeExtension(ext); ext != "" {
			name += "." + ext
		}
		p := filepath.Join(s.manager.root, name)

		if _, err := fs.Stat(p); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: stat %s: %v", ErrTempIO, p, err)
		}

		a := &Asset{scope: s, path: p}
		s.assets = append(s.assets, a)
		s.allocated++
		s.manager.allocated.Add(1)
		return a, nil
	}
	return nil, fmt.Errorf("%w: could not allocate a unique name", ErrTempIO)
}

// Create allocates an asset and opens it for writing.
func (s *Scope) Create(ext string) (*Asset, afero.File, error) {
	a, err := s.Allocate(ext)
	if err != nil {
		return nil, nil, err
	}
	f, err := s.manager.fs.OpenFile(a.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		_ = a.Release()
		return nil, nil, fmt.Errorf("%w: create %s: %v", ErrTempIO, a.path, err)
	}
	return a, f, nil
}

// Close releases every asset still owned by the scope. It is safe to call
// more than once.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	assets := s.assets
	s.assets = nil
	s.mu.Unlock()

	var errs []error
	for _, a := range assets {
		if err := a.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scope) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Allocated: s.allocated, Released: s.released}
}

func (s *Scope) markReleased() {
	s.mu.Lock()
	s.released++
	s.mu.Unlock()
	s.manager.released.Add(1)
}

// Asset is a temp file with a single owner. Ownership can move between
// stages, but only the current owner calls Release.
type Asset struct {
	scope *Scope
	path  string

	mu       sync.Mutex
	released bool
}

func (a *Asset) Path() string { return a.path }
func (a *Asset) Fs() afero.Fs { return a.scope.manager.fs }

func (a *Asset) Open() (afero.File, error) {
	f, err := a.Fs().Open(a.path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrTempIO, a.path, err)
	}
	return f, nil
}

// Size reports the file size; a missing file is 0.
func (a *Asset) Size() (int64, error) {
	info, err := a.Fs().Stat(a.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", ErrTempIO, a.path, err)
	}
	return info.Size(), nil
}

// Release deletes the backing file. A file that was never written is not
// an error. An asset counts as released only once its file is gone, so a
// failed removal stays outstanding and the next call tries again.
func (a *Asset) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil
	}
	if err := a.Fs().Remove(a.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %v", ErrTempIO, a.path, err)
	}
	a.released = true
	a.scope.markReleased()
	return nil
}
