package dsl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrNotFound reports an unresolvable playbook reference.
var ErrNotFound = errors.New("playbook not found")

// Ref identifies a playbook to run. Exactly one of Path or CatalogID is
// normally set; Version qualifies Path when the source supports versioning.
type Ref struct {
	Path      string
	Version   string
	CatalogID string
}

func (r Ref) String() string {
	switch {
	case r.CatalogID != "":
		return "catalog:" + r.CatalogID
	case r.Version != "":
		return r.Path + "@" + r.Version
	default:
		return r.Path
	}
}

// Source resolves playbook references. The production catalog service is an
// external collaborator behind this interface; DirSource and MapSource make
// the server runnable without it.
type Source interface {
	Resolve(ctx context.Context, ref Ref) (*Playbook, error)
}

// DirSource resolves paths against a directory of YAML files:
// "weather/daily" loads <dir>/weather/daily.yaml (or .yml), and a versioned
// ref tries <dir>/weather/daily@<version>.yaml first. Parsed documents are
// cached and invalidated by file mtime.
type DirSource struct {
	dir string

	mu    sync.Mutex
	cache map[string]dirEntry
}

type dirEntry struct {
	mtime time.Time
	pb    *Playbook
}

// NewDirSource creates a playbook source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir, cache: make(map[string]dirEntry)}
}

// Resolve implements Source.
func (d *DirSource) Resolve(_ context.Context, ref Ref) (*Playbook, error) {
	if ref.Path == "" {
		return nil, fmt.Errorf("%w: empty path (catalog refs need a catalog source)", ErrNotFound)
	}
	if strings.Contains(ref.Path, "..") {
		return nil, fmt.Errorf("%w: path %q escapes the playbook root", ErrNotFound, ref.Path)
	}

	var names []string
	if ref.Version != "" {
		names = append(names, ref.Path+"@"+ref.Version+".yaml", ref.Path+"@"+ref.Version+".yml")
	}
	names = append(names, ref.Path+".yaml", ref.Path+".yml")

	for _, name := range names {
		full := filepath.Join(d.dir, filepath.FromSlash(name))
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		return d.load(full, info.ModTime(), ref)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
}

func (d *DirSource) load(full string, mtime time.Time, ref Ref) (*Playbook, error) {
	d.mu.Lock()
	entry, ok := d.cache[full]
	d.mu.Unlock()
	if ok && entry.mtime.Equal(mtime) {
		return entry.pb, nil
	}

	pb, err := ParseFile(full)
	if err != nil {
		return nil, err
	}
	if pb.Path == "" {
		pb.Path = ref.Path
	}
	d.mu.Lock()
	d.cache[full] = dirEntry{mtime: mtime, pb: pb}
	d.mu.Unlock()
	return pb, nil
}

// MapSource is an in-memory Source for tests and embedded setups.
type MapSource struct {
	mu  sync.RWMutex
	byP map[string]*Playbook
}

// NewMapSource creates an empty MapSource.
func NewMapSource() *MapSource {
	return &MapSource{byP: make(map[string]*Playbook)}
}

// Add registers a playbook under its path.
func (m *MapSource) Add(pb *Playbook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byP[pb.Path] = pb
}

// Resolve implements Source.
func (m *MapSource) Resolve(_ context.Context, ref Ref) (*Playbook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if pb, ok := m.byP[ref.Path]; ok {
		return pb, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
}
