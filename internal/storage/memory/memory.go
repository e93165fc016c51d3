// Package memory implements an in-process storage.Accessor intended for tests
// and local development.
package memory

import (
	"context"
	"fmt"
	"io"
	"iter"
	"sort"
	"strings"
	"sync"

	"pkt.systems/podstore/internal/storage"
	"pkt.systems/podstore/resource"
)

// Config configures the in-memory accessor.
type Config struct {
	// Base is the root container path, "/" when empty.
	Base string
}

// Accessor keeps documents and containers in a map keyed by identifier path.
type Accessor struct {
	mu      sync.RWMutex
	mapper  storage.PathMapper
	entries map[string]*entry
}

type entry struct {
	container bool
	data      []byte
	metadata  *resource.Metadata
}

// New returns an empty accessor rooted at "/". The root container itself is
// absent until the first WriteContainer on it.
func New() *Accessor {
	return NewWithConfig(Config{})
}

// NewWithConfig returns an empty accessor configured by cfg.
func NewWithConfig(cfg Config) *Accessor {
	return &Accessor{
		mapper:  storage.NewPathMapper(cfg.Base),
		entries: make(map[string]*entry),
	}
}

// CanHandle accepts every representation.
func (a *Accessor) CanHandle(*resource.Representation) error { return nil }

// GetData returns a reader over a copy of the document bytes.
func (a *Accessor) GetData(ctx context.Context, id resource.Identifier) (io.ReadCloser, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, err := a.lookup(id)
	if err != nil {
		return nil, err
	}
	if e.container {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(string(e.data))), nil
}

// GetMetadata returns a copy of the stored metadata.
func (a *Accessor) GetMetadata(ctx context.Context, id resource.Identifier) (*resource.Metadata, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, err := a.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.metadata.Clone(), nil
}

// GetChildren yields the metadata of direct children sorted by path.
func (a *Accessor) GetChildren(ctx context.Context, id resource.Identifier) iter.Seq2[*resource.Metadata, error] {
	a.mu.RLock()
	e, err := a.lookup(id)
	if err == nil && !e.container {
		err = storage.ErrNotContainer
	}
	if err != nil {
		a.mu.RUnlock()
		return storage.ErrorSeq(err)
	}
	var children []*resource.Metadata
	var paths []string
	for path := range a.entries {
		if path != id.Path && parentPath(path) == id.Path {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	for _, path := range paths {
		children = append(children, a.entries[path].metadata.Clone())
	}
	a.mu.RUnlock()
	return func(yield func(*resource.Metadata, error) bool) {
		for _, child := range children {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(child, nil) {
				return
			}
		}
	}
}

// WriteDocument stores a document. The parent container must exist.
func (a *Accessor) WriteDocument(ctx context.Context, id resource.Identifier, data io.Reader, metadata *resource.Metadata) error {
	if id.IsContainer() {
		return fmt.Errorf("%w: %s is a container identifier", storage.ErrUnsupported, id)
	}
	if _, err := a.mapper.Relative(id); err != nil {
		return err
	}
	payload, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("memory: read document body: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.requireParent(id); err != nil {
		return err
	}
	a.entries[id.Path] = &entry{data: payload, metadata: metadata.Clone()}
	return nil
}

// WriteContainer creates or updates a container. The parent container must
// exist unless id is the root.
func (a *Accessor) WriteContainer(ctx context.Context, id resource.Identifier, metadata *resource.Metadata) error {
	if !id.IsContainer() {
		return fmt.Errorf("%w: %s is a document identifier", storage.ErrUnsupported, id)
	}
	if _, err := a.mapper.Relative(id); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if id.Path != a.mapper.Base() {
		if err := a.requireParent(id); err != nil {
			return err
		}
	}
	a.entries[id.Path] = &entry{container: true, metadata: metadata.Clone()}
	return nil
}

// DeleteResource removes a resource and, for containers, everything below it.
func (a *Accessor) DeleteResource(ctx context.Context, id resource.Identifier) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, err := a.lookup(id)
	if err != nil {
		return err
	}
	delete(a.entries, id.Path)
	if e.container {
		for path := range a.entries {
			if strings.HasPrefix(path, id.Path) {
				delete(a.entries, path)
			}
		}
	}
	return nil
}

func (a *Accessor) lookup(id resource.Identifier) (*entry, error) {
	if _, err := a.mapper.Relative(id); err != nil {
		return nil, err
	}
	e, ok := a.entries[id.Path]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (a *Accessor) requireParent(id resource.Identifier) error {
	parent, ok := a.entries[parentPath(id.Path)]
	if !ok {
		return fmt.Errorf("%w: parent of %s", storage.ErrNotFound, id)
	}
	if !parent.container {
		return fmt.Errorf("%w: parent of %s", storage.ErrNotContainer, id)
	}
	return nil
}

func parentPath(path string) string {
	trimmed := resource.TrimTrailingSlashes(path)
	idx := strings.LastIndexByte(trimmed, '/')
	if idx < 0 {
		return ""
	}
	return trimmed[:idx+1]
}
