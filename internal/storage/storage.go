// Package storage defines the backend primitive the resource store is built
// on. Accessors persist raw document bytes and metadata per identifier and
// know nothing about container rules, preconditions or locking.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"pkt.systems/podstore/resource"
)

var (
	// ErrNotFound indicates the requested resource is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrUnsupported indicates the accessor cannot handle a request, for
	// example an identifier outside its base or a non-binary document.
	ErrUnsupported = errors.New("storage: unsupported")
	// ErrNotContainer indicates a container operation hit a document.
	ErrNotContainer = errors.New("storage: not a container")
)

// Accessor is the contract every backend implements. Callers hold the
// identifier's lock for the duration of mutating calls; implementations need
// not serialize concurrent writes to the same identifier themselves.
type Accessor interface {
	// CanHandle returns nil when the accessor can store rep, or an error
	// wrapping ErrUnsupported.
	CanHandle(rep *resource.Representation) error
	// GetData streams the bytes of a document. Callers must close it.
	GetData(ctx context.Context, id resource.Identifier) (io.ReadCloser, error)
	// GetMetadata returns the metadata of a document or container.
	GetMetadata(ctx context.Context, id resource.Identifier) (*resource.Metadata, error)
	// GetChildren yields the metadata of every direct child of a container.
	GetChildren(ctx context.Context, id resource.Identifier) iter.Seq2[*resource.Metadata, error]
	// WriteDocument stores data and metadata for a document.
	WriteDocument(ctx context.Context, id resource.Identifier, data io.Reader, metadata *resource.Metadata) error
	// WriteContainer creates or updates a container with metadata.
	WriteContainer(ctx context.Context, id resource.Identifier, metadata *resource.Metadata) error
	// DeleteResource removes a document or an empty container.
	DeleteResource(ctx context.Context, id resource.Identifier) error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// ErrorSeq returns a sequence that yields err once.
func ErrorSeq(err error) iter.Seq2[*resource.Metadata, error] {
	return func(yield func(*resource.Metadata, error) bool) {
		yield(nil, err)
	}
}

// PathMapper translates identifiers below a base path into slash separated
// relative keys and back.
type PathMapper struct {
	base string
}

// NewPathMapper returns a mapper for base, defaulting to "/".
func NewPathMapper(base string) PathMapper {
	if base == "" {
		base = "/"
	}
	return PathMapper{base: resource.EnsureTrailingSlash(base)}
}

// Base returns the root container path.
func (m PathMapper) Base() string { return m.base }

// Relative returns the key of id relative to the base without a trailing
// slash. The root container maps to "".
func (m PathMapper) Relative(id resource.Identifier) (string, error) {
	if !strings.HasPrefix(id.Path, m.base) && id.Path != resource.TrimTrailingSlashes(m.base) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrUnsupported, id.Path, m.base)
	}
	rel := resource.TrimTrailingSlashes(strings.TrimPrefix(id.Path, m.base))
	if rel == "" {
		return "", nil
	}
	for _, segment := range strings.Split(rel, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", fmt.Errorf("%w: invalid path segment in %s", ErrUnsupported, id.Path)
		}
	}
	return rel, nil
}

// Identifier maps a relative key back to an identifier.
func (m PathMapper) Identifier(rel string, container bool) resource.Identifier {
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return resource.ID(m.base)
	}
	if container {
		return resource.ID(m.base + rel + "/")
	}
	return resource.ID(m.base + rel)
}

// ReadMetadata reads and decodes N-Quads metadata for id from r.
func ReadMetadata(id resource.Identifier, r io.Reader) (*resource.Metadata, error) {
	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return resource.UnmarshalMetadata(id, payload)
}
