package resource

import (
	"strings"

	"pkt.systems/podstore/rdf"
)

// Identifier addresses a resource. A path ending in "/" names a container,
// every other path names a document.
type Identifier struct {
	Path string
}

// ID is shorthand for Identifier{Path: path}.
func ID(path string) Identifier {
	return Identifier{Path: path}
}

func (id Identifier) String() string { return id.Path }

// IsContainer reports whether id names a container.
func (id Identifier) IsContainer() bool {
	return IsContainerPath(id.Path)
}

// Term returns the IRI term used as metadata subject for id.
func (id Identifier) Term() rdf.Term {
	return rdf.IRI(id.Path)
}

// WithSlash returns id with exactly one trailing slash.
func (id Identifier) WithSlash() Identifier {
	return Identifier{Path: EnsureTrailingSlash(id.Path)}
}

// WithoutSlash returns id with all trailing slashes removed.
func (id Identifier) WithoutSlash() Identifier {
	return Identifier{Path: TrimTrailingSlashes(id.Path)}
}

// AlternatePath returns the other trailing slash variant of id.
func (id Identifier) AlternatePath() Identifier {
	if id.IsContainer() {
		return id.WithoutSlash()
	}
	return id.WithSlash()
}

// IsContainerPath reports whether path ends in a slash.
func IsContainerPath(path string) bool {
	return strings.HasSuffix(path, "/")
}

// EnsureTrailingSlash appends a slash when missing and collapses repeated
// trailing slashes.
func EnsureTrailingSlash(path string) string {
	return TrimTrailingSlashes(path) + "/"
}

// TrimTrailingSlashes removes every trailing slash.
func TrimTrailingSlashes(path string) string {
	return strings.TrimRight(path, "/")
}
