// Package strategy holds the pluggable policies the resource store consults
// to decide what counts as the root container, a parent, or an auxiliary
// resource.
package strategy

import (
	"strings"

	"pkt.systems/podstore/resource"
)

// IdentifierStrategy answers structural questions about identifiers.
type IdentifierStrategy interface {
	SupportsIdentifier(id resource.Identifier) bool
	GetParentContainer(id resource.Identifier) (resource.Identifier, error)
	IsRootContainer(id resource.Identifier) bool
}

// SingleRootIdentifierStrategy treats every identifier below one base path as
// part of a single tree rooted at that base.
type SingleRootIdentifierStrategy struct {
	base string
}

// NewSingleRootIdentifierStrategy returns a strategy rooted at base, "/" when
// empty.
func NewSingleRootIdentifierStrategy(base string) *SingleRootIdentifierStrategy {
	if base == "" {
		base = "/"
	}
	return &SingleRootIdentifierStrategy{base: resource.EnsureTrailingSlash(base)}
}

// Base returns the root container path.
func (s *SingleRootIdentifierStrategy) Base() string { return s.base }

// Root returns the root container identifier.
func (s *SingleRootIdentifierStrategy) Root() resource.Identifier { return resource.ID(s.base) }

func (s *SingleRootIdentifierStrategy) SupportsIdentifier(id resource.Identifier) bool {
	return strings.HasPrefix(id.Path, s.base)
}

func (s *SingleRootIdentifierStrategy) IsRootContainer(id resource.Identifier) bool {
	return id.Path == s.base
}

func (s *SingleRootIdentifierStrategy) GetParentContainer(id resource.Identifier) (resource.Identifier, error) {
	if !s.SupportsIdentifier(id) {
		return resource.Identifier{}, resource.InternalServerError("%s is not supported by this identifier strategy", id)
	}
	if s.IsRootContainer(id) {
		return resource.Identifier{}, resource.InternalServerError("cannot obtain the parent of %s because it is a root container", id)
	}
	trimmed := resource.TrimTrailingSlashes(id.Path)
	idx := strings.LastIndexByte(trimmed, '/')
	return resource.ID(trimmed[:idx+1]), nil
}
