// Package resource defines the resource store contract shared by the storage
// engine and its decorators: identifiers, representations, metadata,
// preconditions and the failure taxonomy.
package resource

import (
	"context"
)

// ModificationType tells what happened to a resource.
type ModificationType uint8

const (
	Created ModificationType = iota + 1
	Changed
	Deleted
)

func (t ModificationType) String() string {
	switch t {
	case Created:
		return "created"
	case Changed:
		return "changed"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ModifiedResource records one effect of a mutating store call.
type ModifiedResource struct {
	Identifier Identifier
	Type       ModificationType
}

func (m ModifiedResource) String() string {
	return m.Type.String() + " " + m.Identifier.Path
}

// Preferences carry content negotiation weights. The store itself ignores
// them; they are passed through to collaborators.
type Preferences struct {
	Type map[string]float64
}

// Patch is a representation describing a modification.
type Patch struct {
	*Representation
}

// Store is the resource store contract. Conditions may be nil.
type Store interface {
	ResourceExists(ctx context.Context, id Identifier, conditions Conditions) (bool, error)
	GetRepresentation(ctx context.Context, id Identifier, preferences Preferences, conditions Conditions) (*Representation, error)
	AddResource(ctx context.Context, container Identifier, representation *Representation, conditions Conditions) (ModifiedResource, error)
	SetRepresentation(ctx context.Context, id Identifier, representation *Representation, conditions Conditions) ([]ModifiedResource, error)
	DeleteResource(ctx context.Context, id Identifier, conditions Conditions) ([]ModifiedResource, error)
	ModifyResource(ctx context.Context, id Identifier, patch Patch, conditions Conditions) ([]ModifiedResource, error)
}
