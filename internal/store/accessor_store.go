// Package store implements the resource store on top of a storage accessor
// and the locking decorator guarding it.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/podstore/internal/clock"
	"pkt.systems/podstore/internal/logutil"
	"pkt.systems/podstore/internal/storage"
	"pkt.systems/podstore/internal/strategy"
	"pkt.systems/podstore/rdf"
	"pkt.systems/podstore/resource"
)

// Config wires the collaborators of an AccessorStore.
type Config struct {
	Accessor           storage.Accessor
	IdentifierStrategy strategy.IdentifierStrategy
	AuxiliaryStrategy  strategy.AuxiliaryStrategy
	Clock              clock.Clock
	Logger             pslog.Logger
	Metrics            *Metrics
}

// AccessorStore enforces container semantics, preconditions and auxiliary
// resource rules over a storage.Accessor. It performs no locking.
type AccessorStore struct {
	accessor  storage.Accessor
	ids       strategy.IdentifierStrategy
	auxiliary strategy.AuxiliaryStrategy
	clock     clock.Clock
	logger    pslog.Logger
	metrics   *Metrics
}

var _ resource.Store = (*AccessorStore)(nil)

// NewAccessorStore validates cfg and returns the store.
func NewAccessorStore(cfg Config) (*AccessorStore, error) {
	if cfg.Accessor == nil {
		return nil, errors.New("store: accessor required")
	}
	if cfg.IdentifierStrategy == nil {
		return nil, errors.New("store: identifier strategy required")
	}
	if cfg.AuxiliaryStrategy == nil {
		cfg.AuxiliaryStrategy = strategy.DefaultAuxiliaryStrategy()
	}
	return &AccessorStore{
		accessor:  cfg.Accessor,
		ids:       cfg.IdentifierStrategy,
		auxiliary: cfg.AuxiliaryStrategy,
		clock:     clock.Ensure(cfg.Clock),
		logger:    logutil.WithSubsystem(cfg.Logger, "store.accessor"),
		metrics:   cfg.Metrics,
	}, nil
}

func (s *AccessorStore) ResourceExists(ctx context.Context, id resource.Identifier, conditions resource.Conditions) (exists bool, err error) {
	defer s.metrics.track(ctx, "exists", time.Now(), &err)
	if err := s.validateIdentifier(id); err != nil {
		return false, nil
	}
	metadata, err := s.accessor.GetMetadata(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, translate(err, "read metadata of %s", id)
	}
	if err := validateConditions(conditions, metadata); err != nil {
		return false, err
	}
	return true, nil
}

func (s *AccessorStore) GetRepresentation(ctx context.Context, id resource.Identifier, _ resource.Preferences, conditions resource.Conditions) (rep *resource.Representation, err error) {
	defer s.metrics.track(ctx, "get", time.Now(), &err)
	if err := s.validateIdentifier(id); err != nil {
		return nil, err
	}
	metadata, err := s.normalizedMetadata(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateConditions(conditions, metadata); err != nil {
		return nil, err
	}
	actual := resource.ID(metadata.Identifier().Value)
	if actual.IsContainer() {
		rep, err = s.containerRepresentation(ctx, actual, metadata)
		if err != nil {
			return nil, err
		}
	} else {
		data, err := s.accessor.GetData(ctx, actual)
		if err != nil {
			return nil, translate(err, "read data of %s", actual)
		}
		rep = resource.NewRepresentation(nil, metadata)
		rep.Data = data
	}
	s.auxiliary.AddMetadata(metadata)
	return rep, nil
}

// containerRepresentation lists the non-auxiliary children of a container as
// containment triples next to the container's own statements.
func (s *AccessorStore) containerRepresentation(ctx context.Context, id resource.Identifier, metadata *resource.Metadata) (*resource.Representation, error) {
	data := metadata.QuadsInGraph(rdf.Term{})
	for child, err := range s.accessor.GetChildren(ctx, id) {
		if err != nil {
			return nil, translate(err, "list children of %s", id)
		}
		childID := resource.ID(child.Identifier().Value)
		if s.auxiliary.IsAuxiliaryIdentifier(childID) {
			continue
		}
		metadata.AddInGraph(rdf.TermContains, child.Identifier(), rdf.TermResponseMetadata)
		data = append(data, rdf.NewQuad(id.Term(), rdf.TermContains, child.Identifier()))
		for _, q := range child.QuadsInGraph(rdf.Term{}) {
			if q.Subject == child.Identifier() && (q.Predicate == rdf.TermType || q.Predicate == rdf.TermModified) {
				data = append(data, q)
			}
		}
	}
	return resource.NewQuadRepresentation(data, metadata), nil
}

func (s *AccessorStore) AddResource(ctx context.Context, container resource.Identifier, rep *resource.Representation, conditions resource.Conditions) (result resource.ModifiedResource, err error) {
	defer s.metrics.track(ctx, "add", time.Now(), &err)
	if err := s.validateIdentifier(container); err != nil {
		return resource.ModifiedResource{}, err
	}
	rep = ensureMetadata(container, rep)
	parent, err := s.safeNormalizedMetadata(ctx, container)
	if err != nil {
		return resource.ModifiedResource{}, err
	}
	if err := validateConditions(conditions, parent); err != nil {
		return resource.ModifiedResource{}, err
	}
	if parent == nil {
		return resource.ModifiedResource{}, resource.NotFound("%s does not exist", container)
	}
	if !resource.IsContainerPath(parent.Identifier().Value) {
		return resource.ModifiedResource{}, resource.MethodNotAllowed("The given path is not a container.")
	}
	container = resource.ID(parent.Identifier().Value)

	newID, err := s.createSafeIdentifier(ctx, container, rep.Metadata)
	if err != nil {
		return resource.ModifiedResource{}, err
	}
	if err := s.accessor.CanHandle(rep); err != nil {
		return resource.ModifiedResource{}, translate(err, "store %s", newID)
	}
	changes, err := s.writeData(ctx, newID, rep, newID.IsContainer(), false, false)
	if err != nil {
		return resource.ModifiedResource{}, err
	}
	s.logger.Debug("store.add.created", "container", container.Path, "path", newID.Path, "changes", len(changes))
	return changes[len(changes)-1], nil
}

func (s *AccessorStore) SetRepresentation(ctx context.Context, id resource.Identifier, rep *resource.Representation, conditions resource.Conditions) (changes []resource.ModifiedResource, err error) {
	defer s.metrics.track(ctx, "set", time.Now(), &err)
	if err := s.validateIdentifier(id); err != nil {
		return nil, err
	}
	rep = ensureMetadata(id, rep)
	rep.Metadata.SetIdentifier(id)
	old, err := s.safeNormalizedMetadata(ctx, id)
	if err != nil {
		return nil, err
	}
	if old != nil && old.Identifier().Value != id.Path {
		return nil, resource.Conflict("%s conflicts with existing path %s", id, old.Identifier().Value)
	}
	if err := validateConditions(conditions, old); err != nil {
		return nil, err
	}
	isContainer := id.IsContainer()
	if !isContainer && rep.Metadata.IsContainerType() {
		return nil, resource.BadRequest("Containers should have a `/` at the end of their path, resources should not.")
	}
	if s.auxiliary.IsAuxiliaryIdentifier(id) {
		if err := s.auxiliary.Validate(rep); err != nil {
			return nil, err
		}
	}
	if err := s.accessor.CanHandle(rep); err != nil {
		return nil, translate(err, "store %s", id)
	}
	return s.writeData(ctx, id, rep, isContainer, old == nil, old != nil)
}

func (s *AccessorStore) DeleteResource(ctx context.Context, id resource.Identifier, conditions resource.Conditions) (changes []resource.ModifiedResource, err error) {
	defer s.metrics.track(ctx, "delete", time.Now(), &err)
	if err := s.validateIdentifier(id); err != nil {
		return nil, err
	}
	if s.ids.IsRootContainer(id) {
		return nil, resource.MethodNotAllowed("Cannot delete a root container.")
	}
	metadata, err := s.accessor.GetMetadata(ctx, id)
	if err != nil {
		return nil, translate(err, "read metadata of %s", id)
	}
	if err := validateConditions(conditions, metadata); err != nil {
		return nil, err
	}
	if s.auxiliary.IsAuxiliaryIdentifier(id) && s.auxiliary.IsRequiredInRoot(id) {
		subject, err := s.auxiliary.GetSubjectIdentifier(id)
		if err != nil {
			return nil, err
		}
		subjectMeta, err := s.accessor.GetMetadata(ctx, subject)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, translate(err, "read metadata of %s", subject)
		}
		if subjectMeta != nil && isRootStorage(subjectMeta) {
			return nil, resource.MethodNotAllowed("Cannot delete %s from a root storage container.", id)
		}
	}
	if id.IsContainer() {
		proper, err := s.hasProperChildren(ctx, id)
		if err != nil {
			return nil, err
		}
		if proper {
			return nil, resource.Conflict("Can only delete empty containers.")
		}
	}

	if !s.auxiliary.IsAuxiliaryIdentifier(id) {
		for _, aux := range s.safelyDeleteAuxiliaryResources(ctx, s.auxiliary.GetAuxiliaryIdentifiers(id)) {
			changes = append(changes, resource.ModifiedResource{Identifier: aux, Type: resource.Deleted})
		}
	}
	parent, err := s.ids.GetParentContainer(id)
	if err != nil {
		return nil, err
	}
	if err := s.accessor.DeleteResource(ctx, id); err != nil {
		return nil, translate(err, "delete %s", id)
	}
	if err := s.updateContainerModified(ctx, parent); err != nil {
		return nil, err
	}
	changes = append(changes,
		resource.ModifiedResource{Identifier: parent, Type: resource.Changed},
		resource.ModifiedResource{Identifier: id, Type: resource.Deleted},
	)
	s.logger.Debug("store.delete.success", "path", id.Path, "changes", len(changes))
	return changes, nil
}

func (s *AccessorStore) ModifyResource(ctx context.Context, id resource.Identifier, _ resource.Patch, _ resource.Conditions) (_ []resource.ModifiedResource, err error) {
	defer s.metrics.track(ctx, "modify", time.Now(), &err)
	return nil, resource.NotImplemented("Patches are not supported by the default store.")
}

// writeData persists rep at id after optionally creating missing parent
// containers, returning the changes ancestor-first.
func (s *AccessorStore) writeData(ctx context.Context, id resource.Identifier, rep *resource.Representation, isContainer, createContainers, exists bool) ([]resource.ModifiedResource, error) {
	metadata, data, err := s.prepareWrite(id, rep, isContainer)
	if err != nil {
		return nil, err
	}

	var changes []resource.ModifiedResource
	// Replacing an existing resource leaves the parent's containment as is.
	if !exists && !s.ids.IsRootContainer(id) {
		parent, err := s.ids.GetParentContainer(id)
		if err != nil {
			return nil, err
		}
		var created []resource.ModifiedResource
		if createContainers {
			created, err = s.createRecursiveContainers(ctx, parent)
			if err != nil {
				return nil, err
			}
		} else if err := s.updateContainerModified(ctx, parent); err != nil {
			return nil, err
		}
		if len(created) == 0 {
			changes = append(changes, resource.ModifiedResource{Identifier: parent, Type: resource.Changed})
		}
		changes = append(changes, created...)
	}

	metadata.SetModified(s.clock.Now())
	if isContainer {
		err = s.accessor.WriteContainer(ctx, id, metadata)
	} else {
		err = s.accessor.WriteDocument(ctx, id, data, metadata)
	}
	if err != nil {
		return nil, translate(err, "write %s", id)
	}
	kind := resource.Created
	if exists {
		kind = resource.Changed
	}
	return append(changes, resource.ModifiedResource{Identifier: id, Type: kind}), nil
}

// prepareWrite returns the metadata to persist for id with generated
// response metadata removed and resource types applied. Container bodies are
// folded into the metadata.
func (s *AccessorStore) prepareWrite(id resource.Identifier, rep *resource.Representation, isContainer bool) (*resource.Metadata, io.Reader, error) {
	metadata := rep.Metadata.Clone()
	metadata.RemoveGraph(rdf.TermResponseMetadata)
	metadata.RemoveAll(rdf.TermSlug)
	metadata.SetIdentifier(id)
	addResourceTypes(metadata, isContainer)

	var data io.Reader = bytes.NewReader(nil)
	if rep.Data != nil {
		data = rep.Data
	}
	if !isContainer {
		return metadata, data, nil
	}

	body, err := io.ReadAll(data)
	if rep.Data != nil {
		_ = rep.Data.Close()
	}
	if err != nil {
		return nil, nil, resource.InternalServerError("read container body of %s", id).WithCause(err)
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if !resource.IsQuadContentType(metadata.ContentType()) {
			return nil, nil, resource.BadRequest("Can only create containers with RDF data.")
		}
		quads, err := rdf.Parse(bytes.NewReader(body), rdf.ParseOptions{Base: id.Path})
		if err != nil {
			return nil, nil, resource.BadRequest("invalid RDF body for %s", id).WithCause(err)
		}
		for _, q := range quads {
			if q.Predicate.Equal(rdf.TermContains) {
				return nil, nil, resource.Conflict("Container bodies are not allowed to have containment triples.")
			}
		}
		metadata.AddQuads(quads)
	}
	metadata.SetContentType("")
	if len(metadata.GetAll(rdf.TermContains)) > 0 {
		return nil, nil, resource.Conflict("Container bodies are not allowed to have containment triples.")
	}
	return metadata, nil, nil
}

// createRecursiveContainers creates container and every missing ancestor.
// The first existing ancestor gets its modification date bumped.
func (s *AccessorStore) createRecursiveContainers(ctx context.Context, container resource.Identifier) ([]resource.ModifiedResource, error) {
	metadata, err := s.normalizedMetadata(ctx, container)
	if err == nil {
		if !resource.IsContainerPath(metadata.Identifier().Value) {
			return nil, resource.Forbidden("Creating container %s conflicts with an existing resource.", container)
		}
		return nil, s.updateContainerModified(ctx, container)
	}
	if !resource.IsKind(err, resource.KindNotFound) {
		return nil, err
	}

	var changes []resource.ModifiedResource
	if !s.ids.IsRootContainer(container) {
		parent, err := s.ids.GetParentContainer(container)
		if err != nil {
			return nil, err
		}
		if changes, err = s.createRecursiveContainers(ctx, parent); err != nil {
			return nil, err
		}
	}
	meta := resource.NewMetadata(container)
	addResourceTypes(meta, true)
	meta.SetModified(s.clock.Now())
	if err := s.accessor.WriteContainer(ctx, container, meta); err != nil {
		return nil, translate(err, "create container %s", container)
	}
	s.logger.Debug("store.container.created", "path", container.Path)
	return append(changes, resource.ModifiedResource{Identifier: container, Type: resource.Created}), nil
}

// createSafeIdentifier names a new child of container from the slug, falling
// back to a random name when the slug is absent or already taken.
func (s *AccessorStore) createSafeIdentifier(ctx context.Context, container resource.Identifier, metadata *resource.Metadata) (resource.Identifier, error) {
	isContainer := metadata.IsContainerType()
	slug := ""
	if v, ok := metadata.Get(rdf.TermSlug); ok {
		slug = v.Value
	}
	metadata.RemoveAll(rdf.TermSlug)
	if strings.Contains(strings.Trim(strings.TrimSpace(slug), "/"), "/") {
		return resource.Identifier{}, resource.BadRequest("Slugs should not contain slashes")
	}

	newID := childIdentifier(container, slug, isContainer)
	if s.auxiliary.IsAuxiliaryIdentifier(newID) {
		return resource.Identifier{}, resource.Forbidden("Slug bodies that would result in an auxiliary resource are forbidden")
	}
	for _, candidate := range []resource.Identifier{newID.WithSlash(), newID.WithoutSlash()} {
		exists, err := s.ResourceExists(ctx, candidate, nil)
		if err != nil {
			return resource.Identifier{}, err
		}
		if exists {
			s.logger.Debug("store.add.slug_taken", "slug", slug, "path", newID.Path)
			return childIdentifier(container, "", isContainer), nil
		}
	}
	return newID, nil
}

func childIdentifier(container resource.Identifier, slug string, isContainer bool) resource.Identifier {
	name := strings.Trim(strings.TrimSpace(slug), "/")
	if name == "" {
		name = uuid.NewString()
	} else {
		name = url.PathEscape(name)
	}
	path := resource.EnsureTrailingSlash(container.Path) + name
	if isContainer {
		path += "/"
	}
	return resource.ID(path)
}

// hasProperChildren reports whether container has a non-auxiliary child.
func (s *AccessorStore) hasProperChildren(ctx context.Context, container resource.Identifier) (bool, error) {
	for child, err := range s.accessor.GetChildren(ctx, container) {
		if err != nil {
			return false, translate(err, "list children of %s", container)
		}
		if !s.auxiliary.IsAuxiliaryIdentifier(resource.ID(child.Identifier().Value)) {
			return true, nil
		}
	}
	return false, nil
}

// safelyDeleteAuxiliaryResources deletes the auxiliaries that exist and
// returns them. Failures are logged.
func (s *AccessorStore) safelyDeleteAuxiliaryResources(ctx context.Context, ids []resource.Identifier) []resource.Identifier {
	var deleted []resource.Identifier
	for _, aux := range ids {
		if _, err := s.accessor.GetMetadata(ctx, aux); err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				s.logger.Warn("store.delete.auxiliary_failed", "path", aux.Path, "error", err)
			}
			continue
		}
		if err := s.accessor.DeleteResource(ctx, aux); err != nil {
			s.logger.Warn("store.delete.auxiliary_failed", "path", aux.Path, "error", err)
			continue
		}
		deleted = append(deleted, aux)
	}
	return deleted
}

// updateContainerModified bumps the modification date of an existing
// container.
func (s *AccessorStore) updateContainerModified(ctx context.Context, container resource.Identifier) error {
	metadata, err := s.accessor.GetMetadata(ctx, container)
	if err != nil {
		return translate(err, "read metadata of %s", container)
	}
	metadata.RemoveGraph(rdf.TermResponseMetadata)
	metadata.SetModified(s.clock.Now())
	if err := s.accessor.WriteContainer(ctx, container, metadata); err != nil {
		return translate(err, "update container %s", container)
	}
	return nil
}

// normalizedMetadata returns the metadata of id, or of its other trailing
// slash variant when only that one exists.
func (s *AccessorStore) normalizedMetadata(ctx context.Context, id resource.Identifier) (*resource.Metadata, error) {
	metadata, err := s.accessor.GetMetadata(ctx, id)
	if err == nil {
		return metadata, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, translate(err, "read metadata of %s", id)
	}
	other := id.AlternatePath()
	if s.validateIdentifier(other) != nil || other.Path == "" {
		return nil, translate(err, "read metadata of %s", id)
	}
	metadata, err = s.accessor.GetMetadata(ctx, other)
	if err != nil {
		return nil, translate(err, "read metadata of %s", id)
	}
	return metadata, nil
}

// safeNormalizedMetadata is normalizedMetadata returning nil for missing
// resources.
func (s *AccessorStore) safeNormalizedMetadata(ctx context.Context, id resource.Identifier) (*resource.Metadata, error) {
	metadata, err := s.normalizedMetadata(ctx, id)
	if err != nil {
		if resource.IsKind(err, resource.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return metadata, nil
}

func (s *AccessorStore) validateIdentifier(id resource.Identifier) error {
	if !s.ids.SupportsIdentifier(id) {
		return resource.NotFound("%s is not supported by this store", id)
	}
	return nil
}

// Init creates the root container typed as a storage when it is missing.
func (s *AccessorStore) Init(ctx context.Context, root resource.Identifier) (bool, error) {
	if _, err := s.accessor.GetMetadata(ctx, root); err == nil {
		return false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, translate(err, "read metadata of %s", root)
	}
	meta := resource.NewMetadata(root)
	addResourceTypes(meta, true)
	meta.Add(rdf.TermType, rdf.IRI(rdf.PIMStorage))
	meta.SetModified(s.clock.Now())
	if err := s.accessor.WriteContainer(ctx, root, meta); err != nil {
		return false, translate(err, "create root container %s", root)
	}
	s.logger.Info("store.root.created", "path", root.Path)
	return true, nil
}

func validateConditions(conditions resource.Conditions, metadata *resource.Metadata) error {
	if conditions != nil && !conditions.MatchesMetadata(metadata) {
		return resource.PreconditionFailed("preconditions failed")
	}
	return nil
}

func ensureMetadata(id resource.Identifier, rep *resource.Representation) *resource.Representation {
	if rep == nil {
		rep = resource.NewRepresentation(nil, nil)
	}
	if rep.Metadata == nil {
		rep.Metadata = resource.NewMetadata(id)
	}
	return rep
}

func addResourceTypes(metadata *resource.Metadata, isContainer bool) {
	metadata.Add(rdf.TermType, rdf.IRI(rdf.LDPResource))
	if isContainer {
		metadata.Add(rdf.TermType, rdf.IRI(rdf.LDPContainer))
		metadata.Add(rdf.TermType, rdf.IRI(rdf.LDPBasicContainer))
	}
}

func isRootStorage(metadata *resource.Metadata) bool {
	return metadata.Has(rdf.TermType, rdf.IRI(rdf.PIMStorage))
}

// translate maps accessor errors onto store failures.
func translate(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var f resource.Failure
	if errors.As(err, &f) {
		return err
	}
	detail := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return resource.NotFound("%s: not found", detail).WithCause(err)
	case errors.Is(err, storage.ErrNotContainer):
		return resource.Conflict("%s: not a container", detail).WithCause(err)
	case errors.Is(err, storage.ErrUnsupported):
		return resource.UnsupportedMediaType("%s: unsupported", detail).WithCause(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return resource.InternalServerError("%s", detail).WithCause(err)
	}
}
