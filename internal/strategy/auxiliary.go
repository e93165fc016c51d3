package strategy

import (
	"bytes"
	"io"
	"strings"

	"pkt.systems/podstore/rdf"
	"pkt.systems/podstore/resource"
)

// AuxiliaryIdentifierStrategy maps subject resources onto their auxiliary
// resources and back.
type AuxiliaryIdentifierStrategy interface {
	GetAuxiliaryIdentifiers(id resource.Identifier) []resource.Identifier
	IsAuxiliaryIdentifier(id resource.Identifier) bool
	GetSubjectIdentifier(id resource.Identifier) (resource.Identifier, error)
}

// AuxiliaryStrategy adds the policies the store applies to auxiliary
// resources.
type AuxiliaryStrategy interface {
	AuxiliaryIdentifierStrategy
	// IsRequiredInRoot reports whether the auxiliary resource must exist
	// next to the root container and therefore cannot be deleted there.
	IsRequiredInRoot(id resource.Identifier) bool
	// AddMetadata annotates a resource's response metadata with links to its
	// auxiliary resources.
	AddMetadata(metadata *resource.Metadata)
	// Validate checks the body written to an auxiliary resource.
	Validate(rep *resource.Representation) error
}

// SuffixAuxiliaryStrategy identifies auxiliary resources by appending a fixed
// suffix to the subject path, for example ".acl" or ".meta".
type SuffixAuxiliaryStrategy struct {
	suffix         string
	link           rdf.Term
	requiredInRoot bool
	validateRDF    bool
}

// SuffixOption configures a SuffixAuxiliaryStrategy.
type SuffixOption func(*SuffixAuxiliaryStrategy)

// WithLink adds a response metadata link from the subject to the auxiliary
// resource using predicate.
func WithLink(predicate string) SuffixOption {
	return func(s *SuffixAuxiliaryStrategy) { s.link = rdf.IRI(predicate) }
}

// RequiredInRoot marks the auxiliary resource as mandatory for the root.
func RequiredInRoot() SuffixOption {
	return func(s *SuffixAuxiliaryStrategy) { s.requiredInRoot = true }
}

// ValidateRDF requires auxiliary bodies to parse as RDF.
func ValidateRDF() SuffixOption {
	return func(s *SuffixAuxiliaryStrategy) { s.validateRDF = true }
}

// NewSuffixAuxiliaryStrategy returns a strategy for suffix.
func NewSuffixAuxiliaryStrategy(suffix string, opts ...SuffixOption) *SuffixAuxiliaryStrategy {
	s := &SuffixAuxiliaryStrategy{suffix: suffix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewACLStrategy returns the access control companion strategy.
func NewACLStrategy() *SuffixAuxiliaryStrategy {
	return NewSuffixAuxiliaryStrategy(".acl", WithLink(rdf.ACLAccessControl), RequiredInRoot(), ValidateRDF())
}

// NewDescriptionStrategy returns the description companion strategy.
func NewDescriptionStrategy() *SuffixAuxiliaryStrategy {
	return NewSuffixAuxiliaryStrategy(".meta", WithLink(rdf.DescribedBy), ValidateRDF())
}

// Suffix returns the identifying suffix.
func (s *SuffixAuxiliaryStrategy) Suffix() string { return s.suffix }

func (s *SuffixAuxiliaryStrategy) auxiliaryIdentifier(id resource.Identifier) resource.Identifier {
	return resource.ID(id.Path + s.suffix)
}

func (s *SuffixAuxiliaryStrategy) GetAuxiliaryIdentifiers(id resource.Identifier) []resource.Identifier {
	return []resource.Identifier{s.auxiliaryIdentifier(id)}
}

func (s *SuffixAuxiliaryStrategy) IsAuxiliaryIdentifier(id resource.Identifier) bool {
	return strings.HasSuffix(id.Path, s.suffix)
}

func (s *SuffixAuxiliaryStrategy) GetSubjectIdentifier(id resource.Identifier) (resource.Identifier, error) {
	if !s.IsAuxiliaryIdentifier(id) {
		return resource.Identifier{}, resource.InternalServerError("%s does not end on %s so no conversion is possible", id, s.suffix)
	}
	return resource.ID(strings.TrimSuffix(id.Path, s.suffix)), nil
}

func (s *SuffixAuxiliaryStrategy) IsRequiredInRoot(id resource.Identifier) bool {
	return s.requiredInRoot
}

func (s *SuffixAuxiliaryStrategy) AddMetadata(metadata *resource.Metadata) {
	if s.link.IsZero() {
		return
	}
	id := resource.ID(metadata.Identifier().Value)
	if s.IsAuxiliaryIdentifier(id) {
		return
	}
	metadata.AddInGraph(s.link, s.auxiliaryIdentifier(id).Term(), rdf.TermResponseMetadata)
}

func (s *SuffixAuxiliaryStrategy) Validate(rep *resource.Representation) error {
	if !s.validateRDF {
		return nil
	}
	return validateRDFBody(rep)
}

// validateRDFBody parses the body and restores it for the following write.
func validateRDFBody(rep *resource.Representation) error {
	contentType := ""
	if rep.Metadata != nil {
		contentType = rep.Metadata.ContentType()
	}
	if !resource.IsQuadContentType(contentType) {
		return resource.BadRequest("auxiliary resources must contain RDF data, got content type %q", contentType)
	}
	var body []byte
	if rep.Data != nil {
		var err error
		body, err = io.ReadAll(rep.Data)
		_ = rep.Data.Close()
		if err != nil {
			return resource.InternalServerError("read auxiliary body").WithCause(err)
		}
	}
	rep.Data = io.NopCloser(bytes.NewReader(body))
	base := ""
	if rep.Metadata != nil {
		base = rep.Metadata.Identifier().Value
	}
	if _, err := rdf.Parse(bytes.NewReader(body), rdf.ParseOptions{Base: base}); err != nil {
		return resource.BadRequest("invalid RDF in auxiliary resource").WithCause(err)
	}
	return nil
}

// RoutingAuxiliaryStrategy composes several auxiliary strategies, routing
// every identifier to the strategy that recognizes it.
type RoutingAuxiliaryStrategy struct {
	sources []AuxiliaryStrategy
}

// NewRoutingAuxiliaryStrategy composes sources in order.
func NewRoutingAuxiliaryStrategy(sources ...AuxiliaryStrategy) *RoutingAuxiliaryStrategy {
	return &RoutingAuxiliaryStrategy{sources: sources}
}

// DefaultAuxiliaryStrategy returns the .acl and .meta strategies composed.
func DefaultAuxiliaryStrategy() *RoutingAuxiliaryStrategy {
	return NewRoutingAuxiliaryStrategy(NewACLStrategy(), NewDescriptionStrategy())
}

func (r *RoutingAuxiliaryStrategy) route(id resource.Identifier) AuxiliaryStrategy {
	for _, source := range r.sources {
		if source.IsAuxiliaryIdentifier(id) {
			return source
		}
	}
	return nil
}

func (r *RoutingAuxiliaryStrategy) GetAuxiliaryIdentifiers(id resource.Identifier) []resource.Identifier {
	var out []resource.Identifier
	for _, source := range r.sources {
		out = append(out, source.GetAuxiliaryIdentifiers(id)...)
	}
	return out
}

func (r *RoutingAuxiliaryStrategy) IsAuxiliaryIdentifier(id resource.Identifier) bool {
	return r.route(id) != nil
}

func (r *RoutingAuxiliaryStrategy) GetSubjectIdentifier(id resource.Identifier) (resource.Identifier, error) {
	source := r.route(id)
	if source == nil {
		return resource.Identifier{}, resource.NotImplemented("no auxiliary strategy handles %s", id)
	}
	return source.GetSubjectIdentifier(id)
}

func (r *RoutingAuxiliaryStrategy) IsRequiredInRoot(id resource.Identifier) bool {
	source := r.route(id)
	return source != nil && source.IsRequiredInRoot(id)
}

// AddMetadata forwards auxiliary identifiers to their own strategy and every
// other identifier to all strategies.
func (r *RoutingAuxiliaryStrategy) AddMetadata(metadata *resource.Metadata) {
	if source := r.route(resource.ID(metadata.Identifier().Value)); source != nil {
		source.AddMetadata(metadata)
		return
	}
	for _, source := range r.sources {
		source.AddMetadata(metadata)
	}
}

func (r *RoutingAuxiliaryStrategy) Validate(rep *resource.Representation) error {
	if rep.Metadata == nil {
		return nil
	}
	source := r.route(resource.ID(rep.Metadata.Identifier().Value))
	if source == nil {
		return resource.NotImplemented("no auxiliary strategy handles %s", rep.Metadata.Identifier().Value)
	}
	return source.Validate(rep)
}
