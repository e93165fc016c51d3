package resource

import (
	"bytes"
	"fmt"
	"time"

	"pkt.systems/podstore/rdf"
)

// Metadata is a mutable quad set describing one resource. Quads whose subject
// equals the identifier term describe the resource itself; other subjects are
// kept as-is (for example containment objects or blank node structures).
type Metadata struct {
	identifier rdf.Term
	quads      []rdf.Quad
}

// NewMetadata creates empty metadata for id.
func NewMetadata(id Identifier) *Metadata {
	return &Metadata{identifier: id.Term()}
}

// NewMetadataFromQuads creates metadata for id seeded with quads.
func NewMetadataFromQuads(id Identifier, quads []rdf.Quad) *Metadata {
	m := NewMetadata(id)
	m.AddQuads(quads)
	return m
}

// Identifier returns the subject term the metadata is keyed by.
func (m *Metadata) Identifier() rdf.Term { return m.identifier }

// SetIdentifier re-keys the metadata, rewriting every quad whose subject was
// the previous identifier.
func (m *Metadata) SetIdentifier(id Identifier) {
	next := id.Term()
	if next == m.identifier {
		return
	}
	for i, q := range m.quads {
		if q.Subject == m.identifier {
			m.quads[i].Subject = next
		}
	}
	m.identifier = next
	m.dedupe()
}

// Len returns the number of quads.
func (m *Metadata) Len() int { return len(m.quads) }

// Quads returns a copy of every quad.
func (m *Metadata) Quads() []rdf.Quad {
	out := make([]rdf.Quad, len(m.quads))
	copy(out, m.quads)
	return out
}

// QuadsInGraph returns the quads of one graph. The zero term selects the
// default graph.
func (m *Metadata) QuadsInGraph(graph rdf.Term) []rdf.Quad {
	var out []rdf.Quad
	for _, q := range m.quads {
		if q.Graph == graph {
			out = append(out, q)
		}
	}
	return out
}

// AddQuad inserts q unless an identical quad is present.
func (m *Metadata) AddQuad(q rdf.Quad) {
	for _, existing := range m.quads {
		if existing == q {
			return
		}
	}
	m.quads = append(m.quads, q)
}

// AddQuads inserts every quad of qs.
func (m *Metadata) AddQuads(qs []rdf.Quad) {
	for _, q := range qs {
		m.AddQuad(q)
	}
}

// Add states predicate/object about the identifier in the default graph.
func (m *Metadata) Add(predicate, object rdf.Term) {
	m.AddQuad(rdf.NewQuad(m.identifier, predicate, object))
}

// AddInGraph states predicate/object about the identifier in graph.
func (m *Metadata) AddInGraph(predicate, object, graph rdf.Term) {
	m.AddQuad(rdf.Quad{Subject: m.identifier, Predicate: predicate, Object: object, Graph: graph})
}

// Remove deletes the identifier's predicate/object statement in all graphs.
func (m *Metadata) Remove(predicate, object rdf.Term) {
	m.filter(func(q rdf.Quad) bool {
		return q.Subject == m.identifier && q.Predicate == predicate && q.Object == object
	})
}

// RemoveAll deletes every value of predicate on the identifier.
func (m *Metadata) RemoveAll(predicate rdf.Term) {
	m.filter(func(q rdf.Quad) bool {
		return q.Subject == m.identifier && q.Predicate == predicate
	})
}

// RemoveQuads deletes every quad matching the pattern; zero terms match
// anything.
func (m *Metadata) RemoveQuads(subject, predicate, object, graph rdf.Term) {
	m.filter(func(q rdf.Quad) bool {
		return q.Matches(subject, predicate, object, graph)
	})
}

// RemoveGraph deletes every quad in graph.
func (m *Metadata) RemoveGraph(graph rdf.Term) {
	m.filter(func(q rdf.Quad) bool { return q.Graph == graph })
}

// Set replaces all values of predicate with object.
func (m *Metadata) Set(predicate, object rdf.Term) {
	m.RemoveAll(predicate)
	m.Add(predicate, object)
}

// Get returns the first value of predicate on the identifier.
func (m *Metadata) Get(predicate rdf.Term) (rdf.Term, bool) {
	for _, q := range m.quads {
		if q.Subject == m.identifier && q.Predicate == predicate {
			return q.Object, true
		}
	}
	return rdf.Term{}, false
}

// GetAll returns every value of predicate on the identifier.
func (m *Metadata) GetAll(predicate rdf.Term) []rdf.Term {
	var out []rdf.Term
	for _, q := range m.quads {
		if q.Subject == m.identifier && q.Predicate == predicate {
			out = append(out, q.Object)
		}
	}
	return out
}

// Has reports whether the identifier carries predicate/object.
func (m *Metadata) Has(predicate, object rdf.Term) bool {
	for _, q := range m.quads {
		if q.Subject == m.identifier && q.Predicate == predicate && q.Object == object {
			return true
		}
	}
	return false
}

// ContentType returns the stored media type, or "" when unset.
func (m *Metadata) ContentType() string {
	if v, ok := m.Get(rdf.TermContentType); ok {
		return v.Value
	}
	return ""
}

// SetContentType replaces the media type. An empty value removes it.
func (m *Metadata) SetContentType(contentType string) {
	m.RemoveAll(rdf.TermContentType)
	if contentType != "" {
		m.Add(rdf.TermContentType, rdf.Literal(contentType))
	}
}

// Modified returns the last modification time.
func (m *Metadata) Modified() (time.Time, bool) {
	v, ok := m.Get(rdf.TermModified)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v.Value)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SetModified stamps the modification date at second precision.
func (m *Metadata) SetModified(t time.Time) {
	t = t.UTC().Truncate(time.Second)
	m.Set(rdf.TermModified, rdf.TypedLiteral(t.Format(time.RFC3339), rdf.XSDDateTime))
}

// IsContainerType reports whether the metadata declares a container type.
func (m *Metadata) IsContainerType() bool {
	return m.Has(rdf.TermType, rdf.IRI(rdf.LDPContainer)) || m.Has(rdf.TermType, rdf.IRI(rdf.LDPBasicContainer))
}

// Clone returns a deep copy.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	return &Metadata{identifier: m.identifier, quads: m.Quads()}
}

// MarshalNQuads serializes every quad in canonical N-Quads form.
func (m *Metadata) MarshalNQuads() []byte {
	return rdf.Serialize(m.quads)
}

// UnmarshalMetadata decodes N-Quads produced by MarshalNQuads.
func UnmarshalMetadata(id Identifier, data []byte) (*Metadata, error) {
	quads, err := rdf.Parse(bytes.NewReader(data), rdf.ParseOptions{Base: id.Path})
	if err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", id, err)
	}
	return NewMetadataFromQuads(id, quads), nil
}

func (m *Metadata) filter(drop func(rdf.Quad) bool) {
	kept := m.quads[:0]
	for _, q := range m.quads {
		if !drop(q) {
			kept = append(kept, q)
		}
	}
	clear(m.quads[len(kept):])
	m.quads = kept
}

func (m *Metadata) dedupe() {
	seen := make(map[rdf.Quad]struct{}, len(m.quads))
	m.filter(func(q rdf.Quad) bool {
		if _, ok := seen[q]; ok {
			return true
		}
		seen[q] = struct{}{}
		return false
	})
}
