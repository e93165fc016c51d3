// Package rdf holds the minimal RDF term and quad model used for resource
// metadata, together with an N-Triples/N-Quads codec.
package rdf

import (
	"strings"
)

// TermKind discriminates the RDF term variants.
type TermKind uint8

const (
	// KindNone marks the zero Term, used as a wildcard in pattern matching and
	// as the default graph.
	KindNone TermKind = iota
	KindIRI
	KindBlank
	KindLiteral
)

// Term is an RDF term. Datatype and Language only apply to literals.
type Term struct {
	Kind     TermKind
	Value    string
	Datatype string
	Language string
}

// IRI constructs a named node.
func IRI(value string) Term {
	return Term{Kind: KindIRI, Value: value}
}

// Blank constructs a blank node with the given label.
func Blank(label string) Term {
	return Term{Kind: KindBlank, Value: label}
}

// Literal constructs a plain xsd:string literal.
func Literal(value string) Term {
	return Term{Kind: KindLiteral, Value: value, Datatype: XSDString}
}

// TypedLiteral constructs a literal with an explicit datatype.
func TypedLiteral(value, datatype string) Term {
	if datatype == "" {
		datatype = XSDString
	}
	return Term{Kind: KindLiteral, Value: value, Datatype: datatype}
}

// LangLiteral constructs a language tagged string.
func LangLiteral(value, lang string) Term {
	return Term{Kind: KindLiteral, Value: value, Datatype: RDFLangString, Language: strings.ToLower(lang)}
}

// IsZero reports whether t is the zero (wildcard/default graph) term.
func (t Term) IsZero() bool { return t.Kind == KindNone }

// IsIRI reports whether t is a named node.
func (t Term) IsIRI() bool { return t.Kind == KindIRI }

// IsLiteral reports whether t is a literal.
func (t Term) IsLiteral() bool { return t.Kind == KindLiteral }

// Equal compares two terms structurally.
func (t Term) Equal(o Term) bool {
	return t == o
}

// Matches reports whether t satisfies pattern, where a zero pattern matches
// anything.
func (t Term) Matches(pattern Term) bool {
	return pattern.IsZero() || t == pattern
}

// String renders the term in N-Triples syntax.
func (t Term) String() string {
	var b strings.Builder
	writeTerm(&b, t)
	return b.String()
}

// Quad is a single RDF statement within an optional named graph. A zero Graph
// denotes the default graph.
type Quad struct {
	Subject   Term
	Predicate Term
	Object    Term
	Graph     Term
}

// NewQuad builds a default-graph quad.
func NewQuad(subject, predicate, object Term) Quad {
	return Quad{Subject: subject, Predicate: predicate, Object: object}
}

// InGraph returns a copy of q placed in graph.
func (q Quad) InGraph(graph Term) Quad {
	q.Graph = graph
	return q
}

// Matches reports whether q satisfies the supplied pattern terms.
func (q Quad) Matches(subject, predicate, object, graph Term) bool {
	return q.Subject.Matches(subject) &&
		q.Predicate.Matches(predicate) &&
		q.Object.Matches(object) &&
		q.Graph.Matches(graph)
}

// String renders q as an N-Quads statement without the trailing newline.
func (q Quad) String() string {
	var b strings.Builder
	writeQuad(&b, q)
	return b.String()
}
