package rdf_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"pkt.systems/podstore/rdf"
)

func TestParseStatements(t *testing.T) {
	doc := `# comment
<http://ex.org/s> <http://ex.org/p> <http://ex.org/o> .
<http://ex.org/s> <http://ex.org/p> "hello \"world\"\n" .
_:b1 <http://ex.org/p> "42"^^<http://www.w3.org/2001/XMLSchema#integer> <http://ex.org/g> .
<http://ex.org/s> <http://ex.org/p> "chat"@FR .

`
	quads, err := rdf.ParseString(doc, rdf.ParseOptions{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(quads) != 4 {
		t.Fatalf("expected 4 quads, got %d", len(quads))
	}
	if got := quads[1].Object.Value; got != "hello \"world\"\n" {
		t.Fatalf("unexpected literal %q", got)
	}
	if quads[2].Subject != rdf.Blank("b1") {
		t.Fatalf("expected blank subject, got %v", quads[2].Subject)
	}
	if quads[2].Object.Datatype != rdf.XSDInteger {
		t.Fatalf("expected integer datatype, got %q", quads[2].Object.Datatype)
	}
	if quads[2].Graph != rdf.IRI("http://ex.org/g") {
		t.Fatalf("expected named graph, got %v", quads[2].Graph)
	}
	if quads[3].Object.Language != "fr" {
		t.Fatalf("expected lower-cased language, got %q", quads[3].Object.Language)
	}
}

func TestParseResolvesRelativeIRIs(t *testing.T) {
	quads, err := rdf.ParseString(`<> <http://purl.org/dc/terms/title> "t" .
<child> <http://ex.org/p> <../x> .`, rdf.ParseOptions{Base: "http://pod.example/a/b/"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if quads[0].Subject.Value != "http://pod.example/a/b/" {
		t.Fatalf("unexpected subject %q", quads[0].Subject.Value)
	}
	if quads[1].Subject.Value != "http://pod.example/a/b/child" {
		t.Fatalf("unexpected subject %q", quads[1].Subject.Value)
	}
	if quads[1].Object.Value != "http://pod.example/a/x" {
		t.Fatalf("unexpected object %q", quads[1].Object.Value)
	}
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"missing dot":       `<http://ex.org/s> <http://ex.org/p> <http://ex.org/o>`,
		"literal subject":   `"s" <http://ex.org/p> <http://ex.org/o> .`,
		"blank predicate":   `<http://ex.org/s> _:p <http://ex.org/o> .`,
		"unterminated":      `<http://ex.org/s> <http://ex.org/p> "open .`,
		"relative no base":  `<s> <http://ex.org/p> <http://ex.org/o> .`,
		"garbage":           `this is not rdf`,
		"trailing content":  `<http://ex.org/s> <http://ex.org/p> <http://ex.org/o> . x`,
		"literal graph":     `<http://ex.org/s> <http://ex.org/p> <http://ex.org/o> "g" .`,
		"bad escape":        `<http://ex.org/s> <http://ex.org/p> "\q" .`,
		"space inside iri":  `<http://ex.org/a b> <http://ex.org/p> <http://ex.org/o> .`,
		"empty blank label": `_: <http://ex.org/p> <http://ex.org/o> .`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := rdf.ParseString(doc, rdf.ParseOptions{})
			var syn *rdf.SyntaxError
			if !errors.As(err, &syn) {
				t.Fatalf("expected syntax error, got %v", err)
			}
			if syn.Line != 1 {
				t.Fatalf("expected line 1, got %d", syn.Line)
			}
		})
	}
}

func TestParseTriplesOnlyRejectsGraphs(t *testing.T) {
	_, err := rdf.ParseString(`<http://ex.org/s> <http://ex.org/p> <http://ex.org/o> <http://ex.org/g> .`, rdf.ParseOptions{TriplesOnly: true})
	if err == nil {
		t.Fatalf("expected error for graph term")
	}
}

func TestWriteRoundTrip(t *testing.T) {
	in := []rdf.Quad{
		rdf.NewQuad(rdf.IRI("http://ex.org/s"), rdf.IRI("http://ex.org/p"), rdf.Literal("tab\there \\ \"q\"")),
		rdf.NewQuad(rdf.IRI("http://ex.org/s"), rdf.IRI("http://ex.org/p"), rdf.LangLiteral("hei", "nb")).InGraph(rdf.IRI("http://ex.org/g")),
		rdf.NewQuad(rdf.Blank("x"), rdf.IRI("http://ex.org/p"), rdf.TypedLiteral("2024-01-02T03:04:05Z", rdf.XSDDateTime)),
		rdf.NewQuad(rdf.IRI("http://ex.org/with space"), rdf.IRI("http://ex.org/p"), rdf.IRI("http://ex.org/o")),
	}
	var buf bytes.Buffer
	if err := rdf.Write(&buf, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := rdf.Parse(&buf, rdf.ParseOptions{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d quads, got %d", len(in), len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("quad %d: expected %v, got %v", i, in[i], out[i])
		}
	}
}

func TestSerializeIsCanonical(t *testing.T) {
	a := rdf.NewQuad(rdf.IRI("http://ex.org/a"), rdf.IRI("http://ex.org/p"), rdf.Literal("1"))
	b := rdf.NewQuad(rdf.IRI("http://ex.org/b"), rdf.IRI("http://ex.org/p"), rdf.Literal("2"))
	first := rdf.Serialize([]rdf.Quad{b, a, b})
	second := rdf.Serialize([]rdf.Quad{a, b})
	if !bytes.Equal(first, second) {
		t.Fatalf("expected identical output, got %q and %q", first, second)
	}
	if strings.Count(string(first), "\n") != 2 {
		t.Fatalf("expected duplicates removed, got %q", first)
	}
}

func TestWriteTriplesDropsGraph(t *testing.T) {
	q := rdf.NewQuad(rdf.IRI("http://ex.org/s"), rdf.IRI("http://ex.org/p"), rdf.IRI("http://ex.org/o")).InGraph(rdf.TermResponseMetadata)
	var buf bytes.Buffer
	if err := rdf.WriteTriples(&buf, []rdf.Quad{q}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got, want := buf.String(), "<http://ex.org/s> <http://ex.org/p> <http://ex.org/o> .\n"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestIsMediaType(t *testing.T) {
	if !rdf.IsMediaType("application/n-triples; charset=utf-8") {
		t.Fatalf("expected n-triples to be recognized")
	}
	if rdf.IsMediaType("text/plain") {
		t.Fatalf("text/plain is not rdf")
	}
}

func TestQuadMatchesWildcards(t *testing.T) {
	q := rdf.NewQuad(rdf.IRI("http://ex.org/s"), rdf.TermType, rdf.IRI(rdf.LDPContainer))
	if !q.Matches(rdf.Term{}, rdf.TermType, rdf.Term{}, rdf.Term{}) {
		t.Fatalf("expected wildcard match")
	}
	if q.Matches(rdf.Term{}, rdf.TermType, rdf.IRI(rdf.LDPResource), rdf.Term{}) {
		t.Fatalf("expected object mismatch")
	}
}
