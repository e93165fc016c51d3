package rdf

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Media types understood by the codec.
const (
	MediaTypeNTriples = "application/n-triples"
	MediaTypeNQuads   = "application/n-quads"
)

// IsMediaType reports whether contentType names one of the line based RDF
// formats handled by this package.
func IsMediaType(contentType string) bool {
	ct := strings.TrimSpace(strings.ToLower(contentType))
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	return ct == MediaTypeNTriples || ct == MediaTypeNQuads
}

// ParseOptions tune the parser.
type ParseOptions struct {
	// Base resolves relative IRIs such as <> or <child>. Empty means
	// relative IRIs are rejected.
	Base string
	// TriplesOnly rejects statements carrying a graph term.
	TriplesOnly bool
}

// SyntaxError reports a malformed statement.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("rdf: line %d: %s", e.Line, e.Msg)
}

// Parse decodes N-Quads (or N-Triples) statements from r.
func Parse(r io.Reader, opts ParseOptions) ([]Quad, error) {
	var base *url.URL
	if opts.Base != "" {
		u, err := url.Parse(opts.Base)
		if err != nil {
			return nil, fmt.Errorf("rdf: invalid base %q: %w", opts.Base, err)
		}
		base = u
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var quads []Quad
	line := 0
	for scanner.Scan() {
		line++
		p := &lineParser{src: scanner.Text(), line: line, base: base}
		q, ok, err := p.statement()
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if opts.TriplesOnly && !q.Graph.IsZero() {
			return nil, &SyntaxError{Line: line, Msg: "graph term not allowed in N-Triples"}
		}
		quads = append(quads, q)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("rdf: read: %w", err)
	}
	return quads, nil
}

// ParseString is Parse over an in-memory document.
func ParseString(doc string, opts ParseOptions) ([]Quad, error) {
	return Parse(strings.NewReader(doc), opts)
}

type lineParser struct {
	src  string
	pos  int
	line int
	base *url.URL
}

func (p *lineParser) errorf(format string, args ...any) error {
	return &SyntaxError{Line: p.line, Msg: fmt.Sprintf(format, args...)}
}

func (p *lineParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t' || p.src[p.pos] == '\r') {
		p.pos++
	}
}

func (p *lineParser) eol() bool {
	p.skipSpace()
	return p.pos >= len(p.src) || p.src[p.pos] == '#'
}

func (p *lineParser) statement() (Quad, bool, error) {
	if p.eol() {
		return Quad{}, false, nil
	}
	var q Quad
	var err error
	if q.Subject, err = p.term(); err != nil {
		return Quad{}, false, err
	}
	if q.Subject.IsLiteral() {
		return Quad{}, false, p.errorf("literal subject")
	}
	p.skipSpace()
	if q.Predicate, err = p.term(); err != nil {
		return Quad{}, false, err
	}
	if !q.Predicate.IsIRI() {
		return Quad{}, false, p.errorf("predicate must be an IRI")
	}
	p.skipSpace()
	if q.Object, err = p.term(); err != nil {
		return Quad{}, false, err
	}
	p.skipSpace()
	if p.pos < len(p.src) && p.src[p.pos] != '.' {
		if q.Graph, err = p.term(); err != nil {
			return Quad{}, false, err
		}
		if q.Graph.IsLiteral() {
			return Quad{}, false, p.errorf("literal graph label")
		}
		p.skipSpace()
	}
	if p.pos >= len(p.src) || p.src[p.pos] != '.' {
		return Quad{}, false, p.errorf("expected '.'")
	}
	p.pos++
	if !p.eol() {
		return Quad{}, false, p.errorf("trailing content after '.'")
	}
	return q, true, nil
}

func (p *lineParser) term() (Term, error) {
	if p.pos >= len(p.src) {
		return Term{}, p.errorf("unexpected end of statement")
	}
	switch p.src[p.pos] {
	case '<':
		v, err := p.iri()
		if err != nil {
			return Term{}, err
		}
		return IRI(v), nil
	case '_':
		return p.blank()
	case '"':
		return p.literal()
	default:
		return Term{}, p.errorf("unexpected character %q", p.src[p.pos])
	}
}

func (p *lineParser) iri() (string, error) {
	p.pos++ // '<'
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case c == '>':
			p.pos++
			return p.resolve(b.String())
		case c == '\\':
			r, err := p.unicodeEscape()
			if err != nil {
				return "", err
			}
			b.WriteRune(r)
		case c == ' ' || c == '<' || c == '"' || c == '{' || c == '}' || c == '|' || c == '^' || c == '`':
			return "", p.errorf("invalid character %q in IRI", c)
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return "", p.errorf("unterminated IRI")
}

func (p *lineParser) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", p.errorf("invalid IRI %q", ref)
	}
	if u.IsAbs() {
		return ref, nil
	}
	if p.base == nil {
		return "", p.errorf("relative IRI %q without base", ref)
	}
	return p.base.ResolveReference(u).String(), nil
}

func (p *lineParser) unicodeEscape() (rune, error) {
	if p.pos+1 >= len(p.src) {
		return 0, p.errorf("truncated escape")
	}
	var width int
	switch p.src[p.pos+1] {
	case 'u':
		width = 4
	case 'U':
		width = 8
	default:
		return 0, p.errorf("invalid escape \\%c", p.src[p.pos+1])
	}
	start := p.pos + 2
	if start+width > len(p.src) {
		return 0, p.errorf("truncated unicode escape")
	}
	v, err := strconv.ParseUint(p.src[start:start+width], 16, 32)
	if err != nil || !utf8.ValidRune(rune(v)) {
		return 0, p.errorf("invalid unicode escape")
	}
	p.pos = start + width
	return rune(v), nil
}

func (p *lineParser) blank() (Term, error) {
	if !strings.HasPrefix(p.src[p.pos:], "_:") {
		return Term{}, p.errorf("malformed blank node")
	}
	p.pos += 2
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == ' ' || c == '\t' || c == '<' || c == '"' {
			break
		}
		if c == '.' && (p.pos+1 >= len(p.src) || p.src[p.pos+1] == ' ' || p.src[p.pos+1] == '\t' || p.src[p.pos+1] == '#') {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return Term{}, p.errorf("empty blank node label")
	}
	return Blank(p.src[start:p.pos]), nil
}

func (p *lineParser) literal() (Term, error) {
	p.pos++ // opening quote
	var b strings.Builder
	closed := false
	for p.pos < len(p.src) && !closed {
		c := p.src[p.pos]
		switch c {
		case '"':
			p.pos++
			closed = true
		case '\\':
			if p.pos+1 >= len(p.src) {
				return Term{}, p.errorf("truncated escape")
			}
			switch p.src[p.pos+1] {
			case 't':
				b.WriteByte('\t')
			case 'b':
				b.WriteByte('\b')
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 'f':
				b.WriteByte('\f')
			case '"':
				b.WriteByte('"')
			case '\'':
				b.WriteByte('\'')
			case '\\':
				b.WriteByte('\\')
			case 'u', 'U':
				r, err := p.unicodeEscape()
				if err != nil {
					return Term{}, err
				}
				b.WriteRune(r)
				continue
			default:
				return Term{}, p.errorf("invalid escape \\%c", p.src[p.pos+1])
			}
			p.pos += 2
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	if !closed {
		return Term{}, p.errorf("unterminated literal")
	}
	value := b.String()
	if p.pos < len(p.src) {
		switch {
		case p.src[p.pos] == '@':
			p.pos++
			start := p.pos
			for p.pos < len(p.src) && (isAlnum(p.src[p.pos]) || p.src[p.pos] == '-') {
				p.pos++
			}
			if p.pos == start {
				return Term{}, p.errorf("empty language tag")
			}
			return LangLiteral(value, p.src[start:p.pos]), nil
		case strings.HasPrefix(p.src[p.pos:], "^^"):
			p.pos += 2
			if p.pos >= len(p.src) || p.src[p.pos] != '<' {
				return Term{}, p.errorf("datatype must be an IRI")
			}
			dt, err := p.iri()
			if err != nil {
				return Term{}, err
			}
			return TypedLiteral(value, dt), nil
		}
	}
	return Literal(value), nil
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Write serializes quads as N-Quads, one statement per line, in the order
// given.
func Write(w io.Writer, quads []Quad) error {
	bw := bufio.NewWriter(w)
	var b strings.Builder
	for _, q := range quads {
		b.Reset()
		writeQuad(&b, q)
		b.WriteString("\n")
		if _, err := bw.WriteString(b.String()); err != nil {
			return fmt.Errorf("rdf: write: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("rdf: write: %w", err)
	}
	return nil
}

// Serialize renders quads canonically: sorted and de-duplicated.
func Serialize(quads []Quad) []byte {
	lines := make([]string, 0, len(quads))
	seen := make(map[string]struct{}, len(quads))
	for _, q := range quads {
		line := q.String()
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		lines = append(lines, line)
	}
	sort.Strings(lines)
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// WriteTriples serializes the default-graph projection of quads as
// N-Triples, dropping graph labels.
func WriteTriples(w io.Writer, quads []Quad) error {
	triples := make([]Quad, len(quads))
	for i, q := range quads {
		q.Graph = Term{}
		triples[i] = q
	}
	return Write(w, triples)
}

func writeQuad(b *strings.Builder, q Quad) {
	writeTerm(b, q.Subject)
	b.WriteByte(' ')
	writeTerm(b, q.Predicate)
	b.WriteByte(' ')
	writeTerm(b, q.Object)
	if !q.Graph.IsZero() {
		b.WriteByte(' ')
		writeTerm(b, q.Graph)
	}
	b.WriteString(" .")
}

func writeTerm(b *strings.Builder, t Term) {
	switch t.Kind {
	case KindIRI:
		b.WriteByte('<')
		writeIRI(b, t.Value)
		b.WriteByte('>')
	case KindBlank:
		b.WriteString("_:")
		b.WriteString(t.Value)
	case KindLiteral:
		b.WriteByte('"')
		writeEscaped(b, t.Value)
		b.WriteByte('"')
		switch {
		case t.Language != "":
			b.WriteByte('@')
			b.WriteString(t.Language)
		case t.Datatype != "" && t.Datatype != XSDString:
			b.WriteString("^^<")
			writeIRI(b, t.Datatype)
			b.WriteByte('>')
		}
	}
}

func writeIRI(b *strings.Builder, v string) {
	for _, r := range v {
		switch {
		case r <= 0x20, r == '<', r == '>', r == '"', r == '{', r == '}', r == '|', r == '^', r == '`', r == '\\':
			fmt.Fprintf(b, "\\u%04X", r)
		default:
			b.WriteRune(r)
		}
	}
}

func writeEscaped(b *strings.Builder, v string) {
	for _, r := range v {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
}
