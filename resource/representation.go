package resource

import (
	"bytes"
	"io"
	"strings"

	"pkt.systems/podstore/rdf"
)

// InternalQuads is the content type of representations whose data is a quad
// stream serialized as N-Quads.
const InternalQuads = "internal/quads"

// Representation is a snapshot of a resource: a data stream plus metadata.
// The consumer owns Data and must close it.
type Representation struct {
	Data     io.ReadCloser
	Metadata *Metadata
	// Binary is false when Data carries quads.
	Binary bool
}

// NewRepresentation wraps raw bytes as a binary representation.
func NewRepresentation(data []byte, metadata *Metadata) *Representation {
	return &Representation{
		Data:     io.NopCloser(bytes.NewReader(data)),
		Metadata: metadata,
		Binary:   true,
	}
}

// NewStringRepresentation is NewRepresentation with a content type applied.
func NewStringRepresentation(id Identifier, data, contentType string) *Representation {
	meta := NewMetadata(id)
	meta.SetContentType(contentType)
	return NewRepresentation([]byte(data), meta)
}

// NewQuadRepresentation serializes quads as an InternalQuads stream.
func NewQuadRepresentation(quads []rdf.Quad, metadata *Metadata) *Representation {
	var buf bytes.Buffer
	_ = rdf.Write(&buf, quads)
	metadata.SetContentType(InternalQuads)
	return &Representation{
		Data:     io.NopCloser(&buf),
		Metadata: metadata,
		Binary:   false,
	}
}

// Close releases the data stream, if any.
func (r *Representation) Close() error {
	if r == nil || r.Data == nil {
		return nil
	}
	return r.Data.Close()
}

// IsQuadContentType reports whether contentType carries RDF statements the
// store can parse.
func IsQuadContentType(contentType string) bool {
	if rdf.IsMediaType(contentType) {
		return true
	}
	ct := strings.TrimSpace(strings.ToLower(contentType))
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	return ct == InternalQuads
}
