package rdf

// Namespaces of the vocabularies used for resource metadata.
const (
	RDFNamespace   = "http://www.w3.org/1999/02/22-rdf-syntax-ns#"
	XSDNamespace   = "http://www.w3.org/2001/XMLSchema#"
	LDPNamespace   = "http://www.w3.org/ns/ldp#"
	PIMNamespace   = "http://www.w3.org/ns/pim/space#"
	DCNamespace    = "http://purl.org/dc/terms/"
	POSIXNamespace = "http://www.w3.org/ns/posix/stat#"
	ACLNamespace   = "http://www.w3.org/ns/auth/acl#"
	MANamespace    = "http://www.w3.org/ns/ma-ont#"

	// PodstoreNamespace scopes metadata that only exists inside the server.
	PodstoreNamespace = "urn:podstore:"
)

const (
	RDFType       = RDFNamespace + "type"
	RDFLangString = RDFNamespace + "langString"

	XSDString   = XSDNamespace + "string"
	XSDInteger  = XSDNamespace + "integer"
	XSDDateTime = XSDNamespace + "dateTime"

	LDPResource       = LDPNamespace + "Resource"
	LDPContainer      = LDPNamespace + "Container"
	LDPBasicContainer = LDPNamespace + "BasicContainer"
	LDPContains       = LDPNamespace + "contains"

	PIMStorage = PIMNamespace + "Storage"

	DCModified = DCNamespace + "modified"

	POSIXSize  = POSIXNamespace + "size"
	POSIXMtime = POSIXNamespace + "mtime"

	ACLAccessControl = ACLNamespace + "accessControl"
	DescribedBy      = "http://www.w3.org/2007/05/powder-s#describedby"

	// ContentType stores the media type of a document.
	ContentType = MANamespace + "format"

	// Slug carries the client-suggested name of a resource created by POST.
	Slug = PodstoreNamespace + "http:slug"

	// ResponseMetadata is the graph holding metadata computed for a response.
	// Quads in this graph are never persisted.
	ResponseMetadata = PodstoreNamespace + "meta:ResponseMetadata"
)

// Frequently used terms.
var (
	TermType             = IRI(RDFType)
	TermContains         = IRI(LDPContains)
	TermModified         = IRI(DCModified)
	TermContentType      = IRI(ContentType)
	TermSlug             = IRI(Slug)
	TermResponseMetadata = IRI(ResponseMetadata)
)
