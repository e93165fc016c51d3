package store_test

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"pkt.systems/podstore/internal/clock"
	"pkt.systems/podstore/internal/storage/memory"
	"pkt.systems/podstore/internal/store"
	"pkt.systems/podstore/internal/strategy"
	"pkt.systems/podstore/rdf"
	"pkt.systems/podstore/resource"
)

var epoch = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

type fixture struct {
	store    *store.AccessorStore
	accessor *memory.Accessor
	clock    *clock.Manual
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	accessor := memory.New()
	clk := clock.NewManual(epoch)
	s, err := store.NewAccessorStore(store.Config{
		Accessor:           accessor,
		IdentifierStrategy: strategy.NewSingleRootIdentifierStrategy("/"),
		AuxiliaryStrategy:  strategy.DefaultAuxiliaryStrategy(),
		Clock:              clk,
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	created, err := s.Init(context.Background(), resource.ID("/"))
	if err != nil || !created {
		t.Fatalf("init: created=%v err=%v", created, err)
	}
	return fixture{store: s, accessor: accessor, clock: clk}
}

func text(path, body string) *resource.Representation {
	return resource.NewStringRepresentation(resource.ID(path), body, "text/plain")
}

func expectChanges(t *testing.T, got []resource.ModifiedResource, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected changes %v, got %v", want, got)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Fatalf("change %d: expected %q, got %q (all: %v)", i, want[i], got[i].String(), got)
		}
	}
}

func expectKind(t *testing.T, err error, kind resource.Kind) {
	t.Helper()
	if !resource.IsKind(err, kind) {
		t.Fatalf("expected %s, got %v", kind, err)
	}
}

func readAll(t *testing.T, rep *resource.Representation) string {
	t.Helper()
	defer rep.Close()
	body, err := io.ReadAll(rep.Data)
	if err != nil {
		t.Fatalf("read representation: %v", err)
	}
	return string(body)
}

func TestInitCreatesRootStorage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	meta, err := f.accessor.GetMetadata(ctx, resource.ID("/"))
	if err != nil {
		t.Fatalf("root metadata: %v", err)
	}
	if !meta.Has(rdf.TermType, rdf.IRI(rdf.PIMStorage)) || !meta.IsContainerType() {
		t.Fatalf("expected typed root storage, got %v", meta.Quads())
	}
	created, err := f.store.Init(ctx, resource.ID("/"))
	if err != nil || created {
		t.Fatalf("expected second init to be a no-op, got created=%v err=%v", created, err)
	}
}

func TestSetRepresentationCreatesContainersRecursively(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	changes, err := f.store.SetRepresentation(ctx, resource.ID("/a/b/c/doc"), text("/a/b/c/doc", "hello"), nil)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	expectChanges(t, changes, "created /a/", "created /a/b/", "created /a/b/c/", "created /a/b/c/doc")

	rep, err := f.store.GetRepresentation(ctx, resource.ID("/a/b/c/doc"), resource.Preferences{}, nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if body := readAll(t, rep); body != "hello" {
		t.Fatalf("expected body hello, got %q", body)
	}
	if ct := rep.Metadata.ContentType(); ct != "text/plain" {
		t.Fatalf("expected content type text/plain, got %q", ct)
	}

	parentBefore, err := f.accessor.GetMetadata(ctx, resource.ID("/a/b/c/"))
	if err != nil {
		t.Fatalf("parent metadata: %v", err)
	}
	f.clock.Advance(5 * time.Second)
	changes, err = f.store.SetRepresentation(ctx, resource.ID("/a/b/c/doc"), text("/a/b/c/doc", "again"), nil)
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	expectChanges(t, changes, "changed /a/b/c/doc")
	parentAfter, err := f.accessor.GetMetadata(ctx, resource.ID("/a/b/c/"))
	if err != nil {
		t.Fatalf("parent metadata: %v", err)
	}
	if before, after := resource.ETag(parentBefore), resource.ETag(parentAfter); before != after {
		t.Fatalf("expected parent etag %s to survive an overwrite, got %s", before, after)
	}
}

func TestSetRepresentationThroughDocumentIsForbidden(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.store.SetRepresentation(ctx, resource.ID("/a"), text("/a", "doc"), nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	_, err := f.store.SetRepresentation(ctx, resource.ID("/a/b/doc"), text("/a/b/doc", "x"), nil)
	expectKind(t, err, resource.KindForbidden)
}

func TestSlashVariants(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.store.SetRepresentation(ctx, resource.ID("/x"), text("/x", "doc"), nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	if exists, err := f.store.ResourceExists(ctx, resource.ID("/x"), nil); err != nil || !exists {
		t.Fatalf("expected /x to exist, got %v (%v)", exists, err)
	}
	if exists, err := f.store.ResourceExists(ctx, resource.ID("/x/"), nil); err != nil || exists {
		t.Fatalf("expected /x/ to be absent, got %v (%v)", exists, err)
	}
	_, err := f.store.SetRepresentation(ctx, resource.ID("/x/"), resource.NewRepresentation(nil, nil), nil)
	expectKind(t, err, resource.KindConflict)
	if _, err := f.accessor.GetMetadata(ctx, resource.ID("/x/")); err == nil {
		t.Fatal("slash variant must not exist in storage")
	}

	rep, err := f.store.GetRepresentation(ctx, resource.ID("/x/"), resource.Preferences{}, nil)
	if err != nil {
		t.Fatalf("get slash variant: %v", err)
	}
	if got := rep.Metadata.Identifier().Value; got != "/x" {
		t.Fatalf("expected metadata of /x, got %s", got)
	}
	if body := readAll(t, rep); body != "doc" {
		t.Fatalf("expected doc body, got %q", body)
	}
}

func TestDocumentWithContainerTypeIsBadRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rep := text("/doc", "x")
	rep.Metadata.Add(rdf.TermType, rdf.IRI(rdf.LDPBasicContainer))
	_, err := f.store.SetRepresentation(context.Background(), resource.ID("/doc"), rep, nil)
	expectKind(t, err, resource.KindBadRequest)
}

func TestContainerBodies(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	contains := resource.NewStringRepresentation(resource.ID("/c/"),
		"</c/> <"+rdf.LDPContains+"> </c/x> .\n", rdf.MediaTypeNTriples)
	_, err := f.store.SetRepresentation(ctx, resource.ID("/c/"), contains, nil)
	expectKind(t, err, resource.KindConflict)

	foreign := resource.NewStringRepresentation(resource.ID("/c/"),
		"</other/> <"+rdf.LDPContains+"> </other/x> .\n", rdf.MediaTypeNTriples)
	_, err = f.store.SetRepresentation(ctx, resource.ID("/c/"), foreign, nil)
	expectKind(t, err, resource.KindConflict)
	if _, err := f.accessor.GetMetadata(ctx, resource.ID("/c/")); err == nil {
		t.Fatal("rejected container must not be written")
	}

	binary := resource.NewStringRepresentation(resource.ID("/c/"), "not rdf", "text/plain")
	_, err = f.store.SetRepresentation(ctx, resource.ID("/c/"), binary, nil)
	expectKind(t, err, resource.KindBadRequest)

	titled := resource.NewStringRepresentation(resource.ID("/c/"),
		"<> <http://purl.org/dc/terms/title> \"Notes\" .\n", rdf.MediaTypeNTriples)
	changes, err := f.store.SetRepresentation(ctx, resource.ID("/c/"), titled, nil)
	if err != nil {
		t.Fatalf("set container: %v", err)
	}
	expectChanges(t, changes, "changed /", "created /c/")
	meta, err := f.accessor.GetMetadata(ctx, resource.ID("/c/"))
	if err != nil {
		t.Fatalf("container metadata: %v", err)
	}
	if title, ok := meta.Get(rdf.IRI("http://purl.org/dc/terms/title")); !ok || title.Value != "Notes" {
		t.Fatalf("expected container body folded into metadata, got %v", meta.Quads())
	}
}

func TestContainerRepresentationListsChildren(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	for _, path := range []string{"/c/a", "/c/b"} {
		if _, err := f.store.SetRepresentation(ctx, resource.ID(path), text(path, path), nil); err != nil {
			t.Fatalf("set %s: %v", path, err)
		}
	}
	acl := resource.NewStringRepresentation(resource.ID("/c/a.acl"), "<#r> <"+rdf.RDFType+"> <http://www.w3.org/ns/auth/acl#Authorization> .\n", rdf.MediaTypeNTriples)
	if _, err := f.store.SetRepresentation(ctx, resource.ID("/c/a.acl"), acl, nil); err != nil {
		t.Fatalf("set acl: %v", err)
	}

	rep, err := f.store.GetRepresentation(ctx, resource.ID("/c/"), resource.Preferences{}, nil)
	if err != nil {
		t.Fatalf("get container: %v", err)
	}
	if rep.Binary || rep.Metadata.ContentType() != resource.InternalQuads {
		t.Fatalf("expected quad representation, got binary=%v type %q", rep.Binary, rep.Metadata.ContentType())
	}
	quads, err := rdf.ParseString(readAll(t, rep), rdf.ParseOptions{Base: "/c/"})
	if err != nil {
		t.Fatalf("parse container data: %v", err)
	}
	var children []string
	for _, q := range quads {
		if q.Predicate == rdf.TermContains {
			children = append(children, q.Object.Value)
		}
	}
	if strings.Join(children, ",") != "/c/a,/c/b" {
		t.Fatalf("expected /c/a and /c/b as children, got %v", children)
	}
	if links := rep.Metadata.GetAll(rdf.IRI(rdf.ACLAccessControl)); len(links) != 1 || links[0].Value != "/c/.acl" {
		t.Fatalf("expected acl link on container, got %v", links)
	}
}

func TestDeleteRules(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.DeleteResource(ctx, resource.ID("/"), nil)
	expectKind(t, err, resource.KindMethodNotAllowed)
	if _, err := f.accessor.GetMetadata(ctx, resource.ID("/")); err != nil {
		t.Fatalf("root must survive delete attempt: %v", err)
	}

	if _, err := f.store.SetRepresentation(ctx, resource.ID("/c/doc"), text("/c/doc", "x"), nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	_, err = f.store.DeleteResource(ctx, resource.ID("/c/"), nil)
	expectKind(t, err, resource.KindConflict)

	meta := resource.NewStringRepresentation(resource.ID("/c/doc.meta"), "<> <http://purl.org/dc/terms/title> \"d\" .\n", rdf.MediaTypeNTriples)
	if _, err := f.store.SetRepresentation(ctx, resource.ID("/c/doc.meta"), meta, nil); err != nil {
		t.Fatalf("set description: %v", err)
	}
	changes, err := f.store.DeleteResource(ctx, resource.ID("/c/doc"), nil)
	if err != nil {
		t.Fatalf("delete doc: %v", err)
	}
	expectChanges(t, changes, "deleted /c/doc.meta", "changed /c/", "deleted /c/doc")

	changes, err = f.store.DeleteResource(ctx, resource.ID("/c/"), nil)
	if err != nil {
		t.Fatalf("delete empty container: %v", err)
	}
	expectChanges(t, changes, "changed /", "deleted /c/")

	_, err = f.store.DeleteResource(ctx, resource.ID("/c/"), nil)
	expectKind(t, err, resource.KindNotFound)
}

func TestDeleteRootACLIsNotAllowed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	acl := resource.NewStringRepresentation(resource.ID("/.acl"), "<#owner> <"+rdf.RDFType+"> <http://www.w3.org/ns/auth/acl#Authorization> .\n", rdf.MediaTypeNTriples)
	if _, err := f.store.SetRepresentation(ctx, resource.ID("/.acl"), acl, nil); err != nil {
		t.Fatalf("set root acl: %v", err)
	}
	_, err := f.store.DeleteResource(ctx, resource.ID("/.acl"), nil)
	expectKind(t, err, resource.KindMethodNotAllowed)
}

func TestAuxiliaryBodyMustBeRDF(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.store.SetRepresentation(context.Background(), resource.ID("/doc.acl"), text("/doc.acl", "allow all"), nil)
	expectKind(t, err, resource.KindBadRequest)
}

func TestConditions(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	id := resource.ID("/doc")
	f.clock.Advance(90 * time.Second)
	modified := f.clock.Now().Truncate(time.Second)
	if _, err := f.store.SetRepresentation(ctx, id, text("/doc", "v1"), nil); err != nil {
		t.Fatalf("set: %v", err)
	}

	_, err := f.store.GetRepresentation(ctx, id, resource.Preferences{}, &resource.BasicConditions{ModifiedSince: modified})
	expectKind(t, err, resource.KindPreconditionFailed)

	rep, err := f.store.GetRepresentation(ctx, id, resource.Preferences{}, &resource.BasicConditions{UnmodifiedSince: modified})
	if err != nil {
		t.Fatalf("unmodified since: %v", err)
	}
	rep.Close()
	etag := resource.ETag(rep.Metadata)
	if etag != resource.ETagFor(modified) {
		t.Fatalf("expected etag %s, got %s", resource.ETagFor(modified), etag)
	}

	_, err = f.store.SetRepresentation(ctx, id, text("/doc", "v2"), &resource.BasicConditions{MatchesETag: []string{`"abc"`}})
	expectKind(t, err, resource.KindPreconditionFailed)
	if _, err := f.store.SetRepresentation(ctx, id, text("/doc", "v2"), &resource.BasicConditions{MatchesETag: []string{etag}}); err != nil {
		t.Fatalf("matching etag: %v", err)
	}

	_, err = f.store.SetRepresentation(ctx, resource.ID("/new"), text("/new", "x"), &resource.BasicConditions{MatchesETag: []string{"*"}})
	expectKind(t, err, resource.KindPreconditionFailed)

	exists, err := f.store.ResourceExists(ctx, resource.ID("/missing"), &resource.BasicConditions{MatchesETag: []string{`"abc"`}})
	if err != nil || exists {
		t.Fatalf("expected missing resource without error, got exists=%v err=%v", exists, err)
	}
	_, err = f.store.ResourceExists(ctx, id, &resource.BasicConditions{NotMatchesETag: []string{"*"}})
	expectKind(t, err, resource.KindPreconditionFailed)
}

func TestAddResourceNaming(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.store.SetRepresentation(ctx, resource.ID("/c/x"), text("/c/x", "taken"), nil); err != nil {
		t.Fatalf("set: %v", err)
	}

	withSlug := func(slug string) *resource.Representation {
		rep := text("/c/", "body")
		rep.Metadata.Add(rdf.TermSlug, rdf.Literal(slug))
		return rep
	}

	added, err := f.store.AddResource(ctx, resource.ID("/c/"), withSlug("x"), nil)
	if err != nil {
		t.Fatalf("add colliding slug: %v", err)
	}
	if added.Identifier.Path == "/c/x" || !strings.HasPrefix(added.Identifier.Path, "/c/") {
		t.Fatalf("expected a fresh name below /c/, got %s", added.Identifier.Path)
	}
	if added.Type != resource.Created {
		t.Fatalf("expected created, got %s", added.Type)
	}

	added, err = f.store.AddResource(ctx, resource.ID("/c/"), withSlug("y"), nil)
	if err != nil || added.Identifier.Path != "/c/y" {
		t.Fatalf("expected /c/y, got %v (%v)", added, err)
	}
	meta, err := f.accessor.GetMetadata(ctx, resource.ID("/c/y"))
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.Has(rdf.TermSlug, rdf.Literal("y")) {
		t.Fatal("slug must not be persisted")
	}

	folder := withSlug("sub")
	folder.Metadata.SetContentType("")
	folder.Data = io.NopCloser(strings.NewReader(""))
	folder.Metadata.Add(rdf.TermType, rdf.IRI(rdf.LDPBasicContainer))
	added, err = f.store.AddResource(ctx, resource.ID("/c/"), folder, nil)
	if err != nil || added.Identifier.Path != "/c/sub/" {
		t.Fatalf("expected container /c/sub/, got %v (%v)", added, err)
	}

	_, err = f.store.AddResource(ctx, resource.ID("/c/"), withSlug("a/b"), nil)
	expectKind(t, err, resource.KindBadRequest)
	if _, err := f.accessor.GetMetadata(ctx, resource.ID("/c/a%2Fb")); err == nil {
		t.Fatal("slug with a slash must not be escaped into a name")
	}
	added, err = f.store.AddResource(ctx, resource.ID("/c/"), withSlug("/z/"), nil)
	if err != nil || added.Identifier.Path != "/c/z" {
		t.Fatalf("expected outer slashes to be trimmed to /c/z, got %v (%v)", added, err)
	}

	_, err = f.store.AddResource(ctx, resource.ID("/c/"), withSlug("y.acl"), nil)
	expectKind(t, err, resource.KindForbidden)

	_, err = f.store.AddResource(ctx, resource.ID("/missing/"), withSlug("z"), nil)
	expectKind(t, err, resource.KindNotFound)

	_, err = f.store.AddResource(ctx, resource.ID("/c/x"), withSlug("z"), nil)
	expectKind(t, err, resource.KindMethodNotAllowed)
}

func TestModifyResourceNotImplemented(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.store.ModifyResource(context.Background(), resource.ID("/doc"), resource.Patch{}, nil)
	expectKind(t, err, resource.KindNotImplemented)
}

func TestUnsupportedIdentifierIsNotFound(t *testing.T) {
	t.Parallel()

	accessor := memory.NewWithConfig(memory.Config{Base: "/pods/"})
	s, err := store.NewAccessorStore(store.Config{
		Accessor:           accessor,
		IdentifierStrategy: strategy.NewSingleRootIdentifierStrategy("/pods/"),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, err = s.GetRepresentation(context.Background(), resource.ID("/elsewhere"), resource.Preferences{}, nil)
	expectKind(t, err, resource.KindNotFound)
	exists, err := s.ResourceExists(context.Background(), resource.ID("/elsewhere"), nil)
	if err != nil || exists {
		t.Fatalf("expected false without error, got %v %v", exists, err)
	}
}
