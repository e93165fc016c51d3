package disk

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/podstore/internal/storage"
	"pkt.systems/podstore/rdf"
	"pkt.systems/podstore/resource"
)

func newTestAccessor(t *testing.T) *Accessor {
	t.Helper()
	acc, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new accessor: %v", err)
	}
	root := resource.NewMetadata(resource.ID("/"))
	root.Add(rdf.TermType, rdf.IRI(rdf.LDPContainer))
	if err := acc.WriteContainer(context.Background(), resource.ID("/"), root); err != nil {
		t.Fatalf("write root: %v", err)
	}
	return acc
}

func TestDiskDocumentRoundTrip(t *testing.T) {
	acc := newTestAccessor(t)
	ctx := context.Background()
	meta := resource.NewMetadata(resource.ID("/notes.txt"))
	meta.SetContentType("text/plain")
	if err := acc.WriteDocument(ctx, resource.ID("/notes.txt"), strings.NewReader("hello disk"), meta); err != nil {
		t.Fatalf("write: %v", err)
	}
	rc, err := acc.GetData(ctx, resource.ID("/notes.txt"))
	if err != nil {
		t.Fatalf("get data: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != "hello disk" {
		t.Fatalf("unexpected body %q", body)
	}
	got, err := acc.GetMetadata(ctx, resource.ID("/notes.txt"))
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	if got.ContentType() != "text/plain" {
		t.Fatalf("unexpected content type %q", got.ContentType())
	}
	sizes := got.QuadsInGraph(rdf.TermResponseMetadata)
	found := false
	for _, q := range sizes {
		if q.Predicate.Value == rdf.POSIXSize && q.Object.Value == "10" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected posix:size 10 in response metadata, got %v", sizes)
	}
	if _, err := os.Stat(filepath.Join(acc.Root(), "meta", "notes.txt.doc.nq")); err != nil {
		t.Fatalf("expected metadata sidecar: %v", err)
	}
	entries, _ := os.ReadDir(filepath.Join(acc.Root(), "tmp"))
	if len(entries) != 0 {
		t.Fatalf("expected staging area to be empty, got %d entries", len(entries))
	}
}

func TestDiskContainersAndChildren(t *testing.T) {
	acc := newTestAccessor(t)
	ctx := context.Background()
	if err := acc.WriteContainer(ctx, resource.ID("/c/"), resource.NewMetadata(resource.ID("/c/"))); err != nil {
		t.Fatalf("write container: %v", err)
	}
	if err := acc.WriteContainer(ctx, resource.ID("/c/sub/"), resource.NewMetadata(resource.ID("/c/sub/"))); err != nil {
		t.Fatalf("write sub container: %v", err)
	}
	if err := acc.WriteDocument(ctx, resource.ID("/c/doc"), strings.NewReader("x"), resource.NewMetadata(resource.ID("/c/doc"))); err != nil {
		t.Fatalf("write doc: %v", err)
	}
	var ids []string
	for child, err := range acc.GetChildren(ctx, resource.ID("/c/")) {
		if err != nil {
			t.Fatalf("children: %v", err)
		}
		ids = append(ids, child.Identifier().Value)
	}
	if len(ids) != 2 || ids[0] != "/c/doc" || ids[1] != "/c/sub/" {
		t.Fatalf("unexpected children %v", ids)
	}
	if err := acc.DeleteResource(ctx, resource.ID("/c/")); err == nil {
		t.Fatalf("expected non-empty container delete to fail")
	}
	if err := acc.DeleteResource(ctx, resource.ID("/c/sub/")); err != nil {
		t.Fatalf("delete sub: %v", err)
	}
	if _, err := acc.GetMetadata(ctx, resource.ID("/c/sub/")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDiskSlashVariantsAreDistinct(t *testing.T) {
	acc := newTestAccessor(t)
	ctx := context.Background()
	if err := acc.WriteDocument(ctx, resource.ID("/thing"), strings.NewReader("x"), resource.NewMetadata(resource.ID("/thing"))); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := acc.GetMetadata(ctx, resource.ID("/thing/")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected container variant to be absent, got %v", err)
	}
	if err := acc.WriteDocument(ctx, resource.ID("/thing/child"), strings.NewReader("x"), resource.NewMetadata(resource.ID("/thing/child"))); !errors.Is(err, storage.ErrNotContainer) {
		t.Fatalf("expected not container, got %v", err)
	}
}

func TestDiskRejectsNonBinary(t *testing.T) {
	acc := newTestAccessor(t)
	rep := resource.NewQuadRepresentation(nil, resource.NewMetadata(resource.ID("/q")))
	if err := acc.CanHandle(rep); !errors.Is(err, storage.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestDiskRefusesRootDelete(t *testing.T) {
	acc := newTestAccessor(t)
	if err := acc.DeleteResource(context.Background(), resource.ID("/")); !errors.Is(err, storage.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}
