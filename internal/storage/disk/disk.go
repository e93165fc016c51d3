// Package disk implements storage.Accessor on the local filesystem.
//
// Layout below Root:
//
//	data/<path>                 document bytes, directories for containers
//	meta/<path>.doc.nq          document metadata
//	meta/<path>/.container.nq   container metadata
//	tmp/                        staging area for atomic writes
package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"pkt.systems/pslog"

	"pkt.systems/podstore/internal/logutil"
	"pkt.systems/podstore/internal/storage"
	"pkt.systems/podstore/rdf"
	"pkt.systems/podstore/resource"
)

const (
	documentMetaSuffix = ".doc.nq"
	containerMetaName  = ".container.nq"
	defaultContentType = "application/octet-stream"
)

// Config captures the tunables for the disk accessor.
type Config struct {
	Root   string
	Base   string
	Logger pslog.Logger
}

// Accessor implements storage.Accessor backed by the local filesystem.
type Accessor struct {
	root    string
	dataDir string
	metaDir string
	tmpDir  string
	mapper  storage.PathMapper
	logger  pslog.Logger
}

// New initialises a disk accessor rooted at cfg.Root.
func New(cfg Config) (*Accessor, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	root := filepath.Clean(cfg.Root)
	a := &Accessor{
		root:    root,
		dataDir: filepath.Join(root, "data"),
		metaDir: filepath.Join(root, "meta"),
		tmpDir:  filepath.Join(root, "tmp"),
		mapper:  storage.NewPathMapper(cfg.Base),
		logger:  logutil.WithSubsystem(logutil.EnsureLogger(cfg.Logger), "storage.disk"),
	}
	for _, dir := range []string{a.metaDir, a.tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	return a, nil
}

// Root returns the directory the accessor stores into.
func (a *Accessor) Root() string { return a.root }

// CanHandle only accepts binary representations.
func (a *Accessor) CanHandle(rep *resource.Representation) error {
	if rep == nil || !rep.Binary {
		return fmt.Errorf("%w: only binary data can be stored on disk", storage.ErrUnsupported)
	}
	return nil
}

// GetData opens the document file.
func (a *Accessor) GetData(ctx context.Context, id resource.Identifier) (io.ReadCloser, error) {
	rel, err := a.documentKey(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(a.dataPath(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: open %s: %w", id, err)
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		f.Close()
		return nil, storage.ErrNotFound
	}
	return f, nil
}

// GetMetadata reads the metadata sidecar and adds filesystem derived
// properties to the response metadata graph.
func (a *Accessor) GetMetadata(ctx context.Context, id resource.Identifier) (*resource.Metadata, error) {
	if id.IsContainer() {
		rel, err := a.mapper.Relative(id)
		if err != nil {
			return nil, err
		}
		return a.containerMetadata(id, rel)
	}
	rel, err := a.documentKey(id)
	if err != nil {
		return nil, err
	}
	return a.documentMetadata(id, rel)
}

// GetChildren lists the data directory of a container.
func (a *Accessor) GetChildren(ctx context.Context, id resource.Identifier) iter.Seq2[*resource.Metadata, error] {
	if !id.IsContainer() {
		return storage.ErrorSeq(storage.ErrNotContainer)
	}
	rel, err := a.mapper.Relative(id)
	if err != nil {
		return storage.ErrorSeq(err)
	}
	entries, err := os.ReadDir(a.dataPath(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.ErrorSeq(storage.ErrNotFound)
		}
		return storage.ErrorSeq(fmt.Errorf("disk: list %s: %w", id, err))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return func(yield func(*resource.Metadata, error) bool) {
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			childRel := joinKey(rel, entry.Name())
			var meta *resource.Metadata
			var err error
			if entry.IsDir() {
				meta, err = a.containerMetadata(a.mapper.Identifier(childRel, true), childRel)
			} else {
				meta, err = a.documentMetadata(a.mapper.Identifier(childRel, false), childRel)
			}
			if errors.Is(err, storage.ErrNotFound) {
				// removed between listing and stat
				continue
			}
			if !yield(meta, err) || err != nil {
				return
			}
		}
	}
}

// WriteDocument stores data then metadata, each through an atomic rename.
func (a *Accessor) WriteDocument(ctx context.Context, id resource.Identifier, data io.Reader, metadata *resource.Metadata) error {
	rel, err := a.documentKey(id)
	if err != nil {
		return err
	}
	a.logger.Trace("disk.write_document.begin", "id", id.Path)
	if err := a.requireParent(rel); err != nil {
		return err
	}
	dest := a.dataPath(rel)
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		return fmt.Errorf("%w: %s exists as a container", storage.ErrUnsupported, id)
	}
	if err := a.writeAtomic(dest, data); err != nil {
		return fmt.Errorf("disk: write %s: %w", id, err)
	}
	if err := a.writeMetadata(a.documentMetaPath(rel), metadata); err != nil {
		return fmt.Errorf("disk: write metadata %s: %w", id, err)
	}
	a.logger.Debug("disk.write_document.success", "id", id.Path)
	return nil
}

// WriteContainer creates the container directory and stores its metadata.
func (a *Accessor) WriteContainer(ctx context.Context, id resource.Identifier, metadata *resource.Metadata) error {
	if !id.IsContainer() {
		return fmt.Errorf("%w: %s is a document identifier", storage.ErrUnsupported, id)
	}
	rel, err := a.mapper.Relative(id)
	if err != nil {
		return err
	}
	a.logger.Trace("disk.write_container.begin", "id", id.Path)
	dir := a.dataPath(rel)
	if rel == "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("disk: create root: %w", err)
		}
	} else {
		if err := a.requireParent(rel); err != nil {
			return err
		}
		if err := os.Mkdir(dir, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("disk: create container %s: %w", id, err)
		}
		if info, err := os.Stat(dir); err == nil && !info.IsDir() {
			return fmt.Errorf("%w: %s exists as a document", storage.ErrUnsupported, id)
		}
	}
	if err := a.writeMetadata(a.containerMetaPath(rel), metadata); err != nil {
		return fmt.Errorf("disk: write metadata %s: %w", id, err)
	}
	a.logger.Debug("disk.write_container.success", "id", id.Path)
	return nil
}

// DeleteResource removes a document or an empty container together with its
// metadata sidecar.
func (a *Accessor) DeleteResource(ctx context.Context, id resource.Identifier) error {
	if id.IsContainer() {
		rel, err := a.mapper.Relative(id)
		if err != nil {
			return err
		}
		if rel == "" {
			return fmt.Errorf("%w: refusing to delete the root container", storage.ErrUnsupported)
		}
		dir := a.dataPath(rel)
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return storage.ErrNotFound
		}
		if err := os.Remove(dir); err != nil {
			if errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST) {
				return fmt.Errorf("disk: container %s is not empty: %w", id, err)
			}
			return fmt.Errorf("disk: delete %s: %w", id, err)
		}
		metaDir := filepath.Join(a.metaDir, filepath.FromSlash(rel))
		if err := os.Remove(filepath.Join(metaDir, containerMetaName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			a.logger.Warn("disk.delete.metadata_failed", "id", id.Path, "error", err)
		}
		_ = os.Remove(metaDir)
		return nil
	}
	rel, err := a.documentKey(id)
	if err != nil {
		return err
	}
	dest := a.dataPath(rel)
	if info, err := os.Stat(dest); err != nil || info.IsDir() {
		return storage.ErrNotFound
	}
	if err := os.Remove(dest); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("disk: delete %s: %w", id, err)
	}
	if err := os.Remove(a.documentMetaPath(rel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		a.logger.Warn("disk.delete.metadata_failed", "id", id.Path, "error", err)
	}
	return nil
}

func (a *Accessor) containerMetadata(id resource.Identifier, rel string) (*resource.Metadata, error) {
	info, err := os.Stat(a.dataPath(rel))
	if err != nil || !info.IsDir() {
		return nil, storage.ErrNotFound
	}
	meta, err := a.readMetadata(id, a.containerMetaPath(rel))
	if err != nil {
		return nil, err
	}
	if meta == nil {
		meta = resource.NewMetadata(id)
		meta.Add(rdf.TermType, rdf.IRI(rdf.LDPContainer))
		meta.Add(rdf.TermType, rdf.IRI(rdf.LDPBasicContainer))
		meta.Add(rdf.TermType, rdf.IRI(rdf.LDPResource))
	}
	addFileInfo(meta, info, false)
	return meta, nil
}

func (a *Accessor) documentMetadata(id resource.Identifier, rel string) (*resource.Metadata, error) {
	info, err := os.Stat(a.dataPath(rel))
	if err != nil || info.IsDir() {
		return nil, storage.ErrNotFound
	}
	meta, err := a.readMetadata(id, a.documentMetaPath(rel))
	if err != nil {
		return nil, err
	}
	if meta == nil {
		meta = resource.NewMetadata(id)
		meta.Add(rdf.TermType, rdf.IRI(rdf.LDPResource))
		meta.SetContentType(defaultContentType)
	}
	addFileInfo(meta, info, true)
	return meta, nil
}

func addFileInfo(meta *resource.Metadata, info fs.FileInfo, withSize bool) {
	if withSize {
		meta.AddInGraph(rdf.IRI(rdf.POSIXSize), rdf.TypedLiteral(strconv.FormatInt(info.Size(), 10), rdf.XSDInteger), rdf.TermResponseMetadata)
	}
	meta.AddInGraph(rdf.IRI(rdf.POSIXMtime), rdf.TypedLiteral(strconv.FormatInt(info.ModTime().Unix(), 10), rdf.XSDInteger), rdf.TermResponseMetadata)
	if _, ok := meta.Modified(); !ok {
		meta.SetModified(info.ModTime())
	}
}

func (a *Accessor) readMetadata(id resource.Identifier, path string) (*resource.Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("disk: open metadata %s: %w", id, err)
	}
	defer f.Close()
	meta, err := storage.ReadMetadata(id, f)
	if err != nil {
		return nil, fmt.Errorf("disk: read metadata %s: %w", id, err)
	}
	return meta, nil
}

func (a *Accessor) writeMetadata(dest string, metadata *resource.Metadata) error {
	var payload []byte
	if metadata != nil {
		payload = metadata.MarshalNQuads()
	}
	return a.writeAtomic(dest, strings.NewReader(string(payload)))
}

func (a *Accessor) writeAtomic(dest string, body io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(a.tmpDir, "podstore-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := syncFile(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	_ = syncDir(filepath.Dir(dest))
	return nil
}

func (a *Accessor) requireParent(rel string) error {
	parent := ""
	if idx := strings.LastIndexByte(rel, '/'); idx >= 0 {
		parent = rel[:idx]
	}
	info, err := os.Stat(a.dataPath(parent))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: parent container of %s", storage.ErrNotFound, rel)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: parent of %s", storage.ErrNotContainer, rel)
	}
	return nil
}

func (a *Accessor) documentKey(id resource.Identifier) (string, error) {
	if id.IsContainer() {
		return "", storage.ErrNotFound
	}
	rel, err := a.mapper.Relative(id)
	if err != nil {
		return "", err
	}
	if rel == "" {
		return "", storage.ErrNotFound
	}
	return rel, nil
}

func (a *Accessor) dataPath(rel string) string {
	return filepath.Join(a.dataDir, filepath.FromSlash(rel))
}

func (a *Accessor) documentMetaPath(rel string) string {
	return filepath.Join(a.metaDir, filepath.FromSlash(rel)+documentMetaSuffix)
}

func (a *Accessor) containerMetaPath(rel string) string {
	return filepath.Join(a.metaDir, filepath.FromSlash(rel), containerMetaName)
}

func joinKey(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
