// Package s3 implements storage.Accessor on S3-compatible object storage.
//
// Objects below the configured prefix mirror the disk layout: document bytes
// live under data/<path>, document metadata under meta/<path>.doc.nq and
// container metadata under meta/<path>/.container.nq. A container exists when
// its metadata object exists.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"

	"pkt.systems/podstore/internal/logutil"
	"pkt.systems/podstore/internal/storage"
	"pkt.systems/podstore/rdf"
	"pkt.systems/podstore/resource"
)

const (
	documentMetaSuffix = ".doc.nq"
	containerMetaName  = ".container.nq"
	metaContentType    = rdf.MediaTypeNQuads
	defaultContentType = "application/octet-stream"
)

// Config controls the behaviour of the S3 accessor.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	// Base is the root container path, "/" when empty.
	Base        string
	CustomCreds *credentials.Credentials
	Transport   http.RoundTripper
	Logger      pslog.Logger
}

// Accessor implements storage.Accessor backed by S3-compatible object storage.
type Accessor struct {
	client *minio.Client
	cfg    Config
	mapper storage.PathMapper
	logger pslog.Logger
}

// New constructs an Accessor using the provided configuration.
func New(cfg Config) (*Accessor, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	var creds *credentials.Credentials
	if cfg.CustomCreds != nil {
		creds = cfg.CustomCreds
	} else {
		chain := []credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		}
		creds = credentials.NewChainCredentials(chain)
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Accessor{
		client: client,
		cfg:    cfg,
		mapper: storage.NewPathMapper(cfg.Base),
		logger: logutil.WithSubsystem(logutil.EnsureLogger(cfg.Logger), "storage.s3"),
	}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	return clone
}

// Client exposes the underlying minio client.
func (a *Accessor) Client() *minio.Client { return a.client }

// BucketExists reports whether the configured bucket exists.
func (a *Accessor) BucketExists(ctx context.Context) (bool, error) {
	ok, err := a.client.BucketExists(ctx, a.cfg.Bucket)
	return ok, a.wrapError(err, "s3: bucket exists")
}

// CanHandle only accepts binary representations.
func (a *Accessor) CanHandle(rep *resource.Representation) error {
	if rep == nil || !rep.Binary {
		return fmt.Errorf("%w: only binary data can be stored in s3", storage.ErrUnsupported)
	}
	return nil
}

// GetData streams the document object.
func (a *Accessor) GetData(ctx context.Context, id resource.Identifier) (io.ReadCloser, error) {
	rel, err := a.documentKey(id)
	if err != nil {
		return nil, err
	}
	object := a.dataObject(rel)
	a.logger.Trace("s3.get_data.begin", "id", id.Path, "object", object)
	obj, err := a.client.GetObject(ctx, a.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, a.wrapError(err, "s3: get object")
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, a.wrapError(err, "s3: stat object")
	}
	return &notFoundAwareObject{object: obj}, nil
}

// GetMetadata loads the metadata object and adds object derived properties
// to the response metadata graph.
func (a *Accessor) GetMetadata(ctx context.Context, id resource.Identifier) (*resource.Metadata, error) {
	if id.IsContainer() {
		rel, err := a.mapper.Relative(id)
		if err != nil {
			return nil, err
		}
		return a.containerMetadata(ctx, id, rel)
	}
	rel, err := a.documentKey(id)
	if err != nil {
		return nil, err
	}
	return a.documentMetadata(ctx, id, rel)
}

// GetChildren lists the metadata objects directly below a container.
func (a *Accessor) GetChildren(ctx context.Context, id resource.Identifier) iter.Seq2[*resource.Metadata, error] {
	if !id.IsContainer() {
		return storage.ErrorSeq(storage.ErrNotContainer)
	}
	rel, err := a.mapper.Relative(id)
	if err != nil {
		return storage.ErrorSeq(err)
	}
	if _, err := a.containerMetadata(ctx, id, rel); err != nil {
		return storage.ErrorSeq(err)
	}
	prefix := a.metaPrefix(rel)
	return func(yield func(*resource.Metadata, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: false}
		for object := range a.client.ListObjects(ctx, a.cfg.Bucket, opts) {
			if object.Err != nil {
				yield(nil, a.wrapError(object.Err, "s3: list objects"))
				return
			}
			name := strings.TrimPrefix(object.Key, prefix)
			var meta *resource.Metadata
			var err error
			switch {
			case name == containerMetaName || name == "":
				continue
			case strings.HasSuffix(name, "/"):
				childRel := joinKey(rel, strings.TrimSuffix(name, "/"))
				meta, err = a.containerMetadata(ctx, a.mapper.Identifier(childRel, true), childRel)
			case strings.HasSuffix(name, documentMetaSuffix):
				childRel := joinKey(rel, strings.TrimSuffix(name, documentMetaSuffix))
				meta, err = a.documentMetadata(ctx, a.mapper.Identifier(childRel, false), childRel)
			default:
				continue
			}
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if !yield(meta, err) || err != nil {
				return
			}
		}
	}
}

// WriteDocument uploads data followed by its metadata object.
func (a *Accessor) WriteDocument(ctx context.Context, id resource.Identifier, data io.Reader, metadata *resource.Metadata) error {
	rel, err := a.documentKey(id)
	if err != nil {
		return err
	}
	if err := a.requireParent(ctx, rel); err != nil {
		return err
	}
	object := a.dataObject(rel)
	a.logger.Trace("s3.write_document.begin", "id", id.Path, "object", object)
	contentType := defaultContentType
	if metadata != nil && metadata.ContentType() != "" {
		contentType = metadata.ContentType()
	}
	length := int64(-1)
	if seeker, ok := data.(io.Seeker); ok {
		if current, err := seeker.Seek(0, io.SeekCurrent); err == nil {
			if end, err := seeker.Seek(0, io.SeekEnd); err == nil {
				length = end - current
				_, _ = seeker.Seek(current, io.SeekStart)
			}
		}
	}
	if _, err := a.client.PutObject(ctx, a.cfg.Bucket, object, data, length, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		a.logger.Debug("s3.write_document.put_error", "id", id.Path, "object", object, "error", err)
		return a.wrapError(err, "s3: put object")
	}
	if err := a.putMetadata(ctx, a.documentMetaObject(rel), metadata); err != nil {
		return err
	}
	a.logger.Debug("s3.write_document.success", "id", id.Path, "object", object)
	return nil
}

// WriteContainer stores the container metadata object.
func (a *Accessor) WriteContainer(ctx context.Context, id resource.Identifier, metadata *resource.Metadata) error {
	if !id.IsContainer() {
		return fmt.Errorf("%w: %s is a document identifier", storage.ErrUnsupported, id)
	}
	rel, err := a.mapper.Relative(id)
	if err != nil {
		return err
	}
	if rel != "" {
		if err := a.requireParent(ctx, rel); err != nil {
			return err
		}
	}
	a.logger.Trace("s3.write_container.begin", "id", id.Path)
	return a.putMetadata(ctx, a.containerMetaObject(rel), metadata)
}

// DeleteResource removes a document or an empty container.
func (a *Accessor) DeleteResource(ctx context.Context, id resource.Identifier) error {
	if id.IsContainer() {
		rel, err := a.mapper.Relative(id)
		if err != nil {
			return err
		}
		if rel == "" {
			return fmt.Errorf("%w: refusing to delete the root container", storage.ErrUnsupported)
		}
		if _, err := a.stat(ctx, a.containerMetaObject(rel)); err != nil {
			return err
		}
		prefix := a.metaPrefix(rel)
		listCtx, cancel := context.WithCancel(ctx)
		for object := range a.client.ListObjects(listCtx, a.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix}) {
			if object.Err != nil {
				cancel()
				return a.wrapError(object.Err, "s3: list objects")
			}
			if strings.TrimPrefix(object.Key, prefix) != containerMetaName {
				cancel()
				return fmt.Errorf("s3: container %s is not empty", id)
			}
		}
		cancel()
		return a.remove(ctx, a.containerMetaObject(rel))
	}
	rel, err := a.documentKey(id)
	if err != nil {
		return err
	}
	if _, err := a.stat(ctx, a.dataObject(rel)); err != nil {
		return err
	}
	if err := a.remove(ctx, a.dataObject(rel)); err != nil {
		return err
	}
	if err := a.remove(ctx, a.documentMetaObject(rel)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		a.logger.Warn("s3.delete.metadata_failed", "id", id.Path, "error", err)
	}
	return nil
}

func (a *Accessor) containerMetadata(ctx context.Context, id resource.Identifier, rel string) (*resource.Metadata, error) {
	info, err := a.stat(ctx, a.containerMetaObject(rel))
	if err != nil {
		return nil, err
	}
	meta, err := a.getMetadata(ctx, id, a.containerMetaObject(rel))
	if err != nil {
		return nil, err
	}
	addObjectInfo(meta, info, false)
	return meta, nil
}

func (a *Accessor) documentMetadata(ctx context.Context, id resource.Identifier, rel string) (*resource.Metadata, error) {
	info, err := a.stat(ctx, a.dataObject(rel))
	if err != nil {
		return nil, err
	}
	meta, err := a.getMetadata(ctx, id, a.documentMetaObject(rel))
	if errors.Is(err, storage.ErrNotFound) {
		meta = resource.NewMetadata(id)
		meta.Add(rdf.TermType, rdf.IRI(rdf.LDPResource))
		meta.SetContentType(info.ContentType)
		err = nil
	}
	if err != nil {
		return nil, err
	}
	addObjectInfo(meta, info, true)
	return meta, nil
}

func addObjectInfo(meta *resource.Metadata, info minio.ObjectInfo, withSize bool) {
	if withSize {
		meta.AddInGraph(rdf.IRI(rdf.POSIXSize), rdf.TypedLiteral(strconv.FormatInt(info.Size, 10), rdf.XSDInteger), rdf.TermResponseMetadata)
	}
	if !info.LastModified.IsZero() {
		meta.AddInGraph(rdf.IRI(rdf.POSIXMtime), rdf.TypedLiteral(strconv.FormatInt(info.LastModified.Unix(), 10), rdf.XSDInteger), rdf.TermResponseMetadata)
		if _, ok := meta.Modified(); !ok {
			meta.SetModified(info.LastModified)
		}
	}
}

func (a *Accessor) getMetadata(ctx context.Context, id resource.Identifier, object string) (*resource.Metadata, error) {
	obj, err := a.client.GetObject(ctx, a.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, a.wrapError(err, "s3: get metadata")
	}
	defer obj.Close()
	meta, err := storage.ReadMetadata(id, obj)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, a.wrapError(err, "s3: read metadata")
	}
	return meta, nil
}

func (a *Accessor) putMetadata(ctx context.Context, object string, metadata *resource.Metadata) error {
	var payload []byte
	if metadata != nil {
		payload = metadata.MarshalNQuads()
	}
	_, err := a.client.PutObject(ctx, a.cfg.Bucket, object, strings.NewReader(string(payload)), int64(len(payload)), minio.PutObjectOptions{ContentType: metaContentType})
	if err != nil {
		a.logger.Debug("s3.put_metadata.error", "object", object, "error", err)
		return a.wrapError(err, "s3: put metadata")
	}
	return nil
}

func (a *Accessor) stat(ctx context.Context, object string) (minio.ObjectInfo, error) {
	info, err := a.client.StatObject(ctx, a.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return minio.ObjectInfo{}, storage.ErrNotFound
		}
		return minio.ObjectInfo{}, a.wrapError(err, "s3: stat object")
	}
	return info, nil
}

func (a *Accessor) remove(ctx context.Context, object string) error {
	if err := a.client.RemoveObject(ctx, a.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return a.wrapError(err, "s3: remove object")
	}
	return nil
}

func (a *Accessor) requireParent(ctx context.Context, rel string) error {
	parent := ""
	if idx := strings.LastIndexByte(rel, '/'); idx >= 0 {
		parent = rel[:idx]
	}
	_, err := a.stat(ctx, a.containerMetaObject(parent))
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if parent != "" {
		if _, derr := a.stat(ctx, a.dataObject(parent)); derr == nil {
			return fmt.Errorf("%w: parent of %s", storage.ErrNotContainer, rel)
		}
	}
	return fmt.Errorf("%w: parent container of %s", storage.ErrNotFound, rel)
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

func (a *Accessor) withPrefix(p string) string {
	if a.cfg.Prefix == "" {
		return p
	}
	return path.Join(a.cfg.Prefix, p)
}

func (a *Accessor) dataObject(rel string) string {
	return a.withPrefix("data/" + rel)
}

func (a *Accessor) documentMetaObject(rel string) string {
	return a.withPrefix("meta/" + rel + documentMetaSuffix)
}

func (a *Accessor) containerMetaObject(rel string) string {
	return a.metaPrefix(rel) + containerMetaName
}

func (a *Accessor) metaPrefix(rel string) string {
	if rel == "" {
		return a.withPrefix("meta") + "/"
	}
	return a.withPrefix("meta/"+rel) + "/"
}

func joinKey(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

type notFoundAwareObject struct {
	object io.ReadCloser
}

func (o *notFoundAwareObject) Read(p []byte) (int, error) {
	n, err := o.object.Read(p)
	if err != nil && isNotFound(err) {
		err = storage.ErrNotFound
	}
	return n, err
}

func (o *notFoundAwareObject) Close() error {
	if o.object == nil {
		return nil
	}
	return o.object.Close()
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func (a *Accessor) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode >= http.StatusInternalServerError {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if isNetworkConnectionError(opErr.Err) {
			return true
		}
	}
	return false
}
