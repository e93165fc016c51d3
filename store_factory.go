package podstore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/podstore/internal/clock"
	"pkt.systems/podstore/internal/keyvalue"
	bkv "pkt.systems/podstore/internal/keyvalue/badger"
	"pkt.systems/podstore/internal/locking"
	"pkt.systems/podstore/internal/storage"
	"pkt.systems/podstore/internal/storage/disk"
	"pkt.systems/podstore/internal/storage/memory"
	"pkt.systems/podstore/internal/storage/s3"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

type closeFunc func() error

func openAccessor(ctx context.Context, cfg Config, logger pslog.Logger) (storage.Accessor, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.NewWithConfig(memory.Config{Base: cfg.Base}), nil
	case "disk":
		diskCfg, _, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		diskCfg.Logger = logger
		return disk.New(diskCfg)
	case "s3":
		s3cfg, summary, err := BuildS3Config(cfg)
		if err != nil {
			return nil, err
		}
		s3cfg.Logger = logger
		accessor, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucketReady(ctx, accessor, s3cfg.Bucket); err != nil {
			return nil, err
		}
		logger.Info("storage.s3.ready", "endpoint", s3cfg.Endpoint, "bucket", s3cfg.Bucket, "prefix", s3cfg.Prefix, "credentials", summary.Source)
		return accessor, nil
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// BuildS3Config parses s3:// URLs that target S3-compatible services (MinIO, AWS, etc.).
func BuildS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix, _ := strings.Cut(path, "/")
	query := u.Query()
	insecure := false
	for _, key := range []string{"insecure", "http"} {
		if v := query.Get(key); v != "" {
			if ok, err := strconv.ParseBool(v); err == nil && ok {
				insecure = true
			}
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	region := strings.TrimSpace(cfg.S3Region)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	cred, summary, err := resolveS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         region,
		Bucket:         bucket,
		Prefix:         strings.Trim(prefix, "/"),
		Insecure:       insecure,
		ForcePathStyle: forcePath,
		Base:           cfg.Base,
		CustomCreds:    cred,
	}, summary, nil
}

func resolveS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("PODSTORE_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("PODSTORE_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("PODSTORE_S3_SESSION_TOKEN")
		source = "env:PODSTORE_S3_ACCESS_KEY_ID"
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID"))
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("AWS_SESSION_TOKEN")
		source = "env:AWS_ACCESS_KEY_ID"
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		return minioCredentials.NewStaticV4("", "", ""), CredentialSummary{Source: "anonymous"}, nil
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func ensureBucketReady(ctx context.Context, accessor *s3.Accessor, bucket string) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := accessor.BucketExists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return nil
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, string, error) {
	root, err := fileURLPath(cfg.Store, "disk")
	if err != nil {
		return disk.Config{}, "", err
	}
	return disk.Config{Root: root, Base: cfg.Base}, root, nil
}

// fileURLPath extracts an absolute filesystem path from scheme:///path,
// also accepting scheme://relative/path as /relative/path.
func fileURLPath(raw, scheme string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse %s URL: %w", scheme, err)
	}
	if u.Scheme != scheme {
		return "", fmt.Errorf("%s scheme %q not supported", scheme, u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	if pathPart == "" || pathPart == "/" {
		return "", fmt.Errorf("%s path required (e.g. %s:///var/lib/podstore)", scheme, scheme)
	}
	return filepath.Clean(pathPart), nil
}

func openCounters(cfg Config) (keyvalue.Storage[string, int64], closeFunc, error) {
	if cfg.Counters == "memory" || cfg.Counters == "mem://" {
		return keyvalue.NewMemory[string, int64](), nil, nil
	}
	u, err := url.Parse(cfg.Counters)
	if err != nil {
		return nil, nil, fmt.Errorf("parse counters URL: %w", err)
	}
	if u.Scheme != "badger" {
		return nil, nil, fmt.Errorf("counter storage %q not supported", cfg.Counters)
	}
	badgerCfg := bkv.Config{Prefix: "podstore/lock/"}
	if u.Host == "mem" && strings.Trim(u.Path, "/") == "" {
		badgerCfg.InMemory = true
	} else {
		path, err := fileURLPath(cfg.Counters, "badger")
		if err != nil {
			return nil, nil, err
		}
		badgerCfg.Path = path
	}
	counters, err := bkv.Open[int64](badgerCfg)
	if err != nil {
		return nil, nil, err
	}
	return counters, counters.Close, nil
}

func openLocker(cfg Config, clk clock.Clock) (locking.ResourceLocker, error) {
	if cfg.Locker == "memory" || cfg.Locker == "mem://" {
		return locking.NewMemoryLocker(), nil
	}
	dir, err := fileURLPath(cfg.Locker, "file")
	if err != nil {
		return nil, fmt.Errorf("locker: %w", err)
	}
	return locking.NewFileLocker(locking.FileLockerConfig{
		Dir:          dir,
		PollInterval: cfg.FileLockPollInterval,
		Clock:        clk,
	})
}
