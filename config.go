package podstore

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/podstore/internal/locking"
)

const (
	// DefaultStore keeps resources in process memory.
	DefaultStore = "mem://"
	// DefaultBase is the path of the root container.
	DefaultBase = "/"
	// DefaultCounters keeps reader counts in process memory.
	DefaultCounters = "memory"
	// DefaultLocker serializes within the current process only.
	DefaultLocker = "memory"
	// DefaultLockExpiration bounds how long a lock is held without progress.
	DefaultLockExpiration = locking.DefaultExpiration
	// DefaultLockExpiryPolicy releases the lock as soon as a lease expires.
	DefaultLockExpiryPolicy = string(locking.ExpiryRelease)
	// DefaultFileLockPollInterval is the retry cadence of contended file locks.
	DefaultFileLockPollInterval = 10 * time.Millisecond
	// DefaultMaxBodyBytes caps request bodies read by the CLI.
	DefaultMaxBodyBytes int64 = 64 << 20
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

const (
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 4
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
)

// Config captures the tunables of a podstore engine.
type Config struct {
	// Store selects the accessor: mem://, disk:///path or
	// s3://host[:port]/bucket[/prefix].
	Store string
	// Base is the root container path every identifier lives under.
	Base string
	// Counters selects reader count storage: memory, badger:///path or
	// badger://mem for an in-memory badger instance.
	Counters string
	// Locker selects the exclusive lock primitive: memory or file:///dir.
	Locker string

	LockExpiration       time.Duration
	LockExpiryPolicy     string
	FileLockPollInterval time.Duration

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	// S3AccessKeyID sets static S3 access key credential.
	S3AccessKeyID string
	// S3SecretAccessKey sets static S3 secret key credential.
	S3SecretAccessKey string
	// S3SessionToken sets an optional S3 session token.
	S3SessionToken string
	// S3Region overrides the bucket region.
	S3Region string

	// MaxBodyBytes caps the size of bodies accepted by the CLI.
	MaxBodyBytes int64

	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https:// or host:port).
	OTLPEndpoint string
	// MetricsListen exposes a Prometheus scrape endpoint when set.
	MetricsListen string
	// PprofListen exposes net/http/pprof when set.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the scrape endpoint.
	EnableProfilingMetrics bool
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if _, err := url.Parse(c.Store); err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	if c.Base == "" {
		c.Base = DefaultBase
	}
	if !strings.HasPrefix(c.Base, "/") {
		return fmt.Errorf("config: base %q must start with /", c.Base)
	}
	if !strings.HasSuffix(c.Base, "/") {
		c.Base += "/"
	}
	c.Counters = strings.TrimSpace(c.Counters)
	if c.Counters == "" {
		c.Counters = DefaultCounters
	}
	c.Locker = strings.TrimSpace(c.Locker)
	if c.Locker == "" {
		c.Locker = DefaultLocker
	}
	if c.LockExpiration == 0 {
		c.LockExpiration = DefaultLockExpiration
	} else if c.LockExpiration < 0 {
		return fmt.Errorf("config: lock expiration must be > 0")
	}
	policy, err := locking.ParseExpiryPolicy(c.LockExpiryPolicy)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.LockExpiryPolicy = string(policy)
	if c.FileLockPollInterval <= 0 {
		c.FileLockPollInterval = DefaultFileLockPollInterval
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier < 1 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.podstore), overridden by PODSTORE_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("PODSTORE_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".podstore"), nil
}
