package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/podstore"
	"pkt.systems/podstore/internal/correlation"
	"pkt.systems/podstore/internal/logutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("PODSTORE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.WarnLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "podstore")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// cli carries the state shared by every subcommand of one root command.
type cli struct {
	v      *viper.Viper
	logger pslog.Logger
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func (c *cli) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(c.v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := podstore.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, podstore.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	c.v.SetConfigFile(expanded)
	if err := c.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	c := &cli{v: viper.New(), logger: baseLogger}
	cmd := &cobra.Command{
		Use:           "podstore",
		Short:         "podstore reads and writes linked-data resources in a locked document store",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Local disk store with cross-process file locks
  podstore --store disk:///var/lib/podstore --locker file:///run/podstore put /notes/today --content-type text/plain --file today.txt

  # MinIO backend (TLS on by default; append ?insecure=1 for HTTP)
  PODSTORE_STORE=s3://localhost:9000/pods?insecure=1 PODSTORE_S3_ACCESS_KEY_ID=minioadmin PODSTORE_S3_SECRET_ACCESS_KEY=minioadmin podstore ls /

  # Conditional delete
  podstore --store disk:///var/lib/podstore delete /notes/today --if-match '"1718000000000"'
`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if cid := strings.TrimSpace(c.v.GetString("correlation-id")); cid != "" {
				ctx = correlation.With(ctx, cid)
			}
			ctx, _ = correlation.Ensure(ctx)
			cmd.SetContext(ctx)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.podstore/"+podstore.DefaultConfigFileName+")")
	persistentFlags.String("store", podstore.DefaultStore, "storage backend URL (mem://, disk:///path, s3://host[:port]/bucket[/prefix])")
	persistentFlags.String("base", podstore.DefaultBase, "path of the root container")
	persistentFlags.String("counters", podstore.DefaultCounters, "reader count storage (memory, badger:///path, badger://mem; badger directories are single-process)")
	persistentFlags.String("locker", podstore.DefaultLocker, "exclusive lock backend (memory, file:///dir)")
	persistentFlags.Duration("lock-expiration", podstore.DefaultLockExpiration, "time a lock holder may go without progress before the lock expires")
	persistentFlags.String("lock-expiry-policy", podstore.DefaultLockExpiryPolicy, "what happens on lock expiry (release, await)")
	persistentFlags.Duration("file-lock-poll-interval", podstore.DefaultFileLockPollInterval, "retry interval for contended file locks")
	persistentFlags.Int("storage-retry-attempts", podstore.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	persistentFlags.Duration("storage-retry-base-delay", podstore.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	persistentFlags.Duration("storage-retry-max-delay", podstore.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	persistentFlags.Float64("storage-retry-multiplier", podstore.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	persistentFlags.String("s3-access-key-id", "", "S3 access key (or PODSTORE_S3_ACCESS_KEY_ID)")
	persistentFlags.String("s3-secret-access-key", "", "S3 secret key (or PODSTORE_S3_SECRET_ACCESS_KEY)")
	persistentFlags.String("s3-session-token", "", "optional S3 session token")
	persistentFlags.String("s3-region", "", "S3 bucket region")
	persistentFlags.String("max-body", humanizeBytes(podstore.DefaultMaxBodyBytes), "maximum body size accepted by put and post")
	persistentFlags.String("metrics-listen", "", "metrics listen address (Prometheus scrape endpoint; empty disables)")
	persistentFlags.String("pprof-listen", "", "pprof listen address (debug/pprof endpoints; empty disables)")
	persistentFlags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	persistentFlags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	persistentFlags.String("log-level", "", "log level override (trace, debug, info, warn, error)")
	persistentFlags.String("correlation-id", "", "operation id attached to logs and spans (generated when empty)")

	c.v.SetEnvPrefix("PODSTORE")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	persistentFlags.VisitAll(func(flag *pflag.Flag) {
		if err := c.v.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})

	cmd.AddCommand(newInitCommand(c))
	cmd.AddCommand(newGetCommand(c))
	cmd.AddCommand(newHeadCommand(c))
	cmd.AddCommand(newPutCommand(c))
	cmd.AddCommand(newPostCommand(c))
	cmd.AddCommand(newDeleteCommand(c))
	cmd.AddCommand(newListCommand(c))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func (c *cli) bindConfig(cfg *podstore.Config) error {
	cfg.Store = c.v.GetString("store")
	cfg.Base = c.v.GetString("base")
	cfg.Counters = c.v.GetString("counters")
	cfg.Locker = c.v.GetString("locker")
	cfg.LockExpiration = c.v.GetDuration("lock-expiration")
	cfg.LockExpiryPolicy = c.v.GetString("lock-expiry-policy")
	cfg.FileLockPollInterval = c.v.GetDuration("file-lock-poll-interval")
	cfg.StorageRetryMaxAttempts = c.v.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = c.v.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = c.v.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = c.v.GetFloat64("storage-retry-multiplier")
	cfg.S3AccessKeyID = c.v.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = c.v.GetString("s3-secret-access-key")
	cfg.S3SessionToken = c.v.GetString("s3-session-token")
	cfg.S3Region = strings.TrimSpace(c.v.GetString("s3-region"))
	if cfg.S3Region == "" {
		if v := strings.TrimSpace(os.Getenv("AWS_REGION")); v != "" {
			cfg.S3Region = v
		}
	}
	if maxBody := c.v.GetString("max-body"); maxBody != "" {
		size, err := humanize.ParseBytes(maxBody)
		if err != nil {
			return fmt.Errorf("parse max-body: %w", err)
		}
		cfg.MaxBodyBytes = int64(size)
	}
	cfg.MetricsListen = c.v.GetString("metrics-listen")
	cfg.PprofListen = c.v.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = c.v.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = c.v.GetString("otlp-endpoint")
	return nil
}

// openEngine loads configuration, builds the engine and makes sure the root
// container exists.
func (c *cli) openEngine(ctx context.Context) (*podstore.Engine, error) {
	logger := c.logger
	if level, ok := pslog.ParseLevel(strings.TrimSpace(c.v.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	logger = correlation.Logger(ctx, logger)
	cliLogger := logutil.WithSubsystem(logger, "cli")
	configFile, err := c.loadConfigFile()
	if err != nil {
		return nil, err
	}
	if configFile != "" {
		cliLogger.Debug("cli.config.loaded", "path", configFile)
	}
	var cfg podstore.Config
	if err := c.bindConfig(&cfg); err != nil {
		return nil, err
	}
	eng, err := podstore.New(ctx, cfg, podstore.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	created, err := eng.Init(ctx)
	if err != nil {
		_ = closeEngine(eng)
		return nil, err
	}
	if created {
		cliLogger.Info("cli.root.created", "path", eng.Root().Path)
	}
	return eng, nil
}

func closeEngine(eng *podstore.Engine) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return eng.Close(ctx)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
