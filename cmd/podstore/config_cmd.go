package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/podstore"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage podstore configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.podstore/" + podstore.DefaultConfigFileName
	if dir, err := podstore.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, podstore.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default podstore configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := podstore.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, podstore.DefaultConfigFileName)
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the persistent flags; keys match flag names so
// viper reads the file without translation.
type configDefaults struct {
	Store                  string  `yaml:"store"`
	Base                   string  `yaml:"base"`
	Counters               string  `yaml:"counters"`
	Locker                 string  `yaml:"locker"`
	LockExpiration         string  `yaml:"lock-expiration"`
	LockExpiryPolicy       string  `yaml:"lock-expiry-policy"`
	FileLockPollInterval   string  `yaml:"file-lock-poll-interval"`
	StorageRetryAttempts   int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay  string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay   string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier float64 `yaml:"storage-retry-multiplier"`
	S3Region               string  `yaml:"s3-region"`
	MaxBody                string  `yaml:"max-body"`
	MetricsListen          string  `yaml:"metrics-listen"`
	PprofListen            string  `yaml:"pprof-listen"`
	EnableProfilingMetrics bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string  `yaml:"otlp-endpoint"`
	LogLevel               string  `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		Store:                  podstore.DefaultStore,
		Base:                   podstore.DefaultBase,
		Counters:               podstore.DefaultCounters,
		Locker:                 podstore.DefaultLocker,
		LockExpiration:         podstore.DefaultLockExpiration.String(),
		LockExpiryPolicy:       podstore.DefaultLockExpiryPolicy,
		FileLockPollInterval:   podstore.DefaultFileLockPollInterval.String(),
		StorageRetryAttempts:   podstore.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:  podstore.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:   podstore.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier: podstore.DefaultStorageRetryMultiplier,
		MaxBody:                humanizeBytes(podstore.DefaultMaxBodyBytes),
		LogLevel:               "warn",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
