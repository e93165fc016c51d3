package podstore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/podstore/internal/clock"
	"pkt.systems/podstore/internal/locking"
	"pkt.systems/podstore/internal/storage/disk"
	"pkt.systems/podstore/internal/storage/memory"
)

func TestBuildS3Config(t *testing.T) {
	cfg := Config{
		Store:             "s3://minio.local:9000/pods/tenant/a?insecure=true&path-style=true&region=eu-north-1",
		Base:              "/",
		S3AccessKeyID:     "AKIA",
		S3SecretAccessKey: "secret",
	}
	s3cfg, summary, err := BuildS3Config(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if s3cfg.Endpoint != "minio.local:9000" || s3cfg.Bucket != "pods" || s3cfg.Prefix != "tenant/a" {
		t.Fatalf("unexpected location: %+v", s3cfg)
	}
	if !s3cfg.Insecure || !s3cfg.ForcePathStyle || s3cfg.Region != "eu-north-1" {
		t.Fatalf("unexpected flags: %+v", s3cfg)
	}
	if summary.Source != "config" || summary.AccessKey != "AKIA" || !summary.HasSecret {
		t.Fatalf("unexpected credential summary: %+v", summary)
	}
}

func TestBuildS3ConfigErrors(t *testing.T) {
	for _, raw := range []string{"s3:///bucket", "s3://host", "disk:///tmp"} {
		if _, _, err := BuildS3Config(Config{Store: raw, S3AccessKeyID: "a", S3SecretAccessKey: "b"}); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestResolveS3CredentialsFromEnv(t *testing.T) {
	t.Setenv("PODSTORE_S3_ACCESS_KEY_ID", "env-key")
	t.Setenv("PODSTORE_S3_SECRET_ACCESS_KEY", "env-secret")
	_, summary, err := resolveS3Credentials(Config{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if summary.AccessKey != "env-key" || summary.Source != "env:PODSTORE_S3_ACCESS_KEY_ID" {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestResolveS3CredentialsIncomplete(t *testing.T) {
	if _, _, err := resolveS3Credentials(Config{S3AccessKeyID: "only-key"}); err == nil {
		t.Fatal("expected error for missing secret")
	}
}

func TestFileURLPath(t *testing.T) {
	cases := map[string]string{
		"disk:///var/lib/podstore": "/var/lib/podstore",
		"disk://data/pods":         "/data/pods",
		"disk:///tmp/x/../y":       "/tmp/y",
	}
	for raw, want := range cases {
		got, err := fileURLPath(raw, "disk")
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if got != want {
			t.Fatalf("%s: expected %q, got %q", raw, want, got)
		}
	}
	if _, err := fileURLPath("disk://", "disk"); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := fileURLPath("file:///x", "disk"); err == nil {
		t.Fatal("expected scheme mismatch error")
	}
}

func TestOpenAccessorSelectsBackend(t *testing.T) {
	ctx := context.Background()
	acc, err := openAccessor(ctx, Config{Store: "mem://", Base: "/"}, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := acc.(*memory.Accessor); !ok {
		t.Fatalf("expected memory accessor, got %T", acc)
	}
	root := t.TempDir()
	acc, err = openAccessor(ctx, Config{Store: "disk://" + root, Base: "/"}, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("disk: %v", err)
	}
	d, ok := acc.(*disk.Accessor)
	if !ok || d.Root() != root {
		t.Fatalf("expected disk accessor at %s, got %T", root, acc)
	}
	if _, err := openAccessor(ctx, Config{Store: "ftp://host/x"}, pslog.NoopLogger()); err == nil || !strings.Contains(err.Error(), "not supported") {
		t.Fatalf("expected unsupported scheme error, got %v", err)
	}
}

func TestOpenCounters(t *testing.T) {
	ctx := context.Background()
	counters, closer, err := openCounters(Config{Counters: "memory"})
	if err != nil || closer != nil {
		t.Fatalf("memory counters: %v", err)
	}
	if err := counters.Set(ctx, "/a.count", 1); err != nil {
		t.Fatalf("set: %v", err)
	}

	path := filepath.Join(t.TempDir(), "counters")
	counters, closer, err = openCounters(Config{Counters: "badger://" + path})
	if err != nil {
		t.Fatalf("badger counters: %v", err)
	}
	if err := counters.Set(ctx, "/a.count", 2); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := closer(); err != nil {
		t.Fatalf("close: %v", err)
	}
	counters, closer, err = openCounters(Config{Counters: "badger://" + path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer closer()
	v, ok, err := counters.Get(ctx, "/a.count")
	if err != nil || !ok || v != 2 {
		t.Fatalf("expected persisted count 2, got %d ok=%v err=%v", v, ok, err)
	}

	_, closer, err = openCounters(Config{Counters: "badger://mem"})
	if err != nil {
		t.Fatalf("in-memory badger: %v", err)
	}
	_ = closer()

	if _, _, err := openCounters(Config{Counters: "redis://x"}); err == nil {
		t.Fatal("expected unsupported counter storage error")
	}
}

func TestOpenLocker(t *testing.T) {
	l, err := openLocker(Config{Locker: "memory"}, clock.Real{})
	if err != nil {
		t.Fatalf("memory locker: %v", err)
	}
	if _, ok := l.(*locking.MemoryLocker); !ok {
		t.Fatalf("expected memory locker, got %T", l)
	}
	l, err = openLocker(Config{Locker: "file://" + t.TempDir(), FileLockPollInterval: DefaultFileLockPollInterval}, clock.Real{})
	if err != nil {
		t.Fatalf("file locker: %v", err)
	}
	if _, ok := l.(*locking.FileLocker); !ok {
		t.Fatalf("expected file locker, got %T", l)
	}
	if _, err := openLocker(Config{Locker: "etcd://x"}, clock.Real{}); err == nil {
		t.Fatal("expected locker error")
	}
}
