package locking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pkt.systems/podstore/internal/clock"
	"pkt.systems/podstore/resource"
)

// FileLocker serializes keys across processes with advisory fcntl locks on
// one file per key below a directory. Advisory locks are owned per process,
// so an in-process MemoryLocker orders local holders first.
type FileLocker struct {
	dir      string
	local    *MemoryLocker
	clock    clock.Clock
	interval time.Duration

	mu    sync.Mutex
	files map[string]*os.File
}

var _ ResourceLocker = (*FileLocker)(nil)

// FileLockerConfig configures a FileLocker.
type FileLockerConfig struct {
	Dir string
	// PollInterval is the delay between attempts while another process holds
	// the file lock.
	PollInterval time.Duration
	Clock        clock.Clock
}

// NewFileLocker prepares dir and returns a locker using it.
func NewFileLocker(cfg FileLockerConfig) (*FileLocker, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("locking: lock directory required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("locking: prepare lock directory %q: %w", cfg.Dir, err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	return &FileLocker{
		dir:      cfg.Dir,
		local:    NewMemoryLocker(),
		clock:    clock.Ensure(cfg.Clock),
		interval: cfg.PollInterval,
		files:    make(map[string]*os.File),
	}, nil
}

func (f *FileLocker) lockPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:])+".lock")
}

func (f *FileLocker) Acquire(ctx context.Context, key string) error {
	if err := f.local.Acquire(ctx, key); err != nil {
		return err
	}
	file, err := os.OpenFile(f.lockPath(key), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		_ = f.local.Release(ctx, key)
		return fmt.Errorf("locking: open lock file: %w", err)
	}
	for {
		ok, err := tryLockFile(file)
		if err != nil {
			file.Close()
			_ = f.local.Release(ctx, key)
			return fmt.Errorf("locking: lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			file.Close()
			_ = f.local.Release(context.WithoutCancel(ctx), key)
			return ctx.Err()
		case <-f.clock.After(f.interval):
		}
	}
	f.mu.Lock()
	f.files[key] = file
	f.mu.Unlock()
	return nil
}

func (f *FileLocker) Release(ctx context.Context, key string) error {
	f.mu.Lock()
	file, ok := f.files[key]
	delete(f.files, key)
	f.mu.Unlock()
	if !ok {
		return resource.InternalServerError("trying to unlock resource that is not locked: %s", key)
	}
	unlockErr := unlockFile(file)
	closeErr := file.Close()
	if err := f.local.Release(ctx, key); err != nil {
		return err
	}
	if unlockErr != nil {
		return fmt.Errorf("locking: unlock %s: %w", key, unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("locking: close lock file %s: %w", key, closeErr)
	}
	return nil
}
