package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrDataDirBusy means another pairsync process holds the data dir. Two
// processes sharing one mutagen data directory would race each other's
// session scans, so the second process must not start.
var ErrDataDirBusy = errors.New("data directory is locked by another pairsync process")

// Lock holds an exclusive flock on the data dir. Release when done; the
// kernel also drops it if the process dies.
type Lock struct {
	f *os.File
}

// AcquireLock takes the data dir's exclusive lock without blocking. A held
// lock returns ErrDataDirBusy. The data dir is created if missing.
func AcquireLock(dataDir string) (*Lock, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(dataDir, ".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrDataDirBusy
		}
		return nil, fmt.Errorf("failed to lock data directory: %w", err)
	}
	return &Lock{f: f}, nil
}

// Release drops the lock. Safe to call twice.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		_ = l.f.Close()
		l.f = nil
		return fmt.Errorf("failed to unlock data directory: %w", err)
	}
	err := l.f.Close()
	l.f = nil
	return err
}
