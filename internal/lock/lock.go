// Package lock keeps two runs from booting the same disk image at once.
//
// The lock is an advisory flock on <image>.lock, released by the kernel when
// the holder dies, so there are no stale locks to clean up. The file also
// records who holds it, for the error message of the losing run.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
)

// ErrImageLocked is returned when another process holds the image lock.
var ErrImageLocked = errors.New("disk image is in use by another run")

// Info describes the holder of a lock.
type Info struct {
	PID        int       `json:"pid"`
	RunID      string    `json:"run_id,omitempty"`
	Hostname   string    `json:"hostname,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is the lock of one disk image.
type Lock struct {
	path string
	fl   *flock.Flock
}

// ForImage returns the lock guarding image. Nothing is acquired yet.
func ForImage(image string) *Lock {
	path := image + ".lock"
	return &Lock{path: path, fl: flock.New(path)}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Acquire takes the lock without waiting. It fails with ErrImageLocked when
// another run holds it.
func (l *Lock) Acquire(runID string) error {
	ok, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", l.path, err)
	}
	if !ok {
		if info, rerr := l.Read(); rerr == nil {
			return fmt.Errorf("%w: pid %d (run %s, since %s)",
				ErrImageLocked, info.PID, info.RunID, info.AcquiredAt.Format(time.RFC3339))
		}
		return fmt.Errorf("%w: %s", ErrImageLocked, l.path)
	}

	host, _ := os.Hostname()
	info := Info{PID: os.Getpid(), RunID: runID, Hostname: host, AcquiredAt: time.Now()}
	data, err := json.Marshal(info)
	if err != nil {
		_ = l.fl.Unlock()
		return fmt.Errorf("marshal lock info: %w", err)
	}
	if err := os.WriteFile(l.path, data, 0o644); err != nil {
		_ = l.fl.Unlock()
		return fmt.Errorf("write lock info: %w", err)
	}
	return nil
}

// Read returns the recorded holder.
func (l *Lock) Read() (*Info, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read lock file: %w", err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	return &info, nil
}

// Locked reports whether this Lock holds the lock.
func (l *Lock) Locked() bool { return l.fl.Locked() }

// Release gives the lock up. The file stays, so a run waiting to lock it
// never races a removal. Releasing an unheld lock is a no-op.
func (l *Lock) Release() error {
	if !l.fl.Locked() {
		return nil
	}
	if err := os.Truncate(l.path, 0); err != nil && !os.IsNotExist(err) {
		_ = l.fl.Unlock()
		return fmt.Errorf("clear lock info: %w", err)
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return nil
}
