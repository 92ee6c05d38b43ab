package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const lockOwnerFile = "owner.json"

var ErrLocked = errors.New("locked by another process")

// Lock is a directory lock created with os.Mkdir, which is atomic on every platform we run on.
type Lock struct {
	dir   string
	token string
}

type lockOwner struct {
	Token     string `json:"token"`
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

// AcquireLock takes the lock directory dir, retrying until wait elapses. A lock whose
// owner is older than stale is broken, since its holder died without releasing it.
func AcquireLock(dir string, wait, stale time.Duration) (Lock, error) {
	target := strings.TrimSpace(dir)
	if target == "" {
		return Lock{}, fmt.Errorf("lock directory is required")
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Lock{}, fmt.Errorf("create parent for lock %s: %w", target, err)
	}

	deadline := time.Now().Add(wait)
	for {
		err := os.Mkdir(target, 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return Lock{}, fmt.Errorf("acquire lock %s: %w", target, err)
		}
		if stale > 0 && lockIsStale(target, stale) {
			_ = os.RemoveAll(target)
			continue
		}
		if time.Now().After(deadline) {
			return Lock{}, fmt.Errorf("%s: %w", target, ErrLocked)
		}
		time.Sleep(20 * time.Millisecond)
	}

	owner := lockOwner{
		Token:     uuid.NewString(),
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Hostname:  hostnameOrUnknown(),
	}
	if err := WriteJSON(filepath.Join(target, lockOwnerFile), owner); err != nil {
		_ = os.RemoveAll(target)
		return Lock{}, fmt.Errorf("write lock owner for %s: %w", target, err)
	}
	return Lock{dir: target, token: owner.Token}, nil
}

// Release removes the lock if this holder still owns it.
func (l Lock) Release() error {
	if strings.TrimSpace(l.dir) == "" {
		return nil
	}
	var owner lockOwner
	if err := ReadJSON(filepath.Join(l.dir, lockOwnerFile), &owner); err == nil && owner.Token != l.token {
		return nil
	}
	if err := os.RemoveAll(l.dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", l.dir, err)
	}
	return nil
}

func lockIsStale(dir string, stale time.Duration) bool {
	info, err := os.Stat(dir)
	if err != nil {
		return false
	}
	created := info.ModTime()
	var owner lockOwner
	if err := ReadJSON(filepath.Join(dir, lockOwnerFile), &owner); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, owner.CreatedAt); err == nil {
			created = t
		}
	}
	return time.Since(created) > stale
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
