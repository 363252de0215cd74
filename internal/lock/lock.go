// Package lock provides per-target mutual exclusion across independent
// process invocations. The lock is an atomically created directory containing
// the holder's pid, which makes it portable across filesystems that lack
// advisory locking. A lock whose recorded holder is no longer alive is stale
// and may be reclaimed by exactly one racer.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrBusy is returned when another live process holds the target's lock.
// Callers decide whether to wait, retry, or skip; Acquire never blocks.
var ErrBusy = errors.New("lock: target is locked by another process")

const pidFileName = "pid"

// staleGrace is how long a lock directory without a readable pid file is
// given the benefit of the doubt. A racer that just won Mkdir needs a moment
// to stamp its pid; only a pid-less lock older than this is reclaimable.
const staleGrace = 5 * time.Second

// Manager acquires and releases per-target locks under a single lock root.
type Manager struct {
	root  string
	alive func(pid int) bool
	pid   int
}

// Option customizes a Manager. Used by tests to inject a fake liveness probe.
type Option func(*Manager)

// WithAliveFunc overrides the holder-liveness probe.
func WithAliveFunc(alive func(pid int) bool) Option {
	return func(m *Manager) { m.alive = alive }
}

// WithPID overrides the pid recorded on acquisition.
func WithPID(pid int) Option {
	return func(m *Manager) { m.pid = pid }
}

// NewManager creates a lock manager rooted at dir. The directory is created
// on first acquisition if absent.
func NewManager(dir string, opts ...Option) *Manager {
	m := &Manager{
		root:  dir,
		alive: processAlive,
		pid:   os.Getpid(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lock represents a held lock for one target.
type Lock struct {
	target string
	dir    string
	mgr    *Manager
}

// Target returns the target this lock protects.
func (l *Lock) Target() string { return l.target }

// Acquire attempts to take the lock for target. It returns ErrBusy when a
// live holder exists. A stale lock (holder process dead) is removed and
// acquisition retried exactly once; losing that race also returns ErrBusy.
// Acquisition is all-or-nothing: on any error the caller holds nothing.
func (m *Manager) Acquire(target string) (*Lock, error) {
	if err := os.MkdirAll(m.root, 0o700); err != nil {
		return nil, fmt.Errorf("lock: creating lock root: %w", err)
	}

	dir := m.lockDir(target)

	lk, err := m.tryCreate(target, dir)
	if err == nil {
		return lk, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("lock: acquiring %s: %w", target, err)
	}

	// Lock directory exists: read the holder and probe liveness.
	holder, readErr := m.readHolder(dir)
	if readErr == nil && m.alive(holder) {
		return nil, ErrBusy
	}
	if readErr != nil && !m.pastGrace(dir) {
		// No readable pid yet: the holder may be mid-acquire. Treat a fresh
		// lock as busy rather than reclaiming it out from under a live racer.
		return nil, ErrBusy
	}

	// Stale (holder dead, or pid never stamped and the grace window passed).
	// Reclaim and retry once; a second racer winning means busy.
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("lock: reclaiming stale lock for %s: %w", target, err)
	}

	lk, err = m.tryCreate(target, dir)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("lock: re-acquiring %s: %w", target, err)
	}
	return lk, nil
}

// Release removes the lock. Idempotent: releasing a lock that was already
// released (or never acquired) is not an error.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.RemoveAll(l.dir); err != nil {
		return fmt.Errorf("lock: releasing %s: %w", l.target, err)
	}
	return nil
}

// ReleaseTarget removes the lock directory for target regardless of holder.
// Intended for operator cleanup only; normal code paths release via Lock.
func (m *Manager) ReleaseTarget(target string) error {
	if err := os.RemoveAll(m.lockDir(target)); err != nil {
		return fmt.Errorf("lock: releasing %s: %w", target, err)
	}
	return nil
}

// Holder returns the pid recorded in target's lock, or 0 if no lock exists.
func (m *Manager) Holder(target string) (int, error) {
	pid, err := m.readHolder(m.lockDir(target))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	return pid, err
}

// tryCreate performs the atomic all-or-nothing acquisition: Mkdir either
// creates the directory or fails with ErrExist. The pid file is written
// after, inside the directory we exclusively own.
func (m *Manager) tryCreate(target, dir string) (*Lock, error) {
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, err
	}

	pidPath := filepath.Join(dir, pidFileName)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(m.pid)), 0o600); err != nil {
		// Never hold a lock we could not stamp; a pid-less lock would look
		// stale to every other process.
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("recording holder pid: %w", err)
	}

	return &Lock{target: target, dir: dir, mgr: m}, nil
}

func (m *Manager) readHolder(dir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(dir, pidFileName))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("lock: malformed pid file: %w", err)
	}
	return pid, nil
}

// pastGrace reports whether dir is older than the mid-acquire grace window.
func (m *Manager) pastGrace(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil {
		// Directory vanished: the racer released or reclaimed already.
		return true
	}
	return time.Since(info.ModTime()) > staleGrace
}

func (m *Manager) lockDir(target string) string {
	return filepath.Join(m.root, sanitizeTarget(target)+".lock")
}

// sanitizeTarget replaces characters unsafe for filenames.
func sanitizeTarget(target string) string {
	out := make([]byte, len(target))
	for i := 0; i < len(target); i++ {
		if target[i] == '/' || target[i] == ':' {
			out[i] = '_'
		} else {
			out[i] = target[i]
		}
	}
	return string(out)
}
