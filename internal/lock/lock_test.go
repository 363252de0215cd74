package lock

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// TestAcquireRelease tests the basic acquire/release round trip.
func TestAcquireRelease(t *testing.T) {
	m := NewManager(t.TempDir())

	lk, err := m.Acquire("projectA")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	holder, err := m.Holder("projectA")
	if err != nil {
		t.Fatalf("reading holder: %v", err)
	}
	if holder != os.Getpid() {
		t.Errorf("expected holder %d, got %d", os.Getpid(), holder)
	}

	if err := lk.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	// Lock should be reacquirable.
	lk2, err := m.Acquire("projectA")
	if err != nil {
		t.Fatalf("re-acquire after release failed: %v", err)
	}
	_ = lk2.Release()
}

// TestAcquireBusy tests that a second acquire for a live holder returns ErrBusy.
func TestAcquireBusy(t *testing.T) {
	dir := t.TempDir()
	alive := func(pid int) bool { return true }

	m1 := NewManager(dir, WithAliveFunc(alive), WithPID(1001))
	m2 := NewManager(dir, WithAliveFunc(alive), WithPID(1002))

	lk, err := m1.Acquire("projectA")
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	defer func() { _ = lk.Release() }()

	_, err = m2.Acquire("projectA")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

// TestStaleReclaim tests that a lock held by a dead process is reclaimed.
func TestStaleReclaim(t *testing.T) {
	dir := t.TempDir()

	dead := NewManager(dir, WithAliveFunc(func(int) bool { return true }), WithPID(4242))
	lk, err := dead.Acquire("projectA")
	if err != nil {
		t.Fatalf("setup acquire failed: %v", err)
	}
	_ = lk // never released; simulates a killed process

	// Second manager sees pid 4242 as dead and reclaims.
	m := NewManager(dir, WithAliveFunc(func(pid int) bool { return pid != 4242 }), WithPID(5555))
	lk2, err := m.Acquire("projectA")
	if err != nil {
		t.Fatalf("reclaim acquire failed: %v", err)
	}
	defer func() { _ = lk2.Release() }()

	holder, err := m.Holder("projectA")
	if err != nil {
		t.Fatalf("reading holder: %v", err)
	}
	if holder != 5555 {
		t.Errorf("expected reclaimed holder 5555, got %d", holder)
	}
}

// TestStaleLockMissingPidFile tests that a lock directory with no pid file
// (holder died between mkdir and pid write) is treated as stale.
func TestStaleLockMissingPidFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, WithAliveFunc(func(int) bool { return true }), WithPID(7))

	// Simulate a half-acquired lock, backdated past the grace window.
	lockDir := filepath.Join(dir, "projectA.lock")
	if err := os.Mkdir(lockDir, 0o700); err != nil {
		t.Fatalf("setup: %v", err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(lockDir, old, old); err != nil {
		t.Fatalf("setup chtimes: %v", err)
	}

	lk, err := m.Acquire("projectA")
	if err != nil {
		t.Fatalf("expected reclaim of pid-less lock, got %v", err)
	}
	_ = lk.Release()
}

// TestFreshPidlessLockIsBusy tests that a brand-new lock directory whose pid
// has not been stamped yet is treated as busy, not stale.
func TestFreshPidlessLockIsBusy(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, WithAliveFunc(func(int) bool { return true }))

	if err := os.Mkdir(filepath.Join(dir, "projectA.lock"), 0o700); err != nil {
		t.Fatalf("setup: %v", err)
	}

	_, err := m.Acquire("projectA")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for fresh pid-less lock, got %v", err)
	}
}

// TestReleaseIdempotent tests that double release and releasing a never-held
// target are safe.
func TestReleaseIdempotent(t *testing.T) {
	m := NewManager(t.TempDir())

	lk, err := m.Acquire("projectA")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if err := lk.Release(); err != nil {
		t.Fatalf("first release failed: %v", err)
	}
	if err := lk.Release(); err != nil {
		t.Fatalf("second release should be idempotent, got: %v", err)
	}
	if err := m.ReleaseTarget("never-acquired"); err != nil {
		t.Fatalf("releasing unheld target should be safe, got: %v", err)
	}
}

// TestMutualExclusionConcurrent tests that concurrent acquisition attempts
// from many goroutines standing in for processes yield exactly one winner.
func TestMutualExclusionConcurrent(t *testing.T) {
	dir := t.TempDir()
	alive := func(int) bool { return true }

	const racers = 16
	var wg sync.WaitGroup
	locks := make([]*Lock, racers)
	errs := make([]error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := NewManager(dir, WithAliveFunc(alive), WithPID(2000+i))
			locks[i], errs[i] = m.Acquire("contested")
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < racers; i++ {
		if errs[i] == nil {
			winners++
		} else if !errors.Is(errs[i], ErrBusy) {
			t.Errorf("racer %d: unexpected error %v", i, errs[i])
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}

	// After the winner releases, exactly one subsequent acquire succeeds.
	for _, lk := range locks {
		if lk != nil {
			_ = lk.Release()
		}
	}
	m := NewManager(dir, WithAliveFunc(alive), WithPID(3000))
	lk, err := m.Acquire("contested")
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	_ = lk.Release()
}

// TestTargetsIndependent tests that locks on different targets do not conflict.
func TestTargetsIndependent(t *testing.T) {
	m := NewManager(t.TempDir())

	a, err := m.Acquire("projectA")
	if err != nil {
		t.Fatalf("acquire A: %v", err)
	}
	b, err := m.Acquire("projectB")
	if err != nil {
		t.Fatalf("acquire B: %v", err)
	}

	_ = a.Release()
	_ = b.Release()
}

// TestSanitizedTargetNames tests that path-hostile target names still lock.
func TestSanitizedTargetNames(t *testing.T) {
	m := NewManager(t.TempDir())

	lk, err := m.Acquire("work/projects:alpha")
	if err != nil {
		t.Fatalf("acquire with slashes failed: %v", err)
	}
	_ = lk.Release()
}
