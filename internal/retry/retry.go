// Package retry executes file copies with classification-aware retry.
// Transient and unknown failures are retried with exponential backoff;
// permission and disk-space failures return immediately because retrying
// cannot help and only burns the backup window.
package retry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hoard-backup/hoard/internal/failure"
)

// Result describes a finished copy attempt sequence.
type Result struct {
	// Attempts is how many copy attempts were made, including the last.
	Attempts int

	// Kind is the classified kind of the final error; meaningful only when
	// the copy failed.
	Kind failure.Kind
}

// Copier copies files with retry. The copy operation is injectable so tests
// can script failure sequences without touching a real filesystem fault.
type Copier struct {
	initialInterval time.Duration
	copyFn          func(src, dst string) error
}

// Option customizes a Copier.
type Option func(*Copier)

// WithInitialInterval overrides the first backoff delay (default 1s).
// Subsequent delays double.
func WithInitialInterval(d time.Duration) Option {
	return func(c *Copier) { c.initialInterval = d }
}

// WithCopyFunc overrides the underlying copy operation.
func WithCopyFunc(fn func(src, dst string) error) Option {
	return func(c *Copier) { c.copyFn = fn }
}

// NewCopier creates a Copier with the default 1s/2s/4s/... backoff schedule.
func NewCopier(opts ...Option) *Copier {
	c := &Copier{
		initialInterval: time.Second,
		copyFn:          copyFile,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CopyWithRetry copies src to dst with up to maxAttempts attempts. Each
// failure is classified at the point of observation; permanent kinds
// (permission-denied, disk-full, file-missing) are returned without retry.
// Exhausting the budget returns the last error, classified. The returned
// Result reports attempt count and final kind either way.
func (c *Copier) CopyWithRetry(ctx context.Context, src, dst string, maxAttempts int) (Result, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	res := Result{}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	var lastKind failure.Kind

	op := func() error {
		res.Attempts++
		err := c.copyFn(src, dst)
		if err == nil {
			return nil
		}

		lastKind = failure.Classify(err)
		if lastKind.Permanent() {
			return backoff.Permanent(err)
		}
		if res.Attempts >= maxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	if err != nil {
		res.Kind = lastKind
		if lastKind == "" {
			// Context cancellation before the first attempt completed.
			res.Kind = failure.Classify(err)
		}
		return res, fmt.Errorf("retry: copying %s after %d attempt(s): %w", src, res.Attempts, err)
	}
	return res, nil
}

// copyFile copies src to dst through a temp file in dst's directory followed
// by a rename, so a failed copy never leaves a truncated file at dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating destination dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".copy-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := io.Copy(tmp, in); err != nil {
		cleanup()
		return fmt.Errorf("copying data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("syncing destination: %w", err)
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		cleanup()
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing destination: %w", err)
	}

	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
