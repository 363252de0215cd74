// Package backup runs the backup lifecycle for one target: lock, scan,
// copy, dump, aggregate, persist, notify, prune, verify, sync. Per-item
// failures never abort a run; only a busy lock or unusable configuration do.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/hoard-backup/hoard/internal/config"
	"github.com/hoard-backup/hoard/internal/failure"
	"github.com/hoard-backup/hoard/internal/hashcache"
	"github.com/hoard-backup/hoard/internal/lock"
	"github.com/hoard-backup/hoard/internal/notify"
	"github.com/hoard-backup/hoard/internal/report"
	"github.com/hoard-backup/hoard/internal/retention"
	"github.com/hoard-backup/hoard/internal/retry"
	"github.com/hoard-backup/hoard/internal/verify"
)

// Service wires the lifecycle components for one target.
type Service struct {
	cfg       *config.Config
	locks     *lock.Manager
	cache     *hashcache.Cache
	copier    *retry.Copier
	store     *report.Store
	escalator *notify.Escalator
	engine    *retention.Engine
	runner    CommandRunner
	now       func() time.Time

	notifierOverride notify.Notifier
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithRunner injects the subprocess runner, used by tests to fake dump and
// sync tools.
func WithRunner(r CommandRunner) ServiceOption {
	return func(s *Service) { s.runner = r }
}

// WithNotifier overrides the platform notifier.
func WithNotifier(n notify.Notifier) ServiceOption {
	return func(s *Service) { s.notifierOverride = n }
}

// WithClock injects a time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService builds a service from configuration. State and backup
// directories are created here.
func NewService(cfg *config.Config, opts ...ServiceOption) (*Service, error) {
	for _, dir := range []string{cfg.TargetStateDir(), cfg.LockDir(), cfg.TriggerDir(), cfg.TargetBackupDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("backup: creating %s: %w", dir, err)
		}
	}

	s := &Service{
		cfg:    cfg,
		locks:  lock.NewManager(cfg.LockDir()),
		cache:  hashcache.New(filepath.Join(cfg.TargetStateDir(), "hashcache.json")),
		copier: retry.NewCopier(),
		store:  report.NewStore(cfg.TargetStateDir(), cfg.Daemon.HistoryLimit),
		engine: retention.NewEngine(cfg.Retention),
		runner: execRunner{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	notifier := s.notifierOverride
	if notifier == nil {
		notifier = notify.NewPlatformNotifier()
	}
	escalator, err := notify.NewEscalator(cfg.TargetStateDir(), cfg.Notify, notifier)
	if err != nil {
		return nil, err
	}
	s.escalator = escalator
	return s, nil
}

// sourceFile is one file scheduled for copying into the snapshot.
type sourceFile struct {
	src string // absolute source path
	rel string // path relative to the snapshot's files/ directory
}

// RunOnce executes one complete backup run. It returns lock.ErrBusy without
// doing any work when another process holds the target's lock. The returned
// Run carries the exit code for the caller.
func (s *Service) RunOnce(ctx context.Context) (*report.Run, error) {
	l, err := s.locks.Acquire(s.cfg.Target)
	if err != nil {
		return nil, err
	}
	defer func() { _ = l.Release() }()

	start := s.now()
	log.Printf("backup: starting run for %s", s.cfg.Target)

	backupDir := s.cfg.TargetBackupDir()
	prevDir := s.previousSnapshotDir(backupDir)

	stamp := retention.Stamp(start)
	snapDir := filepath.Join(backupDir, stamp)
	if err := os.MkdirAll(filepath.Join(snapDir, "files"), 0o700); err != nil {
		return nil, fmt.Errorf("backup: creating snapshot directory: %w", err)
	}

	agg := report.NewAggregator(s.cfg.Target, s.cfg.Notify.CadenceHours)

	s.backupFiles(ctx, agg, snapDir, prevDir)
	s.backupDatabases(ctx, agg, snapDir)

	run := agg.Finalize(s.now())
	if err := s.store.WriteRun(run); err != nil {
		return run, fmt.Errorf("backup: persisting run state: %w", err)
	}

	if _, err := s.escalator.ProcessRun(run); err != nil {
		log.Printf("backup: notification processing failed: %v", err)
	}

	if _, err := s.engine.Prune(backupDir); err != nil {
		log.Printf("backup: retention prune failed: %v", err)
	}

	s.finishSnapshot(ctx, run, snapDir, stamp)

	log.Printf("backup: run %s finished: %s (exit %d, %d/%d files, %d/%d databases)",
		run.ID, run.Status, run.ExitCode,
		run.Files.Succeeded, run.Files.Total,
		run.Databases.Succeeded, run.Databases.Total)
	return run, nil
}

// backupFiles copies every configured source into the snapshot. Files
// unchanged since the previous snapshot are hard-linked instead of copied;
// the hash cache makes that comparison cheap.
func (s *Service) backupFiles(ctx context.Context, agg *report.Aggregator, snapDir, prevDir string) {
	for _, f := range s.scanSources(agg) {
		dest := filepath.Join(snapDir, "files", f.rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
			agg.RecordFileFailure(f.src, failure.Classify(err), err, 0)
			continue
		}

		if prevDir != "" {
			prev := filepath.Join(prevDir, "files", f.rel)
			if same, err := s.cache.Identical(f.src, prev); err == nil && same {
				if err := os.Link(prev, dest); err == nil {
					agg.FileSucceeded()
					continue
				}
				// Fall through to a real copy when linking isn't possible.
			}
		}

		res, err := s.copier.CopyWithRetry(ctx, f.src, dest, s.cfg.Copy.MaxAttempts)
		if err != nil {
			agg.RecordFileFailure(f.src, res.Kind, err, res.Attempts)
			continue
		}
		agg.FileSucceeded()
	}
}

// scanSources expands the configured sources into individual files. Missing
// sources are recorded as failures, not fatal errors.
func (s *Service) scanSources(agg *report.Aggregator) []sourceFile {
	var files []sourceFile
	for _, source := range s.cfg.Sources {
		info, err := os.Stat(source)
		if err != nil {
			agg.RecordFileFailure(source, failure.Classify(err), err, 0)
			continue
		}

		if !info.IsDir() {
			files = append(files, sourceFile{src: source, rel: filepath.Base(source)})
			continue
		}

		base := filepath.Base(source)
		err = filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				agg.RecordFileFailure(path, failure.Classify(err), err, 0)
				return nil // keep walking
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(source, path)
			if err != nil {
				return err
			}
			files = append(files, sourceFile{src: path, rel: filepath.Join(base, rel)})
			return nil
		})
		if err != nil {
			agg.RecordFileFailure(source, failure.Classify(err), err, 0)
		}
	}
	return files
}

// backupDatabases dumps every configured database into the snapshot.
func (s *Service) backupDatabases(ctx context.Context, agg *report.Aggregator, snapDir string) {
	if len(s.cfg.Databases) == 0 {
		return
	}

	destDir := filepath.Join(snapDir, "databases")
	if err := os.MkdirAll(destDir, 0o700); err != nil {
		for _, db := range s.cfg.Databases {
			agg.RecordDatabaseFailure(db.Name, failure.Classify(err), err, 0)
		}
		return
	}

	for _, db := range s.cfg.Databases {
		dest, err := s.dumpDatabase(ctx, db, destDir)
		if err != nil {
			agg.RecordDatabaseFailure(db.Name, failure.Classify(err), err, 1)
			continue
		}
		if info, err := os.Stat(dest); err != nil || info.Size() == 0 {
			err = fmt.Errorf("dump produced no artifact at %s", dest)
			agg.RecordDatabaseFailure(db.Name, failure.KindVerificationFailed, err, 1)
			continue
		}
		agg.DatabaseSucceeded()
	}
}

// finishSnapshot writes the manifest, optionally verifies the fresh
// snapshot, and pushes it to the cloud remote unless the run's actions block
// uploads. None of these steps change the run's recorded outcome; drift
// found here surfaces as warnings.
func (s *Service) finishSnapshot(ctx context.Context, run *report.Run, snapDir, stamp string) {
	manifest, err := verify.Generate(snapDir, s.cfg.Target, s.cache, s.now())
	if err != nil {
		log.Printf("backup: manifest generation failed: %v", err)
		return
	}
	if err := verify.WriteManifest(snapDir, manifest); err != nil {
		log.Printf("backup: manifest write failed: %v", err)
		return
	}

	if s.cfg.Verify.AfterBackup {
		if rep := verify.VerifyQuick(manifest, snapDir); rep.Failures > 0 {
			msg := fmt.Sprintf("post-backup verification found %d drifted items in %s", rep.Failures, stamp)
			log.Printf("backup: %s", msg)
			s.escalator.NotifyWarning(s.cfg.Target, msg)
		}
	}

	if s.cfg.Cloud.Remote == "" {
		return
	}
	if run.Actions.BlockCloudUpload {
		log.Printf("backup: cloud upload blocked by severity %s", run.Severity.Level)
		return
	}

	syncCtx, cancel := context.WithTimeout(ctx, s.cfg.Cloud.Timeout.Std())
	defer cancel()
	remote := fmt.Sprintf("%s/%s/%s", s.cfg.Cloud.Remote, s.cfg.Target, stamp)
	if _, err := s.runner.Run(syncCtx, s.cfg.Cloud.Command, "copy", snapDir, remote); err != nil {
		log.Printf("backup: cloud sync failed: %v", err)
		s.escalator.NotifyWarning(s.cfg.Target, fmt.Sprintf("cloud sync to %s failed", remote))
	}
}

// previousSnapshotDir returns the newest completed snapshot, or "" when none
// exists. Only snapshots with a manifest count: an unfinished snapshot from
// a crashed run has no manifest and cannot be trusted as a link source.
func (s *Service) previousSnapshotDir(backupDir string) string {
	snaps, err := retention.ListSnapshots(backupDir)
	if err != nil {
		return ""
	}
	for _, snap := range snaps {
		if !snap.Incomplete {
			return snap.Path
		}
	}
	return ""
}

// LastRun returns the most recently persisted run, or nil when none exists.
func (s *Service) LastRun() (*report.Run, error) {
	return s.store.ReadRun()
}

// History returns up to limit recent runs, newest last.
func (s *Service) History(limit int) ([]report.Run, error) {
	return s.store.History(limit)
}

// Snapshots lists the target's snapshots, newest first.
func (s *Service) Snapshots() ([]retention.Snapshot, error) {
	return retention.ListSnapshots(s.cfg.TargetBackupDir())
}

// PrunePlan evaluates retention without deleting anything.
func (s *Service) PrunePlan() (retention.Plan, error) {
	return s.engine.PlanDir(s.cfg.TargetBackupDir())
}

// Prune applies the retention policy now.
func (s *Service) Prune() (retention.Result, error) {
	return s.engine.Prune(s.cfg.TargetBackupDir())
}

// IsBusy reports whether the error is a held lock.
func IsBusy(err error) bool {
	return errors.Is(err, lock.ErrBusy)
}
