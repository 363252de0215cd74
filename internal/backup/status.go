package backup

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hoard-backup/hoard/internal/report"
	"github.com/hoard-backup/hoard/internal/retention"
	"github.com/hoard-backup/hoard/internal/verify"
)

// Health summarizes the target's backup state for status displays.
type Health struct {
	// Status is "healthy", "warning", or "error".
	Status  string `json:"status"`
	Message string `json:"message"`

	// LastRun is the most recent persisted run, nil when none exists yet.
	// A briefly absent run state reads as unknown, never as corruption.
	LastRun *report.Run `json:"last_run,omitempty"`

	TotalSnapshots int    `json:"total_snapshots"`
	BackupDir      string `json:"backup_dir"`
	DiskSpaceUsed  int64  `json:"disk_space_used"`
}

// HealthCheck reports the target's current backup health.
func (s *Service) HealthCheck() (*Health, error) {
	snaps, err := s.Snapshots()
	if err != nil {
		return nil, fmt.Errorf("backup: listing snapshots: %w", err)
	}

	usage, err := retention.DiskUsage(s.cfg.TargetBackupDir())
	if err != nil {
		return nil, fmt.Errorf("backup: calculating disk usage: %w", err)
	}

	h := &Health{
		Status:         "healthy",
		TotalSnapshots: len(snaps),
		BackupDir:      s.cfg.TargetBackupDir(),
		DiskSpaceUsed:  usage,
	}

	last, err := s.LastRun()
	if err != nil {
		h.Status = "warning"
		h.Message = fmt.Sprintf("run state unreadable: %v", err)
		return h, nil
	}
	if last == nil {
		h.Message = "no runs yet"
		return h, nil
	}
	h.LastRun = last

	switch last.Severity.Level {
	case report.SeverityNone:
		h.Message = fmt.Sprintf("last run %s ago", s.now().Sub(last.Timestamp).Round(time.Minute))
	case report.SeverityLow, report.SeverityMedium:
		h.Status = "warning"
		h.Message = last.Severity.Reason
	default:
		h.Status = "error"
		h.Message = last.Severity.Reason
	}

	// A stale last run is a warning even when it succeeded.
	overdue := 2 * s.cfg.Daemon.Interval.Std()
	if age := s.now().Sub(last.Timestamp); age > overdue && h.Status == "healthy" {
		h.Status = "warning"
		h.Message = fmt.Sprintf("backup overdue: last run %s ago", age.Round(time.Minute))
	}
	return h, nil
}

// VerifySnapshot verifies the named snapshot (or the newest one when name is
// empty) at the requested fidelity. The returned error means verification
// could not be performed at all; callers map it to exit code 2.
func (s *Service) VerifySnapshot(ctx context.Context, name string, mode verify.Mode) (*verify.Report, error) {
	dir, err := s.snapshotDir(name)
	if err != nil {
		return nil, err
	}

	manifest, err := verify.LoadManifest(dir)
	if err != nil {
		return nil, err
	}

	switch mode {
	case verify.ModeFull:
		return verify.VerifyFull(manifest, dir), nil
	case verify.ModeCloud:
		if s.cfg.Cloud.Remote == "" {
			return nil, fmt.Errorf("backup: no cloud remote configured")
		}
		lister := verify.NewRcloneLister(s.cfg.Cloud.Command, s.cfg.Cloud.Remote)
		v := verify.NewCloudVerifier(lister, s.cfg.Cloud.Timeout.Std())
		prefix := fmt.Sprintf("%s/%s", s.cfg.Target, filepath.Base(dir))
		return v.Verify(ctx, manifest, prefix)
	default:
		return verify.VerifyQuick(manifest, dir), nil
	}
}

func (s *Service) snapshotDir(name string) (string, error) {
	snaps, err := s.Snapshots()
	if err != nil {
		return "", err
	}
	if len(snaps) == 0 {
		return "", fmt.Errorf("backup: no snapshots for %s", s.cfg.Target)
	}

	if name == "" {
		return snaps[0].Path, nil
	}
	for _, snap := range snaps {
		if snap.Name == name {
			return snap.Path, nil
		}
	}
	return "", fmt.Errorf("backup: snapshot %s not found", name)
}
