package backup

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const triggerSuffix = ".trigger"

// Daemon runs scheduled backup cycles and serves on-demand trigger files.
// Dropping a <target>.trigger file into the trigger directory requests an
// immediate run; scheduled cycles are skipped while the last run's actions
// say to stop, but triggered runs always proceed.
type Daemon struct {
	svc      *Service
	interval time.Duration
	dir      string
}

// NewDaemon wraps a service in a scheduling loop.
func NewDaemon(svc *Service) *Daemon {
	return &Daemon{
		svc:      svc,
		interval: svc.cfg.Daemon.Interval.Std(),
		dir:      svc.cfg.TriggerDir(),
	}
}

// Run blocks until ctx is cancelled. Any pending trigger files are served
// first, then the loop alternates between ticker cycles and trigger events.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.dir, 0o700); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(d.dir); err != nil {
		return err
	}

	d.drainTriggers(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	log.Printf("backup: daemon started for %s (interval %v, triggers in %s)",
		d.svc.cfg.Target, d.interval, d.dir)

	for {
		select {
		case <-ctx.Done():
			log.Printf("backup: daemon stopping")
			return ctx.Err()

		case <-ticker.C:
			d.runScheduled(ctx)

		case evt, ok := <-w.Events:
			if !ok {
				return nil
			}
			if evt.Op&fsnotify.Create != 0 && strings.HasSuffix(evt.Name, triggerSuffix) {
				d.consumeTrigger(ctx, evt.Name)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("backup: watcher error: %v", err)
		}
	}
}

// runScheduled runs one ticker cycle, honoring the stop-daemon action from
// the previous run.
func (d *Daemon) runScheduled(ctx context.Context) {
	last, err := d.svc.LastRun()
	if err != nil {
		log.Printf("backup: reading last run: %v", err)
	}
	if last != nil && last.Actions.StopDaemon {
		log.Printf("backup: scheduled cycle skipped: last run severity %s requested stop (run %s)",
			last.Severity.Level, last.ID)
		return
	}
	d.runCycle(ctx, "scheduled")
}

// consumeTrigger removes the trigger file and runs immediately. Triggers are
// explicit operator requests, so the stop-daemon gate does not apply.
func (d *Daemon) consumeTrigger(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil {
		return // consumed by another process
	}
	log.Printf("backup: trigger %s", filepath.Base(path))
	d.runCycle(ctx, "triggered")
}

func (d *Daemon) drainTriggers(ctx context.Context) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), triggerSuffix) {
			d.consumeTrigger(ctx, filepath.Join(d.dir, entry.Name()))
		}
	}
}

func (d *Daemon) runCycle(ctx context.Context, kind string) {
	run, err := d.svc.RunOnce(ctx)
	switch {
	case IsBusy(err):
		log.Printf("backup: %s cycle skipped, target %s is locked", kind, d.svc.cfg.Target)
	case err != nil:
		log.Printf("backup: %s cycle failed: %v", kind, err)
	default:
		log.Printf("backup: %s cycle done: %s", kind, run.Status)
	}
}

// RequestRun drops a trigger file for the target, asking a running daemon to
// back up now. Safe to call while no daemon is running; the file is drained
// at the next daemon start.
func RequestRun(triggerDir, target string) error {
	if err := os.MkdirAll(triggerDir, 0o700); err != nil {
		return err
	}
	path := filepath.Join(triggerDir, target+triggerSuffix)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}
