package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/hoard-backup/hoard/internal/config"
	"github.com/hoard-backup/hoard/internal/report"
)

const escalationFileName = "escalation.json"

// EscalationState tracks an unresolved failure streak for one target. It is
// created on the first failure and cleared entirely on recovery.
type EscalationState struct {
	// FirstFailure is when the current streak began.
	FirstFailure time.Time `json:"first_failure"`

	// LastEscalation is when the operator was last alerted for this streak.
	// Zero when the initial alert was suppressed (e.g. by quiet hours).
	LastEscalation time.Time `json:"last_escalation,omitempty"`
}

// Escalator is the notification state machine: first failure alerts
// immediately, repeated failures re-alert only after the severity's cadence,
// recovery sends a restored notification and clears state.
type Escalator struct {
	dir      string
	notifier Notifier
	enabled  bool
	quiet    QuietHours
	bypass   map[report.Severity]bool
	limiter  *rate.Limiter
	now      func() time.Time
}

// EscalatorOption customizes an Escalator.
type EscalatorOption func(*Escalator)

// WithClock injects a time source, used by tests to simulate elapsed hours.
func WithClock(now func() time.Time) EscalatorOption {
	return func(e *Escalator) { e.now = now }
}

// WithRateLimiter overrides the delivery rate limiter.
func WithRateLimiter(l *rate.Limiter) EscalatorOption {
	return func(e *Escalator) { e.limiter = l }
}

// NewEscalator creates the escalation controller for one target. stateDir is
// the target's state directory; cfg carries quiet hours and bypass policy.
func NewEscalator(stateDir string, cfg config.NotifyConfig, notifier Notifier, opts ...EscalatorOption) (*Escalator, error) {
	quiet, err := ParseQuietHours(cfg.QuietStart, cfg.QuietEnd)
	if err != nil {
		return nil, err
	}

	bypass := make(map[report.Severity]bool, len(cfg.BypassQuietHours))
	for _, name := range cfg.BypassQuietHours {
		bypass[report.Severity(name)] = true
	}

	e := &Escalator{
		dir:      stateDir,
		notifier: notifier,
		enabled:  cfg.Enabled,
		quiet:    quiet,
		bypass:   bypass,
		// A daemon session never needs more than a handful of alerts in a
		// short burst; anything past this is a bug or a flapping target.
		limiter: rate.NewLimiter(rate.Every(10*time.Second), 3),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ProcessRun advances the state machine for a finished run. It returns
// whether a notification was actually delivered.
func (e *Escalator) ProcessRun(run *report.Run) (bool, error) {
	state, err := e.loadState()
	if err != nil {
		return false, err
	}

	if run.Status == report.StatusCompleteSuccess {
		if state == nil {
			return false, nil // nothing to recover from
		}
		sent := e.deliver(Notification{
			Title:   fmt.Sprintf("hoard: %s restored", run.Target),
			Message: fmt.Sprintf("Backups for %s are succeeding again (failing since %s).", run.Target, state.FirstFailure.Format(time.RFC3339)),
			Urgency: report.UrgencyNormal,
		}, run.Severity.Level)
		if err := e.clearState(); err != nil {
			return sent, err
		}
		return sent, nil
	}

	// Failing run.
	now := e.now()
	if state == nil {
		// First failure of a streak: alert immediately.
		sent := e.deliver(e.failureNotification(run), run.Severity.Level)
		newState := &EscalationState{FirstFailure: now}
		if sent {
			newState.LastEscalation = now
		}
		return sent, e.saveState(newState)
	}

	// Repeated failure: re-alert only after the cadence has elapsed.
	cadence := time.Duration(run.Actions.EscalateAfterHours) * time.Hour
	if cadence <= 0 {
		return false, nil
	}
	if now.Sub(state.LastEscalation) < cadence {
		log.Printf("notify: suppressing repeat alert for %s (last escalation %s, cadence %s)",
			run.Target, state.LastEscalation.Format(time.RFC3339), cadence)
		return false, nil
	}

	sent := e.deliver(e.failureNotification(run), run.Severity.Level)
	if sent {
		state.LastEscalation = now
		return true, e.saveState(state)
	}
	return false, nil
}

// NotifyWarning sends a one-off warning outside the escalation state machine
// (e.g. verification drift found by a scheduled audit).
func (e *Escalator) NotifyWarning(target, message string) bool {
	return e.deliver(Notification{
		Title:   fmt.Sprintf("hoard: %s warning", target),
		Message: message,
		Urgency: report.UrgencyNormal,
	}, report.SeverityMedium)
}

// failureNotification builds the alert for a failing run: a short summary
// plus the first actionable remediation hint.
func (e *Escalator) failureNotification(run *report.Run) Notification {
	failed := run.Files.Failed + run.Databases.Failed
	total := run.Files.Total + run.Databases.Total

	msg := fmt.Sprintf("%d of %d items failed (%s severity): %s", failed, total, run.Severity.Level, run.Severity.Reason)
	if len(run.Failures) > 0 {
		msg += " Hint: " + run.Failures[0].Hint
	}

	return Notification{
		Title:   fmt.Sprintf("hoard: backup failed for %s", run.Target),
		Message: msg,
		Urgency: run.Actions.Urgency,
	}
}

// deliver applies the enabled flag, quiet hours, and the rate limiter, then
// sends. Suppressions are always logged, never silently dropped.
func (e *Escalator) deliver(n Notification, level report.Severity) bool {
	if !e.enabled {
		log.Printf("notify: suppressed (notifications disabled): %s", n.Title)
		return false
	}
	if e.quiet.Contains(e.now()) && !e.bypass[level] {
		log.Printf("notify: suppressed (quiet hours): %s", n.Title)
		return false
	}
	if !e.limiter.Allow() {
		log.Printf("notify: suppressed (rate limited): %s", n.Title)
		return false
	}

	if err := e.notifier.Send(n); err != nil {
		log.Printf("notify: delivery failed: %v", err)
		return false
	}
	return true
}

// loadState reads the escalation state, or nil when no streak is active.
func (e *Escalator) loadState() (*EscalationState, error) {
	data, err := os.ReadFile(filepath.Join(e.dir, escalationFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("notify: reading escalation state: %w", err)
	}

	var state EscalationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("notify: parsing escalation state: %w", err)
	}
	return &state, nil
}

func (e *Escalator) saveState(state *EscalationState) error {
	if err := os.MkdirAll(e.dir, 0o700); err != nil {
		return fmt.Errorf("notify: creating state dir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("notify: marshaling escalation state: %w", err)
	}

	path := filepath.Join(e.dir, escalationFileName)
	tmp, err := os.CreateTemp(e.dir, ".escalation-*")
	if err != nil {
		return fmt.Errorf("notify: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("notify: writing escalation state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("notify: closing escalation state: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("notify: replacing escalation state: %w", err)
	}
	return nil
}

// clearState deletes the escalation state entirely; recovery means the next
// failure starts a fresh streak.
func (e *Escalator) clearState() error {
	err := os.Remove(filepath.Join(e.dir, escalationFileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("notify: clearing escalation state: %w", err)
	}
	return nil
}
