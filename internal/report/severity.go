// Package report aggregates per-item failures into a run-level severity
// judgment, maps severity to recommended actions, and persists the resulting
// BackupRun record. The severity classifier is the sole authority for
// escalated actions: individual components never unilaterally halt anything.
package report

import (
	"fmt"

	"github.com/hoard-backup/hoard/internal/failure"
)

// Severity is the aggregate risk classification of a run.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Urgency is the notification urgency attached to a severity.
type Urgency string

const (
	UrgencyNone   Urgency = "none"
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyUrgent Urgency = "urgent"
)

// SeverityInfo is the severity judgment persisted with a run.
type SeverityInfo struct {
	// Level is the classified severity.
	Level Severity `json:"level"`

	// Reason explains which rule fired.
	Reason string `json:"reason"`

	// RequiresImmediateAction is set for high and critical severities.
	RequiresImmediateAction bool `json:"requires_immediate_action"`
}

// Actions are the deterministic recommendations derived from severity.
type Actions struct {
	// RetryRecommended is set when the recorded failures are retryable
	// (transient or unknown), so simply re-running may succeed.
	RetryRecommended bool `json:"retry_recommended"`

	// StopDaemon stops scheduled runs until the next successful run.
	StopDaemon bool `json:"stop_daemon"`

	// BlockCloudUpload prevents syncing a known-bad backup set to the cloud.
	BlockCloudUpload bool `json:"block_cloud_upload"`

	// Urgency is the notification urgency for this run.
	Urgency Urgency `json:"notification_urgency"`

	// EscalateAfterHours is the re-notification cadence while the failure
	// persists; 0 means no escalation.
	EscalateAfterHours int `json:"escalate_after_hours"`
}

// classify computes the run severity from the aggregate counts and records.
// Precedence: no failures -> none; any disk-full -> critical regardless of
// rate; any destination-unreachable -> high; otherwise by failure rate with
// the 10% boundary on the medium side and the 50% boundary on the high side.
func classify(total, failed int, records []failure.Record) SeverityInfo {
	if total == 0 || failed == 0 {
		return SeverityInfo{Level: SeverityNone, Reason: "no failures recorded"}
	}

	for _, rec := range records {
		if rec.Kind == failure.KindDiskFull {
			return SeverityInfo{
				Level:                   SeverityCritical,
				Reason:                  "destination disk is full",
				RequiresImmediateAction: true,
			}
		}
	}
	for _, rec := range records {
		if rec.Kind == failure.KindDestinationUnreachable {
			return SeverityInfo{
				Level:                   SeverityHigh,
				Reason:                  "backup destination is unreachable",
				RequiresImmediateAction: true,
			}
		}
	}

	rate := float64(failed) / float64(total)
	switch {
	case rate >= 0.5:
		return SeverityInfo{
			Level:                   SeverityHigh,
			Reason:                  fmt.Sprintf("%d of %d items failed (%.0f%%)", failed, total, rate*100),
			RequiresImmediateAction: true,
		}
	case rate >= 0.1:
		return SeverityInfo{
			Level:  SeverityMedium,
			Reason: fmt.Sprintf("%d of %d items failed (%.0f%%)", failed, total, rate*100),
		}
	default:
		return SeverityInfo{
			Level:  SeverityLow,
			Reason: fmt.Sprintf("%d of %d items failed (%.0f%%)", failed, total, rate*100),
		}
	}
}

// ActionsFor maps a severity level to its recommended actions. The mapping is
// fixed; cadence may be overridden per severity via cadenceHours (keyed by
// severity name).
func ActionsFor(level Severity, records []failure.Record, cadenceHours map[string]int) Actions {
	var a Actions

	switch level {
	case SeverityCritical:
		a.StopDaemon = true
		a.BlockCloudUpload = true
		a.Urgency = UrgencyUrgent
		a.EscalateAfterHours = 1
	case SeverityHigh:
		a.BlockCloudUpload = true
		a.Urgency = UrgencyUrgent
		a.EscalateAfterHours = 2
	case SeverityMedium:
		a.Urgency = UrgencyNormal
		a.EscalateAfterHours = 3
	case SeverityLow:
		a.Urgency = UrgencyLow
		a.EscalateAfterHours = 6
	default:
		a.Urgency = UrgencyNone
	}

	for _, rec := range records {
		if rec.Kind == failure.KindTransientIO || rec.Kind == failure.KindUnknown {
			a.RetryRecommended = true
			break
		}
	}

	if cadenceHours != nil && a.EscalateAfterHours > 0 {
		if override, ok := cadenceHours[string(level)]; ok && override > 0 {
			a.EscalateAfterHours = override
		}
	}

	return a
}
