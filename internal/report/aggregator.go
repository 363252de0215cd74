package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hoard-backup/hoard/internal/failure"
)

// Status is the overall outcome of a run.
type Status string

const (
	StatusCompleteSuccess Status = "complete_success"
	StatusPartialSuccess  Status = "partial_success"
	StatusTotalFailure    Status = "total_failure"
)

// Counts tracks attempted/succeeded/failed totals for one item class.
// succeeded + failed == total holds by construction.
type Counts struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Run is the durable record of one backup invocation, written once at run
// end and fully replacing the previous run's document for the target.
type Run struct {
	ID          string           `json:"run_id"`
	Target      string           `json:"target"`
	Timestamp   time.Time        `json:"timestamp"`
	ExitCode    int              `json:"exit_code"`
	Status      Status           `json:"status"`
	Files       Counts           `json:"files"`
	Databases   Counts           `json:"databases"`
	Severity    SeverityInfo     `json:"severity"`
	Failures    []failure.Record `json:"failures"`
	Actions     Actions          `json:"actions"`
	Remediation string           `json:"remediation,omitempty"`
}

// Aggregator collects per-item outcomes for the run in progress. Failures
// never abort the run; they are recorded here and the run continues.
type Aggregator struct {
	target       string
	cadenceHours map[string]int

	files     Counts
	databases Counts
	records   []failure.Record
}

// NewAggregator creates an empty aggregator for target. cadenceHours is the
// optional per-severity escalation cadence override from configuration.
func NewAggregator(target string, cadenceHours map[string]int) *Aggregator {
	return &Aggregator{target: target, cadenceHours: cadenceHours}
}

// FileSucceeded records one successfully backed-up file.
func (a *Aggregator) FileSucceeded() {
	a.files.Total++
	a.files.Succeeded++
}

// DatabaseSucceeded records one successfully dumped database.
func (a *Aggregator) DatabaseSucceeded() {
	a.databases.Total++
	a.databases.Succeeded++
}

// RecordFileFailure records a failed file item.
func (a *Aggregator) RecordFileFailure(path string, kind failure.Kind, err error, retries int) {
	a.files.Total++
	a.files.Failed++
	a.records = append(a.records, failure.NewRecord(failure.TargetFile, path, kind, err, retries))
}

// RecordDatabaseFailure records a failed database item.
func (a *Aggregator) RecordDatabaseFailure(path string, kind failure.Kind, err error, retries int) {
	a.databases.Total++
	a.databases.Failed++
	a.records = append(a.records, failure.NewRecord(failure.TargetDatabase, path, kind, err, retries))
}

// Failures returns the records collected so far.
func (a *Aggregator) Failures() []failure.Record {
	return a.records
}

// Severity evaluates the current severity judgment.
func (a *Aggregator) Severity() SeverityInfo {
	total := a.files.Total + a.databases.Total
	failed := a.files.Failed + a.databases.Failed
	return classify(total, failed, a.records)
}

// RequiresImmediateAction reports whether the current severity demands
// immediate operator attention.
func (a *Aggregator) RequiresImmediateAction() bool {
	return a.Severity().RequiresImmediateAction
}

// Finalize freezes the aggregation into a Run record with a fresh run id.
func (a *Aggregator) Finalize(now time.Time) *Run {
	sev := a.Severity()
	actions := ActionsFor(sev.Level, a.records, a.cadenceHours)

	failed := a.files.Failed + a.databases.Failed
	succeeded := a.files.Succeeded + a.databases.Succeeded

	status := StatusCompleteSuccess
	exitCode := 0
	switch {
	case failed == 0:
		// Includes the zero-attempted case: an empty run is a success.
	case succeeded == 0 || sev.Level == SeverityCritical:
		status = StatusTotalFailure
		exitCode = 2
	default:
		status = StatusPartialSuccess
		exitCode = 1
	}

	return &Run{
		ID:          uuid.NewString(),
		Target:      a.target,
		Timestamp:   now.UTC(),
		ExitCode:    exitCode,
		Status:      status,
		Files:       a.files,
		Databases:   a.databases,
		Severity:    sev,
		Failures:    a.records,
		Actions:     actions,
		Remediation: remediationText(a.records),
	}
}

// remediationText builds the consolidated remediation prompt: one line per
// distinct failure kind with the affected item count and the kind's hint.
func remediationText(records []failure.Record) string {
	if len(records) == 0 {
		return ""
	}

	byKind := make(map[failure.Kind]int)
	for _, rec := range records {
		byKind[rec.Kind]++
	}

	kinds := make([]failure.Kind, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%d item(s) failed.\n", len(records)))
	for _, k := range kinds {
		b.WriteString(fmt.Sprintf("- %s (%d item(s)): %s\n", k, byKind[k], failure.Hint(k)))
	}
	return b.String()
}
