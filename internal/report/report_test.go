package report

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoard-backup/hoard/internal/failure"
)

// TestSeverityNoneWhenNoFailures tests that empty and all-success runs are
// severity none.
func TestSeverityNoneWhenNoFailures(t *testing.T) {
	a := NewAggregator("proj", nil)
	assert.Equal(t, SeverityNone, a.Severity().Level)

	for i := 0; i < 5; i++ {
		a.FileSucceeded()
	}
	a.DatabaseSucceeded()
	assert.Equal(t, SeverityNone, a.Severity().Level)
	assert.False(t, a.RequiresImmediateAction())
}

// TestSeverityDiskFullAlwaysCritical tests the disk-full precedence: one
// disk-full failure among 99 successes is critical regardless of rate, and
// beats a simultaneous destination-unreachable failure.
func TestSeverityDiskFullAlwaysCritical(t *testing.T) {
	a := NewAggregator("proj", nil)
	for i := 0; i < 99; i++ {
		a.FileSucceeded()
	}
	a.RecordFileFailure("/data/x", failure.KindDiskFull, errors.New("no space left on device"), 1)

	sev := a.Severity()
	assert.Equal(t, SeverityCritical, sev.Level)
	assert.True(t, sev.RequiresImmediateAction)

	// disk-full wins even when destination-unreachable is also present.
	a.RecordFileFailure("/data/y", failure.KindDestinationUnreachable, errors.New("stale mount"), 3)
	assert.Equal(t, SeverityCritical, a.Severity().Level)
}

// TestSeverityUnreachableIsHigh tests that destination-unreachable lifts the
// run to high even at a tiny failure rate.
func TestSeverityUnreachableIsHigh(t *testing.T) {
	a := NewAggregator("proj", nil)
	for i := 0; i < 99; i++ {
		a.FileSucceeded()
	}
	a.RecordFileFailure("/mnt/ext/x", failure.KindDestinationUnreachable, errors.New("not mounted"), 3)

	sev := a.Severity()
	assert.Equal(t, SeverityHigh, sev.Level)
	assert.True(t, sev.RequiresImmediateAction)
}

// TestSeverityRateBoundaries tests the 10% and 50% failure-rate boundaries:
// both are inclusive on the higher-severity side.
func TestSeverityRateBoundaries(t *testing.T) {
	cases := []struct {
		total, failed int
		want          Severity
	}{
		{100, 9, SeverityLow},     // 9% -> low
		{10, 1, SeverityMedium},   // exactly 10% -> medium
		{100, 49, SeverityMedium}, // 49% -> medium
		{10, 5, SeverityHigh},     // exactly 50% -> high
		{10, 10, SeverityHigh},    // 100% -> high
	}

	for _, tc := range cases {
		a := NewAggregator("proj", nil)
		for i := 0; i < tc.total-tc.failed; i++ {
			a.FileSucceeded()
		}
		for i := 0; i < tc.failed; i++ {
			a.RecordFileFailure("/x", failure.KindTransientIO, errors.New("io"), 3)
		}
		assert.Equal(t, tc.want, a.Severity().Level, "%d/%d failed", tc.failed, tc.total)
	}
}

// TestActionsMapping tests the deterministic severity -> actions table.
func TestActionsMapping(t *testing.T) {
	transient := []failure.Record{{Kind: failure.KindTransientIO}}

	crit := ActionsFor(SeverityCritical, nil, nil)
	assert.True(t, crit.StopDaemon)
	assert.True(t, crit.BlockCloudUpload)
	assert.Equal(t, UrgencyUrgent, crit.Urgency)
	assert.Equal(t, 1, crit.EscalateAfterHours)

	high := ActionsFor(SeverityHigh, nil, nil)
	assert.False(t, high.StopDaemon)
	assert.True(t, high.BlockCloudUpload)
	assert.Equal(t, UrgencyUrgent, high.Urgency)
	assert.Equal(t, 2, high.EscalateAfterHours)

	medium := ActionsFor(SeverityMedium, transient, nil)
	assert.False(t, medium.BlockCloudUpload)
	assert.Equal(t, UrgencyNormal, medium.Urgency)
	assert.Equal(t, 3, medium.EscalateAfterHours)
	assert.True(t, medium.RetryRecommended)

	low := ActionsFor(SeverityLow, nil, nil)
	assert.Equal(t, UrgencyLow, low.Urgency)
	assert.Equal(t, 6, low.EscalateAfterHours)

	none := ActionsFor(SeverityNone, nil, nil)
	assert.Equal(t, UrgencyNone, none.Urgency)
	assert.Equal(t, 0, none.EscalateAfterHours)
}

// TestCadenceOverride tests config-driven cadence overrides.
func TestCadenceOverride(t *testing.T) {
	a := ActionsFor(SeverityMedium, nil, map[string]int{"medium": 4})
	assert.Equal(t, 4, a.EscalateAfterHours)

	// Unrelated override leaves the default alone.
	b := ActionsFor(SeverityLow, nil, map[string]int{"medium": 4})
	assert.Equal(t, 6, b.EscalateAfterHours)
}

// TestRetryNotRecommendedForPermanentFailures tests that permission-denied
// failures do not suggest a blind re-run.
func TestRetryNotRecommendedForPermanentFailures(t *testing.T) {
	perm := []failure.Record{{Kind: failure.KindPermissionDenied}}
	a := ActionsFor(SeverityLow, perm, nil)
	assert.False(t, a.RetryRecommended)
}

// TestFinalizeScenarioSingleDeniedFile tests the canonical scenario: 10 files,
// one permission-denied failure. Exactly 10% failed, which lands on the
// medium side of the boundary; exit code 1, daemon keeps running.
func TestFinalizeScenarioSingleDeniedFile(t *testing.T) {
	a := NewAggregator("proj", nil)
	for i := 0; i < 9; i++ {
		a.FileSucceeded()
	}
	a.RecordFileFailure("/data/file7", failure.KindPermissionDenied, errors.New("open /data/file7: permission denied"), 1)

	run := a.Finalize(time.Now())

	assert.Equal(t, 1, run.ExitCode)
	assert.Equal(t, StatusPartialSuccess, run.Status)
	assert.Equal(t, 10, run.Files.Total)
	assert.Equal(t, 9, run.Files.Succeeded)
	assert.Equal(t, 1, run.Files.Failed)
	assert.Equal(t, SeverityMedium, run.Severity.Level)
	assert.False(t, run.Actions.StopDaemon)
	require.Len(t, run.Failures, 1)
	assert.Equal(t, failure.KindPermissionDenied, run.Failures[0].Kind)
	assert.Contains(t, run.Remediation, "permission")
	assert.NotEmpty(t, run.ID)
}

// TestFinalizeAccountingInvariant tests succeeded + failed == total for both
// item classes.
func TestFinalizeAccountingInvariant(t *testing.T) {
	a := NewAggregator("proj", nil)
	a.FileSucceeded()
	a.FileSucceeded()
	a.RecordFileFailure("/f", failure.KindTransientIO, errors.New("io"), 3)
	a.DatabaseSucceeded()
	a.RecordDatabaseFailure("/db", failure.KindUnknown, errors.New("odd"), 2)

	run := a.Finalize(time.Now())
	assert.Equal(t, run.Files.Total, run.Files.Succeeded+run.Files.Failed)
	assert.Equal(t, run.Databases.Total, run.Databases.Succeeded+run.Databases.Failed)
	assert.Equal(t, 3, run.Files.Total)
	assert.Equal(t, 2, run.Databases.Total)
}

// TestFinalizeStatuses tests the status/exit-code mapping.
func TestFinalizeStatuses(t *testing.T) {
	// Full success.
	a := NewAggregator("proj", nil)
	a.FileSucceeded()
	run := a.Finalize(time.Now())
	assert.Equal(t, StatusCompleteSuccess, run.Status)
	assert.Equal(t, 0, run.ExitCode)

	// Zero attempted is also a success.
	empty := NewAggregator("proj", nil).Finalize(time.Now())
	assert.Equal(t, StatusCompleteSuccess, empty.Status)
	assert.Equal(t, 0, empty.ExitCode)

	// Everything failed.
	b := NewAggregator("proj", nil)
	b.RecordFileFailure("/f", failure.KindTransientIO, errors.New("io"), 3)
	run = b.Finalize(time.Now())
	assert.Equal(t, StatusTotalFailure, run.Status)
	assert.Equal(t, 2, run.ExitCode)

	// Critical escalates the exit code even with successes present.
	c := NewAggregator("proj", nil)
	for i := 0; i < 9; i++ {
		c.FileSucceeded()
	}
	c.RecordFileFailure("/f", failure.KindDiskFull, errors.New("no space"), 1)
	run = c.Finalize(time.Now())
	assert.Equal(t, 2, run.ExitCode)
	assert.Equal(t, StatusTotalFailure, run.Status)
}

// TestStoreRoundTrip tests WriteRun/ReadRun persistence.
func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir(), 10)

	// No run yet: nil, not an error.
	run, err := store.ReadRun()
	require.NoError(t, err)
	assert.Nil(t, run)

	a := NewAggregator("proj", nil)
	a.FileSucceeded()
	a.RecordFileFailure("/f", failure.KindTransientIO, errors.New("io"), 2)
	written := a.Finalize(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	require.NoError(t, store.WriteRun(written))

	read, err := store.ReadRun()
	require.NoError(t, err)
	require.NotNil(t, read)
	assert.Equal(t, written.ID, read.ID)
	assert.Equal(t, written.Status, read.Status)
	assert.Equal(t, written.Severity.Level, read.Severity.Level)
	assert.Equal(t, written.Files, read.Files)
	require.Len(t, read.Failures, 1)
	assert.Equal(t, failure.KindTransientIO, read.Failures[0].Kind)
}

// TestHistoryCapped tests that the history log keeps only the newest entries.
func TestHistoryCapped(t *testing.T) {
	store := NewStore(t.TempDir(), 5)

	for i := 0; i < 8; i++ {
		a := NewAggregator("proj", nil)
		a.FileSucceeded()
		require.NoError(t, store.WriteRun(a.Finalize(time.Now().Add(time.Duration(i)*time.Minute))))
	}

	runs, err := store.History(0)
	require.NoError(t, err)
	assert.Len(t, runs, 5)

	// Newest entry is last and matches the current run document.
	current, err := store.ReadRun()
	require.NoError(t, err)
	assert.Equal(t, current.ID, runs[len(runs)-1].ID)
}
