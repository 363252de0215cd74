package verify

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoard-backup/hoard/internal/hashcache"
)

var testTime = time.Date(2026, 5, 15, 12, 0, 0, 0, time.UTC)

// makeSnapshot builds a snapshot directory with two files under files/.
func makeSnapshot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "files", "docs"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "files", "a.txt"), []byte("alpha contents\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "files", "docs", "b.txt"), []byte("beta contents\n"), 0o600))
	return dir
}

// makeSQLiteArtifact creates a real SQLite database at path.
func makeSQLiteArtifact(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO notes (body) VALUES ('hello')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

// TestManifestRoundTrip tests generate -> write -> load -> verify on an
// unmodified snapshot.
func TestManifestRoundTrip(t *testing.T) {
	dir := makeSnapshot(t)

	m, err := Generate(dir, "proj", nil, testTime)
	require.NoError(t, err)
	require.Len(t, m.Files, 2)
	assert.Equal(t, manifestVersion, m.Version)
	assert.Equal(t, "2026-05-15T12:00:00Z", m.Timestamp)
	assert.NotEmpty(t, m.Checksum)

	require.NoError(t, WriteManifest(dir, m))

	loaded, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, m.Files, loaded.Files)

	report := VerifyFull(loaded, dir)
	assert.Equal(t, 0, report.Failures)
	assert.Equal(t, 0, report.ExitCode())
}

// TestFullCatchesSameSizeMutationQuickDoesNot tests the fidelity difference
// between the two local tiers: a byte flip that preserves size fails full
// verification but passes quick.
func TestFullCatchesSameSizeMutationQuickDoesNot(t *testing.T) {
	dir := makeSnapshot(t)

	m, err := Generate(dir, "proj", nil, testTime)
	require.NoError(t, err)
	require.NoError(t, WriteManifest(dir, m))

	// Flip bytes in one file without changing its length.
	target := filepath.Join(dir, "files", "a.txt")
	require.NoError(t, os.WriteFile(target, []byte("ALPHA CONTENTS\n"), 0o600))

	loaded, err := LoadManifest(dir)
	require.NoError(t, err)

	full := VerifyFull(loaded, dir)
	assert.Equal(t, 1, full.ExitCode(), "full verification must catch the hash mismatch")
	assert.Equal(t, 1, full.Failures)

	quick := VerifyQuick(loaded, dir)
	assert.Equal(t, 0, quick.ExitCode(), "quick verification checks size only")
}

// TestQuickDetectsMissingAndResized tests quick verification failures.
func TestQuickDetectsMissingAndResized(t *testing.T) {
	dir := makeSnapshot(t)

	m, err := Generate(dir, "proj", nil, testTime)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "files", "a.txt")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "files", "docs", "b.txt"), []byte("short"), 0o600))

	report := VerifyQuick(m, dir)
	assert.Equal(t, 2, report.Failures)
	assert.Equal(t, 1, report.ExitCode())

	var details []string
	for _, c := range report.Checks {
		if !c.OK {
			details = append(details, c.Detail)
		}
	}
	assert.Contains(t, details[0], "missing")
	assert.Contains(t, details[1], "size mismatch")
}

// TestLoadManifestMissing tests the could-not-verify sentinel.
func TestLoadManifestMissing(t *testing.T) {
	_, err := LoadManifest(t.TempDir())
	assert.ErrorIs(t, err, ErrNoManifest)
}

// TestLoadManifestTampered tests that an edited manifest is rejected.
func TestLoadManifestTampered(t *testing.T) {
	dir := makeSnapshot(t)

	m, err := Generate(dir, "proj", nil, testTime)
	require.NoError(t, err)
	require.NoError(t, WriteManifest(dir, m))

	path := filepath.Join(dir, "manifest.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := []byte(string(data))
	copy(tampered, []byte(`{"version": 9`))
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	_, err = LoadManifest(dir)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoManifest)
}

// TestGenerateWithCache tests that cache-served hashes match direct hashing.
func TestGenerateWithCache(t *testing.T) {
	dir := makeSnapshot(t)
	cache := hashcache.New(filepath.Join(t.TempDir(), "hashcache.json"))

	direct, err := Generate(dir, "proj", nil, testTime)
	require.NoError(t, err)
	cached, err := Generate(dir, "proj", cache, testTime)
	require.NoError(t, err)

	assert.Equal(t, direct.Files, cached.Files)
}

// TestSQLiteArtifact tests deep database verification end to end.
func TestSQLiteArtifact(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "databases"), 0o700))
	makeSQLiteArtifact(t, filepath.Join(dir, "databases", "notes.db"))

	m, err := Generate(dir, "proj", nil, testTime)
	require.NoError(t, err)
	require.Len(t, m.Databases, 1)
	assert.Equal(t, filepath.Join("databases", "notes.db"), m.Databases[0].Path)
	assert.Greater(t, m.Databases[0].ItemCount, int64(0))

	report := VerifyFull(m, dir)
	assert.Equal(t, 0, report.ExitCode())
}

// TestCheckSQLite tests the deep check in isolation.
func TestCheckSQLite(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.db")
	makeSQLiteArtifact(t, good)
	assert.NoError(t, checkSQLite(good))

	// A zero-schema database is treated as empty.
	empty := filepath.Join(dir, "empty.db")
	db, err := sql.Open("sqlite", empty)
	require.NoError(t, err)
	require.NoError(t, db.Ping())
	require.NoError(t, db.Close())
	err = checkSQLite(empty)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")

	// Garbage bytes are not a database.
	garbage := filepath.Join(dir, "garbage.db")
	require.NoError(t, os.WriteFile(garbage, []byte("this is not sqlite at all, not even close"), 0o600))
	assert.Error(t, checkSQLite(garbage))
}
