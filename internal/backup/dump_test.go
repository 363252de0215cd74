package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoard-backup/hoard/internal/config"
)

// TestExecRunnerReturnsStdoutOnly tests that stderr chatter from a dump tool
// never reaches the returned bytes.
func TestExecRunnerReturnsStdoutOnly(t *testing.T) {
	out, err := execRunner{}.Run(context.Background(), "sh", "-c",
		`echo "INSERT INTO t VALUES (1);"; echo "Warning: deprecated option" 1>&2`)
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO t VALUES (1);\n", string(out))
}

// TestExecRunnerErrorCarriesStderr tests that a failing tool's stderr lands
// in the error, not the output.
func TestExecRunnerErrorCarriesStderr(t *testing.T) {
	_, err := execRunner{}.Run(context.Background(), "sh", "-c",
		`echo "Access denied" 1>&2; exit 2`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Access denied")
}

// TestDumpMySQLArtifactIsExactlyStdout tests that the .sql artifact holds the
// runner's standard output byte for byte.
func TestDumpMySQLArtifactIsExactlyStdout(t *testing.T) {
	dump := []byte("-- MySQL dump\nINSERT INTO t VALUES (1);\n")
	cfg := testConfig(t, nil)
	svc, err := NewService(cfg, WithNotifier(&fakeNotifier{}), WithRunner(&fakeRunner{out: dump}))
	require.NoError(t, err)

	destDir := t.TempDir()
	db := config.DatabaseConfig{Type: "mysql", Name: "appdb"}
	dest, err := svc.dumpDatabase(context.Background(), db, destDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destDir, "appdb.sql"), dest)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, dump, got)
}
