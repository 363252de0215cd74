package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/hoard-backup/hoard/internal/config"
)

// CommandRunner executes an external tool and returns its standard output.
// Dump and sync tools are opaque subprocesses: hoard only observes their exit
// status and output. Stderr never reaches the returned bytes; dump artifacts
// are built from them, and stderr warnings would corrupt the artifact.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return out, fmt.Errorf("%s: %w (%s)", name, err, exitErr.Stderr)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// dumpDatabase produces one database artifact inside destDir and returns its
// path.
func (s *Service) dumpDatabase(ctx context.Context, db config.DatabaseConfig, destDir string) (string, error) {
	switch db.Type {
	case "sqlite":
		dest := filepath.Join(destDir, db.Name+".db")
		return dest, dumpSQLite(db.Path, dest)

	case "postgres":
		dest := filepath.Join(destDir, db.Name+".dump")
		_, err := s.runner.Run(ctx, "pg_dump", "--format=custom", "--file="+dest, db.Name)
		return dest, err

	case "mysql":
		dest := filepath.Join(destDir, db.Name+".sql")
		out, err := s.runner.Run(ctx, "mysqldump", db.Name)
		if err != nil {
			return dest, err
		}
		return dest, os.WriteFile(dest, out, 0o600)

	case "mongo":
		dest := filepath.Join(destDir, db.Name+".archive")
		_, err := s.runner.Run(ctx, "mongodump", "--quiet", "--db="+db.Name, "--archive="+dest)
		return dest, err

	default:
		return "", fmt.Errorf("unsupported database type %q", db.Type)
	}
}

// dumpSQLite creates a consistent point-in-time copy of a SQLite database.
// VACUUM INTO handles WAL mode correctly, so the source can stay in use.
func dumpSQLite(sourcePath, destPath string) error {
	src, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", sourcePath))
	if err != nil {
		return fmt.Errorf("opening source database: %w", err)
	}
	defer func() { _ = src.Close() }()

	if err := src.Ping(); err != nil {
		return fmt.Errorf("pinging source database: %w", err)
	}

	if _, err := src.Exec(fmt.Sprintf("VACUUM INTO '%s'", destPath)); err != nil {
		return fmt.Errorf("vacuum into backup: %w", err)
	}
	return nil
}
