package verify

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/hoard-backup/hoard/internal/hashcache"
)

// Mode is the fidelity level of a verification pass.
type Mode string

const (
	ModeQuick Mode = "quick"
	ModeFull  Mode = "full"
	ModeCloud Mode = "cloud"
)

// Check is the outcome of verifying one manifest entry.
type Check struct {
	Path   string `json:"path"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Report is the result of one verification pass. A Report only exists when
// verification could actually be performed; "could not verify" conditions
// (missing manifest, unreachable remote) surface as errors instead, and
// callers map those to exit code 2.
type Report struct {
	Mode     Mode    `json:"mode"`
	Target   string  `json:"target"`
	Checks   []Check `json:"checks"`
	Failures int     `json:"failures"`
}

// ExitCode follows the three-way convention: 0 all passed, 1 one or more
// checks failed. (2, could-not-verify, is the error path and never reaches a
// Report.)
func (r *Report) ExitCode() int {
	if r.Failures > 0 {
		return 1
	}
	return 0
}

func (r *Report) add(path string, ok bool, detail string) {
	r.Checks = append(r.Checks, Check{Path: path, OK: ok, Detail: detail})
	if !ok {
		r.Failures++
	}
}

// VerifyQuick checks existence and size for every manifest entry. It never
// reads file contents and never consults the hash cache, so it is cheap
// enough for routine status checks.
func VerifyQuick(m *Manifest, snapshotDir string) *Report {
	r := &Report{Mode: ModeQuick, Target: m.Target}

	for _, f := range m.Files {
		checkStat(r, snapshotDir, f.Path, f.Size)
	}
	for _, d := range m.Databases {
		checkStat(r, snapshotDir, d.Path, d.Size)
	}
	return r
}

// VerifyFull recomputes every entry's content hash, bypassing the cache, and
// deep-checks SQLite artifacts (structural integrity plus readable schema).
func VerifyFull(m *Manifest, snapshotDir string) *Report {
	r := &Report{Mode: ModeFull, Target: m.Target}

	for _, f := range m.Files {
		if !checkStat(r, snapshotDir, f.Path, f.Size) {
			continue
		}
		checkHash(r, snapshotDir, f.Path, f.Hash)
	}

	for _, d := range m.Databases {
		if !checkStat(r, snapshotDir, d.Path, d.Size) {
			continue
		}
		if !checkHash(r, snapshotDir, d.Path, d.Hash) {
			continue
		}
		if isSQLite(d.Path) {
			if err := checkSQLite(filepath.Join(snapshotDir, d.Path)); err != nil {
				r.add(d.Path, false, err.Error())
			} else {
				r.add(d.Path, true, "integrity ok")
			}
		}
	}
	return r
}

// checkStat records an existence+size check and reports whether it passed.
func checkStat(r *Report, snapshotDir, rel string, wantSize int64) bool {
	info, err := os.Stat(filepath.Join(snapshotDir, rel))
	if err != nil {
		r.add(rel, false, "missing")
		return false
	}
	if info.Size() != wantSize {
		r.add(rel, false, fmt.Sprintf("size mismatch: have %d, want %d", info.Size(), wantSize))
		return false
	}
	r.add(rel, true, "")
	return true
}

func checkHash(r *Report, snapshotDir, rel, want string) bool {
	have, err := hashcache.HashUncached(filepath.Join(snapshotDir, rel))
	if err != nil {
		r.add(rel, false, fmt.Sprintf("unreadable: %v", err))
		return false
	}
	if have != want {
		r.add(rel, false, "hash mismatch")
		return false
	}
	r.add(rel, true, "hash ok")
	return true
}

func isSQLite(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return true
	}
	return false
}

// checkSQLite runs SQLite's own integrity check against the artifact and
// confirms the schema is readable and non-empty.
func checkSQLite(path string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed to run: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}

	var objects int64
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master").Scan(&objects); err != nil {
		return fmt.Errorf("schema unreadable: %w", err)
	}
	if objects == 0 {
		return fmt.Errorf("database is empty")
	}
	return nil
}

// sqliteItemCount returns the number of schema objects in a SQLite artifact.
func sqliteItemCount(path string) (int64, error) {
	if !isSQLite(path) {
		return 0, fmt.Errorf("not a sqlite artifact")
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return 0, err
	}
	defer func() { _ = db.Close() }()

	var count int64
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master").Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
