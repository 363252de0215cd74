package report

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	runFileName     = "run.json"
	historyFileName = "history.jsonl"
)

// Store persists run state for one target. The last run document is replaced
// atomically each run; history is an append-only JSONL log capped at a
// bounded entry count.
type Store struct {
	dir          string
	historyLimit int
}

// NewStore creates a store rooted at the target's state directory.
// historyLimit caps the history log; values below 1 fall back to 100.
func NewStore(dir string, historyLimit int) *Store {
	if historyLimit < 1 {
		historyLimit = 100
	}
	return &Store{dir: dir, historyLimit: historyLimit}
}

// WriteRun atomically replaces the target's last-run document and appends
// the run to the history log.
func (s *Store) WriteRun(run *Run) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("report: creating state dir: %w", err)
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("report: marshaling run: %w", err)
	}

	if err := atomicWrite(filepath.Join(s.dir, runFileName), data); err != nil {
		return err
	}
	return s.appendHistory(run)
}

// ReadRun returns the target's last run, or nil when no run has been
// recorded yet. Readers must treat a briefly absent or mid-rotation file as
// "unknown", not as corruption.
func (s *Store) ReadRun() (*Run, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, runFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("report: reading run state: %w", err)
	}

	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("report: parsing run state: %w", err)
	}
	return &run, nil
}

// History returns up to the last limit runs, oldest first. limit <= 0 means
// all retained entries.
func (s *Store) History(limit int) ([]Run, error) {
	f, err := os.Open(filepath.Join(s.dir, historyFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("report: opening history: %w", err)
	}
	defer func() { _ = f.Close() }()

	var runs []Run
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var run Run
		if err := json.Unmarshal(line, &run); err != nil {
			// A torn tail line from a crashed writer is skipped, not fatal.
			continue
		}
		runs = append(runs, run)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("report: scanning history: %w", err)
	}

	if limit > 0 && len(runs) > limit {
		runs = runs[len(runs)-limit:]
	}
	return runs, nil
}

// appendHistory appends run as one JSONL line, then rewrites the log when it
// exceeds the cap, keeping the newest entries.
func (s *Store) appendHistory(run *Run) error {
	line, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("report: marshaling history entry: %w", err)
	}
	line = append(line, '\n')

	path := filepath.Join(s.dir, historyFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("report: opening history: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("report: appending history: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("report: closing history: %w", err)
	}

	return s.capHistory(path)
}

// capHistory truncates the history log to the newest historyLimit entries.
func (s *Store) capHistory(path string) error {
	runs, err := s.History(0)
	if err != nil {
		return err
	}
	if len(runs) <= s.historyLimit {
		return nil
	}

	runs = runs[len(runs)-s.historyLimit:]
	var buf bytes.Buffer
	for i := range runs {
		line, err := json.Marshal(&runs[i])
		if err != nil {
			return fmt.Errorf("report: marshaling history entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return atomicWrite(path, buf.Bytes())
}

// atomicWrite replaces path with data via temp file + rename so readers
// never observe a half-written document.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".report-*")
	if err != nil {
		return fmt.Errorf("report: creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("report: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("report: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("report: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("report: replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}
