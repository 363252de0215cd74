// Package retention decides which backup snapshots to keep and prunes the
// rest. Snapshots are bucketed into age tiers; within a tier one
// representative per sub-period survives, everything else becomes prunable.
// Pinned snapshots and snapshots still missing their manifest are never
// deleted.
package retention

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hoard-backup/hoard/internal/config"
)

// stampFormat is the snapshot directory naming scheme.
const stampFormat = "20060102-150405.000000"

// pinSuffix marks a snapshot as never-delete via a sidecar file next to the
// snapshot directory.
const pinSuffix = ".keep"

// manifestFile is written last during a backup run; its absence means the
// snapshot is still being written or was abandoned mid-write.
const manifestFile = "manifest.json"

// Tier is an age bucket for retention purposes.
type Tier string

const (
	TierHourly  Tier = "hourly"
	TierDaily   Tier = "daily"
	TierWeekly  Tier = "weekly"
	TierMonthly Tier = "monthly"
)

// Snapshot is one completed backup directory under the target's backup root.
type Snapshot struct {
	// Name is the snapshot directory name (a timestamp).
	Name string

	// Path is the absolute snapshot directory path.
	Path string

	// Timestamp is parsed from the directory name, falling back to the
	// directory's mtime for names that don't parse.
	Timestamp time.Time

	// Size is the total bytes of all files inside the snapshot.
	Size int64

	// Pinned snapshots carry a .keep sidecar and survive every prune.
	Pinned bool

	// Incomplete snapshots have no manifest yet. The run writing one holds
	// the target lock while retention evaluates, so pruning an incomplete
	// snapshot would delete a backup in progress.
	Incomplete bool
}

// Stamp returns the directory name for a snapshot taken at t.
func Stamp(t time.Time) string {
	return t.Format(stampFormat)
}

// ListSnapshots lists the snapshot directories under dir, newest first.
func ListSnapshots(dir string) ([]Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("retention: reading backup directory: %w", err)
	}

	var snaps []Snapshot
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		ts, ok := parseStamp(entry.Name())
		if !ok {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			ts = info.ModTime()
		}

		size, err := dirSize(path)
		if err != nil {
			continue // skip snapshots we can't walk
		}

		pinned := false
		if _, err := os.Stat(path + pinSuffix); err == nil {
			pinned = true
		}
		incomplete := false
		if _, err := os.Stat(filepath.Join(path, manifestFile)); err != nil {
			incomplete = true
		}

		snaps = append(snaps, Snapshot{
			Name:       entry.Name(),
			Path:       path,
			Timestamp:  ts,
			Size:       size,
			Pinned:     pinned,
			Incomplete: incomplete,
		})
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Timestamp.After(snaps[j].Timestamp)
	})
	return snaps, nil
}

// DiskUsage returns the total bytes used by all snapshots under dir.
func DiskUsage(dir string) (int64, error) {
	snaps, err := ListSnapshots(dir)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, s := range snaps {
		total += s.Size
	}
	return total, nil
}

// Pin marks the named snapshot never-delete.
func Pin(dir, name string) error {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("retention: pinning %s: %w", name, err)
	}
	f, err := os.OpenFile(path+pinSuffix, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("retention: pinning %s: %w", name, err)
	}
	return f.Close()
}

// Unpin removes the never-delete mark. Unpinning an unpinned snapshot is a
// no-op.
func Unpin(dir, name string) error {
	err := os.Remove(filepath.Join(dir, name) + pinSuffix)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("retention: unpinning %s: %w", name, err)
	}
	return nil
}

// Plan is the outcome of a retention evaluation: what stays, what goes.
type Plan struct {
	Keep  []Snapshot
	Prune []Snapshot
}

// Engine evaluates the retention policy for one target.
type Engine struct {
	policy config.RetentionConfig
	now    func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a retention engine with the given policy.
func NewEngine(policy config.RetentionConfig, opts ...Option) *Engine {
	e := &Engine{policy: policy, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Classify buckets a snapshot by age into its tier. The tier ceilings come
// from the policy; unset ceilings fall back to the documented defaults.
func (e *Engine) Classify(s Snapshot, now time.Time) Tier {
	age := now.Sub(s.Timestamp)
	switch {
	case age < durationOr(e.policy.HourlyFor, 24*time.Hour):
		return TierHourly
	case age < durationOr(e.policy.DailyFor, 30*24*time.Hour):
		return TierDaily
	case age < durationOr(e.policy.WeeklyFor, 365*24*time.Hour):
		return TierWeekly
	default:
		return TierMonthly
	}
}

func durationOr(d config.Duration, fallback time.Duration) time.Duration {
	if d.Std() > 0 {
		return d.Std()
	}
	return fallback
}

// SelectRepresentatives picks the snapshots a tier retains: the most recent
// snapshot of each sub-period (hour, day, ISO week, or month), newest
// sub-periods first, capped at the tier's keep count.
func (e *Engine) SelectRepresentatives(tier Tier, snaps []Snapshot) []Snapshot {
	byBucket := make(map[string]Snapshot)
	for _, s := range snaps {
		key := bucketKey(tier, s.Timestamp)
		best, ok := byBucket[key]
		if !ok || s.Timestamp.After(best.Timestamp) {
			byBucket[key] = s
		}
	}

	reps := make([]Snapshot, 0, len(byBucket))
	for _, s := range byBucket {
		reps = append(reps, s)
	}
	sort.Slice(reps, func(i, j int) bool {
		return reps[i].Timestamp.After(reps[j].Timestamp)
	})

	if keep := e.keepCount(tier); len(reps) > keep {
		reps = reps[:keep]
	}
	return reps
}

// Evaluate partitions snaps into keep and prune sets without touching disk.
func (e *Engine) Evaluate(snaps []Snapshot) Plan {
	now := e.now()

	keep := make(map[string]bool)
	for _, s := range snaps {
		if s.Pinned || s.Incomplete {
			keep[s.Name] = true
		}
	}

	tiers := make(map[Tier][]Snapshot)
	for _, s := range snaps {
		t := e.Classify(s, now)
		tiers[t] = append(tiers[t], s)
	}
	for tier, members := range tiers {
		for _, rep := range e.SelectRepresentatives(tier, members) {
			keep[rep.Name] = true
		}
	}

	// Floor: never drop the total retained count below MinKeep. snaps is
	// newest first, so the newest prunable snapshots are promoted.
	for _, s := range snaps {
		if len(keep) >= e.policy.MinKeep {
			break
		}
		keep[s.Name] = true
	}

	// Ceiling: when the kept set exceeds the size budget, demote the oldest
	// unpinned kept snapshots until it fits, but never below the floor.
	if e.policy.MaxTotalBytes > 0 {
		var total int64
		for _, s := range snaps {
			if keep[s.Name] {
				total += s.Size
			}
		}
		for i := len(snaps) - 1; i >= 0 && total > e.policy.MaxTotalBytes; i-- {
			s := snaps[i]
			if !keep[s.Name] || s.Pinned || s.Incomplete {
				continue
			}
			if len(keep) <= e.policy.MinKeep {
				break
			}
			delete(keep, s.Name)
			total -= s.Size
		}
	}

	var plan Plan
	for _, s := range snaps {
		if keep[s.Name] {
			plan.Keep = append(plan.Keep, s)
		} else {
			plan.Prune = append(plan.Prune, s)
		}
	}
	return plan
}

// PlanDir evaluates dir without deleting anything. Used for dry runs.
func (e *Engine) PlanDir(dir string) (Plan, error) {
	snaps, err := ListSnapshots(dir)
	if err != nil {
		return Plan{}, err
	}
	return e.Evaluate(snaps), nil
}

// Result summarizes a prune.
type Result struct {
	Kept       int
	Pruned     int
	BytesFreed int64
}

// Prune deletes every prunable snapshot under dir. Individual deletion
// failures do not stop the pass; the last one is reported.
func (e *Engine) Prune(dir string) (Result, error) {
	plan, err := e.PlanDir(dir)
	if err != nil {
		return Result{}, err
	}

	res := Result{Kept: len(plan.Keep)}
	var lastErr error
	for _, s := range plan.Prune {
		if err := os.RemoveAll(s.Path); err != nil {
			lastErr = err
			continue
		}
		log.Printf("retention: pruned snapshot %s (%d bytes)", s.Name, s.Size)
		res.Pruned++
		res.BytesFreed += s.Size
	}

	if lastErr != nil {
		return res, fmt.Errorf("retention: deleting some snapshots failed: %w", lastErr)
	}
	return res, nil
}

func (e *Engine) keepCount(tier Tier) int {
	switch tier {
	case TierHourly:
		return e.policy.Hourly
	case TierDaily:
		return e.policy.Daily
	case TierWeekly:
		return e.policy.Weekly
	default:
		return e.policy.Monthly
	}
}

// bucketKey names the sub-period a timestamp falls in for a given tier.
func bucketKey(tier Tier, t time.Time) string {
	switch tier {
	case TierHourly:
		return t.Format("2006010215")
	case TierDaily:
		return t.Format("20060102")
	case TierWeekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	default:
		return t.Format("200601")
	}
}

func parseStamp(name string) (time.Time, bool) {
	t, err := time.ParseInLocation(stampFormat, name, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
