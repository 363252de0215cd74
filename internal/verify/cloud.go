package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"path"
	"time"

	"github.com/sony/gobreaker"
)

// ErrRemoteUnavailable is returned when the remote cannot be consulted,
// either because it is unreachable or because the circuit breaker is open
// after repeated failures. It means "could not verify", never "failed".
var ErrRemoteUnavailable = errors.New("verify: remote unavailable")

// RemoteObject is one object in the remote store's listing.
type RemoteObject struct {
	// Path is relative to the listed prefix.
	Path string
	Size int64
}

// RemoteLister lists the objects under a prefix in the remote store.
type RemoteLister interface {
	List(ctx context.Context, prefix string) ([]RemoteObject, error)
}

// CloudVerifier compares local manifests against a remote listing. Remote
// calls run behind a circuit breaker so a flapping remote cannot stall every
// verification pass, and under an explicit timeout so one unreachable remote
// cannot extend a run indefinitely. Verification never mutates local state.
type CloudVerifier struct {
	remote  RemoteLister
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewCloudVerifier wires a verifier around the given remote.
func NewCloudVerifier(remote RemoteLister, timeout time.Duration) *CloudVerifier {
	settings := gobreaker.Settings{
		Name:    "cloud-verify",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("verify: circuit breaker %s: %s -> %s", name, from, to)
		},
	}

	return &CloudVerifier{
		remote:  remote,
		breaker: gobreaker.NewCircuitBreaker(settings),
		timeout: timeout,
	}
}

// Verify checks that every manifest entry exists remotely under prefix with
// the expected size. Hashes are not compared; remote listings carry sizes
// only.
func (v *CloudVerifier) Verify(ctx context.Context, m *Manifest, prefix string) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	listed, err := v.breaker.Execute(func() (interface{}, error) {
		return v.remote.List(ctx, prefix)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, fmt.Errorf("%w: circuit breaker open", ErrRemoteUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}

	bySize := make(map[string]int64)
	for _, obj := range listed.([]RemoteObject) {
		bySize[obj.Path] = obj.Size
	}

	r := &Report{Mode: ModeCloud, Target: m.Target}
	check := func(rel string, wantSize int64) {
		size, ok := bySize[rel]
		if !ok {
			r.add(rel, false, "missing from remote")
			return
		}
		if size != wantSize {
			r.add(rel, false, fmt.Sprintf("remote size mismatch: have %d, want %d", size, wantSize))
			return
		}
		r.add(rel, true, "")
	}

	for _, f := range m.Files {
		check(f.Path, f.Size)
	}
	for _, d := range m.Databases {
		check(d.Path, d.Size)
	}
	return r, nil
}

// rcloneObject is the subset of `rclone lsjson` output we read.
type rcloneObject struct {
	Path  string `json:"Path"`
	Size  int64  `json:"Size"`
	IsDir bool   `json:"IsDir"`
}

// listCommand abstracts subprocess execution for tests.
type listCommand func(ctx context.Context, name string, args ...string) ([]byte, error)

func execList(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// RcloneLister lists remote objects via `rclone lsjson`.
type RcloneLister struct {
	command string // rclone binary, from config
	remote  string // e.g. "s3:my-bucket/hoard"
	run     listCommand
}

// NewRcloneLister creates a lister for the configured remote.
func NewRcloneLister(command, remote string) *RcloneLister {
	return &RcloneLister{command: command, remote: remote, run: execList}
}

func (l *RcloneLister) List(ctx context.Context, prefix string) ([]RemoteObject, error) {
	target := l.remote
	if prefix != "" {
		target = l.remote + "/" + prefix
	}

	out, err := l.run(ctx, l.command, "lsjson", "--recursive", target)
	if err != nil {
		return nil, fmt.Errorf("verify: listing %s: %w", target, err)
	}

	var raw []rcloneObject
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("verify: parsing rclone listing: %w", err)
	}

	objs := make([]RemoteObject, 0, len(raw))
	for _, o := range raw {
		if o.IsDir {
			continue
		}
		objs = append(objs, RemoteObject{Path: path.Clean(o.Path), Size: o.Size})
	}
	return objs, nil
}
