// Package verify generates backup manifests and checks completed snapshots
// against them, at three fidelity levels: quick (existence and size), full
// (content hashes plus deep database checks), and cloud (comparison against a
// remote object listing).
package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hoard-backup/hoard/internal/hashcache"
)

const (
	manifestName    = "manifest.json"
	manifestVersion = 1

	// filesSubdir and databasesSubdir are the snapshot's payload directories.
	filesSubdir     = "files"
	databasesSubdir = "databases"
)

// ErrNoManifest is returned when a snapshot has no manifest to verify
// against. Callers must treat this as "could not verify", not "failed".
var ErrNoManifest = errors.New("verify: manifest not found")

// FileEntry describes one backed-up file.
type FileEntry struct {
	// Path is relative to the snapshot directory.
	Path string `json:"path"`
	Size int64  `json:"size"`
	Hash string `json:"hash"`
}

// DatabaseEntry describes one database artifact.
type DatabaseEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Hash string `json:"hash"`

	// ItemCount is the number of schema objects readable from the artifact,
	// 0 for opaque dump formats.
	ItemCount int64 `json:"item_count"`
}

// Manifest is the integrity record written next to every completed snapshot.
type Manifest struct {
	Version   int             `json:"version"`
	Timestamp string          `json:"timestamp"`
	Target    string          `json:"target"`
	Files     []FileEntry     `json:"files"`
	Databases []DatabaseEntry `json:"databases"`

	// Checksum covers every other field, so a torn or tampered manifest is
	// detected before its entries are trusted.
	Checksum string `json:"checksum"`
}

// Generate walks a completed snapshot and builds its manifest. When cache is
// non-nil, file hashes are served from it (the copy just wrote these bytes,
// so mtime-validated cache entries are fresh); database artifacts are always
// hashed directly.
func Generate(snapshotDir, target string, cache *hashcache.Cache, now time.Time) (*Manifest, error) {
	m := &Manifest{
		Version:   manifestVersion,
		Timestamp: now.UTC().Format(time.RFC3339),
		Target:    target,
	}

	hash := hashcache.HashUncached
	if cache != nil {
		hash = cache.Hash
	}

	err := walkPayload(filepath.Join(snapshotDir, filesSubdir), func(rel string, info fs.FileInfo, abs string) error {
		h, err := hash(abs)
		if err != nil {
			return fmt.Errorf("verify: hashing %s: %w", rel, err)
		}
		m.Files = append(m.Files, FileEntry{
			Path: filepath.Join(filesSubdir, rel),
			Size: info.Size(),
			Hash: h,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = walkPayload(filepath.Join(snapshotDir, databasesSubdir), func(rel string, info fs.FileInfo, abs string) error {
		h, err := hashcache.HashUncached(abs)
		if err != nil {
			return fmt.Errorf("verify: hashing %s: %w", rel, err)
		}
		count, err := sqliteItemCount(abs)
		if err != nil {
			count = 0 // opaque dump format
		}
		m.Databases = append(m.Databases, DatabaseEntry{
			Path:      filepath.Join(databasesSubdir, rel),
			Size:      info.Size(),
			Hash:      h,
			ItemCount: count,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Path < m.Files[j].Path })
	sort.Slice(m.Databases, func(i, j int) bool { return m.Databases[i].Path < m.Databases[j].Path })

	sum, err := m.computeChecksum()
	if err != nil {
		return nil, err
	}
	m.Checksum = sum
	return m, nil
}

// WriteManifest writes the manifest into its snapshot directory with an
// atomic replace.
func WriteManifest(snapshotDir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("verify: marshaling manifest: %w", err)
	}

	path := filepath.Join(snapshotDir, manifestName)
	tmp, err := os.CreateTemp(snapshotDir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("verify: creating temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("verify: writing manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("verify: syncing manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("verify: closing manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("verify: replacing manifest: %w", err)
	}
	return nil
}

// LoadManifest reads and validates a snapshot's manifest. A missing file
// yields ErrNoManifest; a checksum mismatch is an error too, since the
// entries cannot be trusted.
func LoadManifest(snapshotDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(snapshotDir, manifestName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoManifest
		}
		return nil, fmt.Errorf("verify: reading manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("verify: parsing manifest: %w", err)
	}

	want, err := m.computeChecksum()
	if err != nil {
		return nil, err
	}
	if m.Checksum != want {
		return nil, fmt.Errorf("verify: manifest checksum mismatch (have %s, want %s)", m.Checksum, want)
	}
	return &m, nil
}

// computeChecksum hashes the manifest with its Checksum field blanked.
func (m *Manifest) computeChecksum() (string, error) {
	clone := *m
	clone.Checksum = ""
	data, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("verify: checksumming manifest: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// walkPayload visits every regular file under root. A missing root is fine:
// a snapshot may have only files or only databases.
func walkPayload(root string, fn func(rel string, info fs.FileInfo, abs string) error) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
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
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return fn(rel, info, path)
	})
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
