// Package mirror implements the Mirror Store (C6): the per-mirror
// directory lifecycle (init/destroy/list/remove/gc/diff) wrapping one
// Checksum Pool. Grounded on cas/repository.go's open/close lifecycle
// (a repository handle owning one object store, with explicit
// Flush/Close boundaries) generalized to a pool handle owning one
// mirror's snapshot tree.
package mirror

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/proxmox/proxmox-offline-mirror/pomerror"
	"github.com/proxmox/proxmox-offline-mirror/pool"
)

// snapshotNamePattern mirrors snapshot.ValidSnapshotName without
// importing the snapshot package, keeping C6 a leaf over C1 only.
var snapshotNamePattern = regexp.MustCompile(`^[0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}Z$`)

// idPattern is the mirror/medium identifier format from §6: starts
// with an alphanumeric or underscore, then alphanumerics, dots,
// underscores, or hyphens, 3-32 characters total.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]{2,31}$`)

// ValidID reports whether id matches the mirror/medium naming format.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Config names one mirror's location: a shared pool_dir under
// base_dir/.pool and this mirror's own link_dir under base_dir/<id>
// (§4.6, §6).
type Config struct {
	BaseDir string
	ID      string
}

func (c Config) poolDir() string { return filepath.Join(c.BaseDir, ".pool") }
func (c Config) linkDir() string { return filepath.Join(c.BaseDir, c.ID) }

// Init creates the pool under base_dir/.pool (reusing it if a sibling
// mirror already created it) and this mirror's own link dir (§4.6).
func Init(cfg Config) (*pool.Pool, error) {
	if !ValidID(cfg.ID) {
		return nil, pomerror.Wrap(pomerror.KindConfiguration, "mirror.init", pomerror.ErrInvalidIdentifier)
	}

	if _, err := os.Stat(cfg.poolDir()); err == nil {
		if mkErr := os.MkdirAll(cfg.linkDir(), 0o700); mkErr != nil {
			return nil, pomerror.Wrap(pomerror.KindIO, "mirror.init", mkErr)
		}

		return pool.Open(cfg.linkDir(), cfg.poolDir())
	}

	return pool.Create(cfg.linkDir(), cfg.poolDir())
}

// Open opens an already-initialized mirror.
func Open(cfg Config) (*pool.Pool, error) {
	if !ValidID(cfg.ID) {
		return nil, pomerror.Wrap(pomerror.KindConfiguration, "mirror.open", pomerror.ErrInvalidIdentifier)
	}

	return pool.Open(cfg.linkDir(), cfg.poolDir())
}

// Destroy unlinks the entire link dir then GCs the pool, leaving
// base_dir/.pool as an empty shell for any sibling mirror sharing it
// (§4.6).
func Destroy(ctx context.Context, p *pool.Pool, g *pool.Guard) (removed int, removedBytes int64, err error) {
	if err := p.RemoveDir(ctx, g, p.LinkDir()); err != nil {
		return 0, 0, err
	}

	return p.GC(ctx, g)
}

// Snapshot describes one entry returned by ListSnapshots.
type Snapshot struct {
	Name string
}

// ListSnapshots scans the mirror's link dir for directories matching
// the snapshot regex, sorted ascending (timestamps sort lexically).
func ListSnapshots(p *pool.Pool) ([]Snapshot, error) {
	entries, err := os.ReadDir(p.LinkDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, pomerror.Wrap(pomerror.KindIO, "mirror.list_snapshots", err)
	}

	var snapshots []Snapshot

	for _, entry := range entries {
		if entry.IsDir() && snapshotNamePattern.MatchString(entry.Name()) {
			snapshots = append(snapshots, Snapshot{Name: entry.Name()})
		}
	}

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Name < snapshots[j].Name })

	return snapshots, nil
}

// RemoveSnapshot recursively removes the named snapshot directory.
// Space is freed only once GC runs (§4.6).
func RemoveSnapshot(ctx context.Context, p *pool.Pool, g *pool.Guard, name string) error {
	return p.RemoveDir(ctx, g, filepath.Join(p.LinkDir(), name))
}

// GC wraps the pool's garbage collector.
func GC(ctx context.Context, p *pool.Pool, g *pool.Guard) (int, int64, error) {
	return p.GC(ctx, g)
}

// DiffSnapshots wraps the pool's diff_dirs over two snapshot subtrees.
func DiffSnapshots(ctx context.Context, p *pool.Pool, g *pool.Guard, a, b string) (pool.Diff, error) {
	return p.DiffDirs(ctx, g, a, b)
}
