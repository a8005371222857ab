package medium

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/proxmox/proxmox-offline-mirror/mirror"
	"github.com/proxmox/proxmox-offline-mirror/pomerror"
	"github.com/proxmox/proxmox-offline-mirror/pool"
)

var snapshotNamePattern = regexp.MustCompile(`^[0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}Z$`)

// allFilesAs builds a Diff where every file in p's link dir is
// reported as either Added or Removed, used for the mirror-on-one-side
// cases of Diff (§4.7).
func allFilesAs(p *pool.Pool, added bool) (pool.Diff, error) {
	files, err := p.ListFiles()
	if err != nil {
		return pool.Diff{}, pomerror.Wrap(pomerror.KindIO, "medium.diff", err)
	}

	var d pool.Diff

	for _, f := range files {
		entry := pool.DiffEntry{Path: f.RelPath, Size: f.Size}
		if added {
			d.Added = append(d.Added, entry)
		} else {
			d.Removed = append(d.Removed, entry)
		}
	}

	return d, nil
}

// Diff implements §4.7's diff(): for each requested source mirror,
// compares it against the medium's copy (or reports all-added /
// all-removed when only one side has the mirror).
func Diff(ctx context.Context, h *Handle, cfg Config, sources []Source) (map[string]*pool.Diff, error) {
	state := h.State()
	sourceByID := map[string]Source{}

	for _, src := range sources {
		sourceByID[src.MirrorID] = src
	}

	result := map[string]*pool.Diff{}

	for id, src := range sourceByID {
		srcPool, err := mirror.Open(mirror.Config{BaseDir: src.BaseDir, ID: id})
		if err != nil {
			return nil, pomerror.WithContext(err, id, "", "")
		}

		info, onMedium := state.Mirrors[id]
		if !onMedium {
			d, err := allFilesAs(srcPool, false)
			if err != nil {
				return nil, pomerror.WithContext(err, id, "", "")
			}

			result[id] = &d

			continue
		}

		targetPool, err := pool.Open(targetMirrorDir(cfg.Mountpoint, id), filepath.Join(targetMirrorDir(cfg.Mountpoint, id), info.Pool))
		if err != nil {
			return nil, pomerror.WithContext(err, id, "", "")
		}

		srcGuard, err := srcPool.Lock(ctx)
		if err != nil {
			return nil, pomerror.WithContext(err, id, "", "")
		}

		d, err := srcPool.DiffPools(ctx, srcGuard, targetPool)

		srcGuard.Unlock() //nolint:errcheck

		if err != nil {
			return nil, pomerror.WithContext(err, id, "", "")
		}

		result[id] = &d
	}

	for id, info := range state.Mirrors {
		if _, requested := sourceByID[id]; requested {
			continue
		}

		targetPool, err := pool.Open(targetMirrorDir(cfg.Mountpoint, id), filepath.Join(targetMirrorDir(cfg.Mountpoint, id), info.Pool))
		if err != nil {
			return nil, pomerror.WithContext(err, id, "", "")
		}

		d, err := allFilesAs(targetPool, true)
		if err != nil {
			return nil, pomerror.WithContext(err, id, "", "")
		}

		result[id] = &d
	}

	return result, nil
}

// Snapshot describes one timestamped snapshot directory on the
// medium, mirroring mirror.Snapshot's shape.
type Snapshot struct {
	Name string
}

// ListSnapshots implements §4.7's list_snapshots(): scans
// <mountpoint>/<mirror_id> for timestamped directories.
func ListSnapshots(mountpoint, mirrorID string) ([]Snapshot, error) {
	dir := targetMirrorDir(mountpoint, mirrorID)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, pomerror.Wrap(pomerror.KindIO, "medium.list_snapshots", err)
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
