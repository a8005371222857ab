package pool

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/proxmox/proxmox-offline-mirror/pomerror"
)

// SyncResult reports the outcome of SyncPool: new/reused blob
// counters plus how many target-only files were removed during
// Phase 3 and whether Phase 4's GC actually ran.
type SyncResult struct {
	Progress     Progress
	Removed      int
	RemovedBytes int64
	GCRan        bool
}

// ProgressFunc is invoked periodically during SyncPool's Phase 2 walk.
type ProgressFunc func(done, total int, p Progress)

// SyncPool implements §4.1/§4.7's four-phase cross-pool replication:
// scan source, copy+link every source file missing from target,
// unlink every target-only file, then GC the target if Phase 3 found
// anything to remove. Callers must hold locks on both pools, source
// acquired before target (§5 deadlock-avoidance ordering).
func (p *Pool) SyncPool(ctx context.Context, srcGuard *Guard, target *Pool, dstGuard *Guard, verify bool, onProgress ProgressFunc) (SyncResult, error) {
	if srcGuard == nil || srcGuard.pool != p {
		return SyncResult{}, pomerror.Wrap(pomerror.KindLocking, "pool.sync_pool", errGuardNotHeld)
	}

	if dstGuard == nil || dstGuard.pool != target {
		return SyncResult{}, pomerror.Wrap(pomerror.KindLocking, "pool.sync_pool", errGuardNotHeld)
	}

	// Phase 1: scan source pool, build inode->checksum map.
	entries, err := p.scanPool(ctx)
	if err != nil {
		return SyncResult{}, pomerror.Wrap(pomerror.KindIO, "pool.sync_pool", err)
	}

	srcFiles, err := listRel(p.linkDir)
	if err != nil {
		return SyncResult{}, pomerror.Wrap(pomerror.KindIO, "pool.sync_pool", err)
	}

	var result SyncResult

	total := len(srcFiles)
	done := 0
	lastReport := time.Now()

	// Phase 2: walk source link dir, copy missing blobs, relink.
	for rel, abs := range srcFiles {
		done++

		dev, ino, _, statErr := inodeOf(abs)
		if statErr != nil {
			continue
		}

		entry, ok := entries[inodeKey{dev, ino}]
		if !ok {
			continue
		}

		hasBlob, err := target.Contains(entry.checksum)
		if err != nil {
			return result, pomerror.Wrap(pomerror.KindIO, "pool.sync_pool", err)
		}

		if !hasBlob {
			data, err := p.GetContents(entry.checksum, verify)
			if err != nil {
				return result, pomerror.Wrap(pomerror.KindIO, "pool.sync_pool", err)
			}

			if err := target.AddFile(ctx, dstGuard, data, entry.checksum, false); err != nil {
				return result, pomerror.Wrap(pomerror.KindIO, "pool.sync_pool", err)
			}

			result.Progress.New++
			result.Progress.NewBytes += int64(len(data))
		} else {
			if verify {
				if _, err := target.GetContents(entry.checksum, true); err != nil {
					return result, pomerror.Wrap(pomerror.KindIntegrity, "pool.sync_pool", err)
				}
			}

			result.Progress.Reused++
		}

		if _, err := target.LinkFile(ctx, dstGuard, entry.checksum, rel); err != nil {
			return result, pomerror.Wrap(pomerror.KindIO, "pool.sync_pool", err)
		}

		if onProgress != nil && (done%50 == 0 || time.Since(lastReport) > 30*time.Second || done == total) {
			onProgress(done, total, result.Progress)
			lastReport = time.Now()
		}
	}

	// Phase 3: walk target link dir, unlink anything not in source.
	dstFiles, err := listRel(target.linkDir)
	if err != nil {
		return result, pomerror.Wrap(pomerror.KindIO, "pool.sync_pool", err)
	}

	for rel, abs := range dstFiles {
		if _, ok := srcFiles[rel]; ok {
			continue
		}

		// A pool_dir nested inside link_dir (the medium layout) is the
		// target's own storage, not a target-only link.
		if abs == target.poolDir || strings.HasPrefix(abs, target.poolDir+string(filepath.Separator)) {
			continue
		}

		size := fileSize(abs)

		if err := target.UnlinkFile(ctx, dstGuard, abs, true); err != nil {
			return result, pomerror.Wrap(pomerror.KindIO, "pool.sync_pool", err)
		}

		result.Removed++
		result.RemovedBytes += size
	}

	// Phase 4: GC target if Phase 3 found anything to remove.
	if result.Removed > 0 {
		if _, _, err := target.GC(ctx, dstGuard); err != nil {
			return result, pomerror.Wrap(pomerror.KindIO, "pool.sync_pool", err)
		}

		result.GCRan = true
	}

	log(ctx).Infow("sync_pool complete",
		"new", result.Progress.New, "reused", result.Progress.Reused,
		"removed", result.Removed, "gc_ran", result.GCRan)

	return result, nil
}
