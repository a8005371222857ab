package pool

import (
	"context"
	"os"
	"path/filepath"

	"github.com/proxmox/proxmox-offline-mirror/pomerror"
)

// GC implements §4.1 gc(): removes any link_dir file whose inode is
// not reachable from pool_dir (orphan), and any pool_dir file whose
// current hard-link count equals its number of algorithmic aliases
// (no external link_dir reference remains). Returns the count and
// byte total removed across both trees.
func (p *Pool) GC(ctx context.Context, g *Guard) (int, int64, error) {
	if g == nil || g.pool != p {
		return 0, 0, pomerror.Wrap(pomerror.KindLocking, "pool.gc", errGuardNotHeld)
	}

	entries, err := p.scanPool(ctx)
	if err != nil {
		return 0, 0, pomerror.Wrap(pomerror.KindIO, "pool.gc", err)
	}

	var removedCount int
	var removedBytes int64

	// Orphaned link_dir entries: inode not present in pool_dir at all.
	walkErr := filepath.WalkDir(p.linkDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}

			return walkErr
		}

		if d.IsDir() {
			if path == p.poolDir {
				return filepath.SkipDir // pool_dir nested inside link_dir
			}

			return nil
		}

		dev, ino, _, statErr := inodeOf(path)
		if statErr != nil {
			return nil
		}

		if _, ok := entries[inodeKey{dev, ino}]; ok {
			return nil
		}

		fi, infoErr := d.Info()
		size := int64(0)

		if infoErr == nil {
			size = fi.Size()
		}

		if rmErr := os.Remove(path); rmErr != nil {
			return nil
		}

		removedCount++
		removedBytes += size

		log(ctx).Warnw("gc: removed orphaned link", "path", path)

		return nil
	})
	if walkErr != nil {
		return removedCount, removedBytes, pomerror.Wrap(pomerror.KindIO, "pool.gc", walkErr)
	}

	// Unreferenced pool_dir blobs: nlink equals the number of
	// algorithmic aliases we know about, i.e. no link_dir file
	// references this inode anymore.
	for _, entry := range entries {
		if entry.nlink > uint64(entry.aliases) {
			continue
		}

		for _, algo := range entry.checksum.Algos() {
			hexDigest, ok := entry.checksum.Hex(algo)
			if !ok {
				continue
			}

			path := p.algoPath(algo, hexDigest)
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				continue
			}
		}

		removedCount++
		removedBytes += entry.size

		log(ctx).Infow("gc: removed unreferenced blob", "path", entry.path)
	}

	return removedCount, removedBytes, nil
}
