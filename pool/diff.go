package pool

import (
	"context"
	"os"
	"path/filepath"

	"github.com/proxmox/proxmox-offline-mirror/checksum"
	"github.com/proxmox/proxmox-offline-mirror/pomerror"
)

// listRel walks root and returns relative path -> absolute path for
// every regular file.
func listRel(root string) (map[string]string, error) {
	out := map[string]string{}

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) && path == root {
				return nil
			}

			return walkErr
		}

		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		out[rel] = path

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}

	return fi.Size()
}

// DiffDirs compares two subtrees of this pool's link_dir (relA, relB,
// relative to link_dir) by inode, since both sides share one pool.
func (p *Pool) DiffDirs(ctx context.Context, g *Guard, relA, relB string) (Diff, error) {
	if g == nil || g.pool != p {
		return Diff{}, pomerror.Wrap(pomerror.KindLocking, "pool.diff_dirs", errGuardNotHeld)
	}

	dirA := filepath.Join(p.linkDir, relA)
	dirB := filepath.Join(p.linkDir, relB)

	a, err := listRel(dirA)
	if err != nil {
		return Diff{}, pomerror.Wrap(pomerror.KindIO, "pool.diff_dirs", err)
	}

	b, err := listRel(dirB)
	if err != nil {
		return Diff{}, pomerror.Wrap(pomerror.KindIO, "pool.diff_dirs", err)
	}

	var d Diff

	for rel, pathB := range b {
		pathA, ok := a[rel]
		if !ok {
			d.Added = append(d.Added, DiffEntry{Path: rel, Size: fileSize(pathB)})
			continue
		}

		same, err := sameFile(pathA, pathB)
		if err != nil || !same {
			d.Changed = append(d.Changed, DiffEntry{Path: rel, Size: fileSize(pathB) - fileSize(pathA)})
		}
	}

	for rel, pathA := range a {
		if _, ok := b[rel]; !ok {
			d.Removed = append(d.Removed, DiffEntry{Path: rel, Size: fileSize(pathA)})
		}
	}

	return d, nil
}

// relChecksums resolves every link_dir file in pool p to the checksum
// of the pool_dir blob it points at, using a prebuilt inode->entry
// scan of p's pool_dir.
func (p *Pool) relChecksums(ctx context.Context) (map[string]checksum.Checksum, error) {
	entries, err := p.scanPool(ctx)
	if err != nil {
		return nil, err
	}

	out := map[string]checksum.Checksum{}

	err = filepath.WalkDir(p.linkDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if d.IsDir() {
			return nil
		}

		dev, ino, _, statErr := inodeOf(path)
		if statErr != nil {
			return nil
		}

		entry, ok := entries[inodeKey{dev, ino}]
		if !ok {
			return nil
		}

		rel, relErr := filepath.Rel(p.linkDir, path)
		if relErr != nil {
			return relErr
		}

		out[rel] = entry.checksum

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// DiffPools compares this pool's entire link_dir against other's, by
// content checksum (the two pools may be on different filesystems, so
// inode comparison does not apply).
func (p *Pool) DiffPools(ctx context.Context, g *Guard, other *Pool) (Diff, error) {
	if g == nil || g.pool != p {
		return Diff{}, pomerror.Wrap(pomerror.KindLocking, "pool.diff_pools", errGuardNotHeld)
	}

	a, err := p.relChecksums(ctx)
	if err != nil {
		return Diff{}, pomerror.Wrap(pomerror.KindIO, "pool.diff_pools", err)
	}

	b, err := other.relChecksums(ctx)
	if err != nil {
		return Diff{}, pomerror.Wrap(pomerror.KindIO, "pool.diff_pools", err)
	}

	var d Diff

	for rel, csB := range b {
		csA, ok := a[rel]
		if !ok {
			d.Added = append(d.Added, DiffEntry{Path: rel, Size: fileSize(filepath.Join(other.linkDir, rel))})
			continue
		}

		if !csA.Equal(csB) {
			d.Changed = append(d.Changed, DiffEntry{
				Path: rel,
				Size: fileSize(filepath.Join(other.linkDir, rel)) - fileSize(filepath.Join(p.linkDir, rel)),
			})
		}
	}

	for rel := range a {
		if _, ok := b[rel]; !ok {
			d.Removed = append(d.Removed, DiffEntry{Path: rel, Size: fileSize(filepath.Join(p.linkDir, rel))})
		}
	}

	return d, nil
}
