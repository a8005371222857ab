package pool

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/proxmox/proxmox-offline-mirror/checksum"
	"github.com/proxmox/proxmox-offline-mirror/pomerror"
)

// resolveInLinkDir joins rel onto link_dir and verifies the result
// stays within it (§4.1: "rel_path must be inside link_dir after
// joining").
func (p *Pool) resolveInLinkDir(rel string) (string, error) {
	abs := filepath.Join(p.linkDir, rel)

	cleanLinkDir := filepath.Clean(p.linkDir)
	if abs != cleanLinkDir && !strings.HasPrefix(abs, cleanLinkDir+string(filepath.Separator)) {
		return "", pomerror.Wrap(pomerror.KindConfiguration, "pool.resolve", errPathEscapesLinkDir)
	}

	return abs, nil
}

// LinkFile hardlinks cs's primary pool file at rel_path (relative to
// link_dir). Idempotent: relinking the same checksum at the same path
// returns (false, nil). Linking a path already occupied by a
// different inode fails with ErrConflict (§9 open question: strict
// semantics chosen).
func (p *Pool) LinkFile(ctx context.Context, g *Guard, cs checksum.Checksum, relPath string) (bool, error) {
	if g == nil || g.pool != p {
		return false, pomerror.Wrap(pomerror.KindLocking, "pool.link_file", errGuardNotHeld)
	}

	srcPath, ok := p.existingAlgoPath(cs)
	if !ok {
		return false, pomerror.Wrap(pomerror.KindState, "pool.link_file", pomerror.ErrNotFound)
	}

	dstPath, err := p.resolveInLinkDir(relPath)
	if err != nil {
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o700); err != nil {
		return false, pomerror.Wrap(pomerror.KindIO, "pool.link_file", err)
	}

	if sameInode, statErr := sameFile(srcPath, dstPath); statErr == nil {
		if sameInode {
			return false, nil
		}

		return false, pomerror.Wrap(pomerror.KindState, "pool.link_file", pomerror.ErrConflict)
	}

	if err := os.Link(srcPath, dstPath); err != nil {
		return false, pomerror.Wrap(pomerror.KindIO, "pool.link_file", err)
	}

	log(ctx).Debugw("linked blob", "path", relPath)

	return true, nil
}

// UnlinkFile removes the link_dir file at abs_path (which must be
// within link_dir). If removeEmptyParents, every now-empty ancestor
// directory still within link_dir is removed as well.
func (p *Pool) UnlinkFile(ctx context.Context, g *Guard, absPath string, removeEmptyParents bool) error {
	if g == nil || g.pool != p {
		return pomerror.Wrap(pomerror.KindLocking, "pool.unlink_file", errGuardNotHeld)
	}

	if err := p.requireWithinLinkDir(absPath); err != nil {
		return err
	}

	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		return pomerror.Wrap(pomerror.KindIO, "pool.unlink_file", err)
	}

	if removeEmptyParents {
		dir := filepath.Dir(absPath)
		cleanLinkDir := filepath.Clean(p.linkDir)

		for dir != cleanLinkDir && strings.HasPrefix(dir, cleanLinkDir+string(filepath.Separator)) {
			entries, err := os.ReadDir(dir)
			if err != nil || len(entries) > 0 {
				break
			}

			if err := os.Remove(dir); err != nil {
				break
			}

			dir = filepath.Dir(dir)
		}
	}

	return nil
}

// RemoveDir recursively removes abs_path, which must be within
// link_dir.
func (p *Pool) RemoveDir(ctx context.Context, g *Guard, absPath string) error {
	if g == nil || g.pool != p {
		return pomerror.Wrap(pomerror.KindLocking, "pool.remove_dir", errGuardNotHeld)
	}

	if err := p.requireWithinLinkDir(absPath); err != nil {
		return err
	}

	if err := os.RemoveAll(absPath); err != nil {
		return pomerror.Wrap(pomerror.KindIO, "pool.remove_dir", err)
	}

	log(ctx).Debugw("removed directory", "path", absPath)

	return nil
}

// Rename renames from_rel to to_rel, both resolved within link_dir,
// via a single atomic os.Rename call.
func (p *Pool) Rename(ctx context.Context, g *Guard, fromRel, toRel string) error {
	if g == nil || g.pool != p {
		return pomerror.Wrap(pomerror.KindLocking, "pool.rename", errGuardNotHeld)
	}

	from, err := p.resolveInLinkDir(fromRel)
	if err != nil {
		return err
	}

	to, err := p.resolveInLinkDir(toRel)
	if err != nil {
		return err
	}

	if err := os.Rename(from, to); err != nil {
		return pomerror.Wrap(pomerror.KindIO, "pool.rename", err)
	}

	log(ctx).Infow("renamed", "from", fromRel, "to", toRel)

	return nil
}

func (p *Pool) requireWithinLinkDir(absPath string) error {
	cleanLinkDir := filepath.Clean(p.linkDir)
	cleanAbs := filepath.Clean(absPath)

	if cleanAbs != cleanLinkDir && !strings.HasPrefix(cleanAbs, cleanLinkDir+string(filepath.Separator)) {
		return pomerror.Wrap(pomerror.KindConfiguration, "pool.path_check", errPathEscapesLinkDir)
	}

	return nil
}
