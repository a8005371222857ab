// Package pool implements the Checksum Pool (C1): a content-addressed
// store (pool_dir) plus a hardlink tree (link_dir) naming blobs by
// their semantic in-snapshot paths, following the write-to-temp +
// rename discipline kopia's blob/filesystem storage uses and the
// stats/lifecycle shape of kopia's cas.Repository.
package pool

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	natefinchatomic "github.com/natefinch/atomic"

	"github.com/proxmox/proxmox-offline-mirror/checksum"
	"github.com/proxmox/proxmox-offline-mirror/internal/logging"
	"github.com/proxmox/proxmox-offline-mirror/pomerror"
)

var log = logging.Module("pool")

const lockFileName = ".lock"

const lockTimeout = 30 * time.Second

// Pool is a handle on an opened (link_dir, pool_dir) pair. It is not
// safe for concurrent mutating use from multiple goroutines within one
// process; obtain a Guard via Lock for every mutating call, as the
// spec requires (§3, §4.1).
type Pool struct {
	linkDir string
	poolDir string
	fl      *flock.Flock
}

// Guard is held for the duration of a batch of mutating pool
// operations. It must be released with Unlock. A Pool lock must be
// released before it is reacquired by the same process (§5); Guard
// does not support re-entrant acquisition.
type Guard struct {
	pool *Pool
}

// Unlock releases the pool lock acquired by Lock.
func (g *Guard) Unlock() error {
	if g == nil || g.pool == nil {
		return nil
	}

	return g.pool.fl.Unlock()
}

// LinkDir returns the pool's link_dir path.
func (p *Pool) LinkDir() string { return p.linkDir }

// PoolDir returns the pool's pool_dir path.
func (p *Pool) PoolDir() string { return p.poolDir }

// Create creates a brand-new pool. link_dir must not already exist;
// pool_dir may already exist (shared across mirrors, §3).
func Create(linkDir, poolDir string) (*Pool, error) {
	if _, err := os.Stat(linkDir); err == nil {
		return nil, pomerror.Wrap(pomerror.KindState, "pool.create", pomerror.ErrAlreadyExists)
	} else if !os.IsNotExist(err) {
		return nil, pomerror.Wrap(pomerror.KindIO, "pool.create", err)
	}

	if err := os.MkdirAll(linkDir, 0o700); err != nil {
		return nil, pomerror.Wrap(pomerror.KindIO, "pool.create", err)
	}

	if err := os.MkdirAll(poolDir, 0o700); err != nil {
		return nil, pomerror.Wrap(pomerror.KindIO, "pool.create", err)
	}

	return open(linkDir, poolDir)
}

// Open opens an existing pool; both directories must already exist.
func Open(linkDir, poolDir string) (*Pool, error) {
	if _, err := os.Stat(linkDir); err != nil {
		return nil, pomerror.Wrap(pomerror.KindState, "pool.open", pomerror.ErrNotFound)
	}

	if _, err := os.Stat(poolDir); err != nil {
		return nil, pomerror.Wrap(pomerror.KindState, "pool.open", pomerror.ErrNotFound)
	}

	return open(linkDir, poolDir)
}

func open(linkDir, poolDir string) (*Pool, error) {
	return &Pool{
		linkDir: linkDir,
		poolDir: poolDir,
		fl:      flock.New(filepath.Join(poolDir, lockFileName)),
	}, nil
}

// Lock acquires the pool's advisory exclusive lock, failing with
// ErrTimeout after 30s of contention (§4.1).
func (p *Pool) Lock(ctx context.Context) (*Guard, error) {
	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	ok, err := p.fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, pomerror.Wrap(pomerror.KindLocking, "pool.lock", err)
	}

	if !ok {
		return nil, pomerror.Wrap(pomerror.KindLocking, "pool.lock", pomerror.ErrTimeout)
	}

	return &Guard{pool: p}, nil
}

func (p *Pool) algoPath(algo checksum.Algo, hexDigest string) string {
	return filepath.Join(p.poolDir, string(algo), hexDigest)
}

// existingAlgoPath returns the first algorithmic path that exists on
// disk for cs, preferring SHA-512.
func (p *Pool) existingAlgoPath(cs checksum.Checksum) (string, bool) {
	for _, algo := range cs.Algos() {
		hexDigest, ok := cs.Hex(algo)
		if !ok {
			continue
		}

		path := p.algoPath(algo, hexDigest)
		if _, err := os.Lstat(path); err == nil {
			return path, true
		}
	}

	return "", false
}

// Contains reports whether at least one of cs's algorithmic paths
// exists. Read-only; lock-free, consistent only if the caller holds a
// Guard (§4.1).
func (p *Pool) Contains(cs checksum.Checksum) (bool, error) {
	if err := cs.Validate(); err != nil {
		return false, pomerror.Wrap(pomerror.KindIntegrity, "pool.contains", err)
	}

	_, ok := p.existingAlgoPath(cs)

	return ok, nil
}

// GetContents reads the blob named by cs. If verify is true, every
// hash present in cs is recomputed and checked.
func (p *Pool) GetContents(cs checksum.Checksum, verify bool) ([]byte, error) {
	if err := cs.Validate(); err != nil {
		return nil, pomerror.Wrap(pomerror.KindIntegrity, "pool.get_contents", err)
	}

	path, ok := p.existingAlgoPath(cs)
	if !ok {
		return nil, pomerror.Wrap(pomerror.KindState, "pool.get_contents", pomerror.ErrNotFound)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pomerror.Wrap(pomerror.KindIO, "pool.get_contents", err)
	}

	if verify {
		if err := checksum.Verify(data, cs); err != nil {
			return nil, pomerror.Wrap(pomerror.KindIntegrity, "pool.get_contents", err)
		}
	}

	return data, nil
}

// AddFile writes data under cs's primary algorithmic path (SHA-512
// preferred) via write-to-temp + rename, hardlinking every secondary
// algorithmic path to the primary. Refuses if the pool already
// contains cs.
func (p *Pool) AddFile(ctx context.Context, g *Guard, data []byte, cs checksum.Checksum, sync bool) error {
	if g == nil || g.pool != p {
		return pomerror.Wrap(pomerror.KindLocking, "pool.add_file", errGuardNotHeld)
	}

	if err := cs.Validate(); err != nil {
		return pomerror.Wrap(pomerror.KindIntegrity, "pool.add_file", err)
	}

	if ok, err := p.Contains(cs); err != nil {
		return err
	} else if ok {
		return pomerror.Wrap(pomerror.KindState, "pool.add_file", pomerror.ErrAlreadyExists)
	}

	primaryAlgo, err := cs.PreferredAlgo()
	if err != nil {
		return pomerror.Wrap(pomerror.KindIntegrity, "pool.add_file", err)
	}

	primaryHex, _ := cs.Hex(primaryAlgo)
	primaryPath := p.algoPath(primaryAlgo, primaryHex)

	if err := os.MkdirAll(filepath.Dir(primaryPath), 0o700); err != nil {
		return pomerror.Wrap(pomerror.KindIO, "pool.add_file", err)
	}

	if err := natefinchatomic.WriteFile(primaryPath, bytes.NewReader(data)); err != nil {
		return pomerror.Wrap(pomerror.KindIO, "pool.add_file", err)
	}

	if sync {
		if err := fsyncFileAndParent(primaryPath); err != nil {
			return pomerror.Wrap(pomerror.KindIO, "pool.add_file", err)
		}
	}

	for _, algo := range cs.Algos() {
		if algo == primaryAlgo {
			continue
		}

		aliasHex, _ := cs.Hex(algo)
		aliasPath := p.algoPath(algo, aliasHex)

		if err := os.MkdirAll(filepath.Dir(aliasPath), 0o700); err != nil {
			return pomerror.Wrap(pomerror.KindIO, "pool.add_file", err)
		}

		if err := os.Link(primaryPath, aliasPath); err != nil && !os.IsExist(err) {
			return pomerror.Wrap(pomerror.KindIO, "pool.add_file", err)
		}
	}

	log(ctx).Debugw("added blob", "path", primaryPath, "bytes", len(data))

	return nil
}

func fsyncFileAndParent(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Sync(); err != nil {
		return err
	}

	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer dir.Close()

	return dir.Sync()
}
