package pool

import (
	"context"
	"os"
	"path/filepath"
	"regexp"

	"github.com/proxmox/proxmox-offline-mirror/checksum"
)

var hexName = regexp.MustCompile(`^[0-9a-f]+$`)

// poolEntry is one inode discovered while scanning pool_dir: its
// checksum (merged across every algorithmic alias present) and the
// number of aliases found, plus the real primary path and the
// filesystem link count.
type poolEntry struct {
	checksum checksum.Checksum
	aliases  int
	path     string
	size     int64
	nlink    uint64
}

// scanPool implements §4.1's pool-scan algorithm: for each regular
// file under pool_dir, the parent directory name must be sha256 or
// sha512 and the file name must be 64/128 lowercase hex characters;
// anything else is logged and skipped. The lock file is always
// skipped. Entries are merged by inode.
func (p *Pool) scanPool(ctx context.Context) (map[inodeKey]*poolEntry, error) {
	entries := map[inodeKey]*poolEntry{}

	for _, algo := range []checksum.Algo{checksum.SHA256, checksum.SHA512} {
		dir := filepath.Join(p.poolDir, string(algo))

		wantLen := 64
		if algo == checksum.SHA512 {
			wantLen = 128
		}

		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
			if walkErr != nil {
				if os.IsNotExist(walkErr) {
					return nil
				}

				return walkErr
			}

			if d.IsDir() {
				return nil
			}

			name := d.Name()
			if len(name) != wantLen || !hexName.MatchString(name) {
				log(ctx).Warnw("skipping unrecognized pool file", "path", path)
				return nil
			}

			dev, ino, nlink, err := inodeOf(path)
			if err != nil {
				log(ctx).Warnw("skipping unreadable pool file", "path", path, "error", err)
				return nil
			}

			fi, err := d.Info()
			if err != nil {
				return nil
			}

			key := inodeKey{dev: dev, ino: ino}

			cs, err := checksum.FromHex(hexFor(checksum.SHA256, algo, name), hexFor(checksum.SHA512, algo, name))
			if err != nil {
				return nil
			}

			existing, ok := entries[key]
			if !ok {
				entries[key] = &poolEntry{checksum: cs, aliases: 1, path: path, size: fi.Size(), nlink: nlink}
				return nil
			}

			existing.checksum = existing.checksum.Merge(cs)
			existing.aliases++

			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return entries, nil
}

// hexFor returns name if algo == want, else "".
func hexFor(want, algo checksum.Algo, name string) string {
	if want == algo {
		return name
	}

	return ""
}

// FileInfo describes one link_dir entry for ListFiles.
type FileInfo struct {
	RelPath string
	Size    int64
}

// ListFiles walks link_dir and returns every regular file found.
func (p *Pool) ListFiles() ([]FileInfo, error) {
	var out []FileInfo

	err := filepath.WalkDir(p.linkDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(p.linkDir, path)
		if err != nil {
			return err
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}

		out = append(out, FileInfo{RelPath: rel, Size: fi.Size()})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}
