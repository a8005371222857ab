package pool

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

var (
	errPathEscapesLinkDir = errors.New("path escapes link_dir")
	errGuardNotHeld       = errors.New("guard not held for this pool")
)

// inodeOf returns the device+inode pair identifying path's underlying
// file, used to detect hardlinks and to drive GC/sync/diff without
// depending on file content.
func inodeOf(path string) (dev, ino uint64, nlink uint64, err error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return 0, 0, 0, err
	}

	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, 0, errors.New("unsupported platform: no syscall.Stat_t")
	}

	return uint64(st.Dev), uint64(st.Ino), uint64(st.Nlink), nil
}

// sameFile reports whether a and b are hardlinks to the same inode.
func sameFile(a, b string) (bool, error) {
	devA, inoA, _, err := inodeOf(a)
	if err != nil {
		return false, err
	}

	devB, inoB, _, err := inodeOf(b)
	if err != nil {
		return false, err
	}

	return devA == devB && inoA == inoB, nil
}

type inodeKey struct {
	dev, ino uint64
}
