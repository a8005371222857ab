// Package pooltesting builds throwaway pools for tests, the way
// kopia's internal/blobtesting and internal/repotesting build
// throwaway repositories.
package pooltesting

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/proxmox/proxmox-offline-mirror/pool"
)

// NewPool creates a fresh pool rooted at two subdirectories of
// t.TempDir(), failing the test on error.
func NewPool(t *testing.T, name string) *pool.Pool {
	t.Helper()

	base := t.TempDir()

	p, err := pool.Create(filepath.Join(base, name, "link"), filepath.Join(base, name, "pool"))
	require.NoError(t, err)

	return p
}
