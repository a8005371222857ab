package mirror_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/proxmox/proxmox-offline-mirror/checksum"
	"github.com/proxmox/proxmox-offline-mirror/mirror"
)

func TestInitCreatesPoolAndLinkDir(t *testing.T) {
	base := t.TempDir()

	p, err := mirror.Init(mirror.Config{BaseDir: base, ID: "debian"})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(base, ".pool"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(base, "debian"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(base, "debian"), p.LinkDir())
}

func TestInitSharesPoolAcrossSiblingMirrors(t *testing.T) {
	base := t.TempDir()

	_, err := mirror.Init(mirror.Config{BaseDir: base, ID: "debian"})
	require.NoError(t, err)

	p2, err := mirror.Init(mirror.Config{BaseDir: base, ID: "pve"})
	require.NoError(t, err)

	require.Equal(t, filepath.Join(base, ".pool"), p2.PoolDir())
	_, err = os.Stat(filepath.Join(base, "pve"))
	require.NoError(t, err)
}

func TestInitRejectsMalformedID(t *testing.T) {
	base := t.TempDir()

	_, err := mirror.Init(mirror.Config{BaseDir: base, ID: "no spaces"})
	require.Error(t, err)

	_, err = mirror.Init(mirror.Config{BaseDir: base, ID: "ab"})
	require.Error(t, err)
}

func TestListSnapshotsFiltersAndSorts(t *testing.T) {
	base := t.TempDir()

	p, err := mirror.Init(mirror.Config{BaseDir: base, ID: "debian"})
	require.NoError(t, err)

	for _, name := range []string{"2024-03-01T00:00:00Z", "2024-01-01T00:00:00Z", "not-a-snapshot", ".lock-helper"} {
		require.NoError(t, os.MkdirAll(filepath.Join(p.LinkDir(), name), 0o700))
	}

	snapshots, err := mirror.ListSnapshots(p)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	require.Equal(t, "2024-01-01T00:00:00Z", snapshots[0].Name)
	require.Equal(t, "2024-03-01T00:00:00Z", snapshots[1].Name)
}

func TestRemoveSnapshotThenGCFreesSpace(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()

	p, err := mirror.Init(mirror.Config{BaseDir: base, ID: "debian"})
	require.NoError(t, err)

	guard, err := p.Lock(ctx)
	require.NoError(t, err)
	defer guard.Unlock()

	data := []byte("snapshot-payload")
	cs := checksum.Of(data)
	require.NoError(t, p.AddFile(ctx, guard, data, cs, false))
	_, err = p.LinkFile(ctx, guard, cs, "2024-01-01T00:00:00Z/dists/bookworm/Release")
	require.NoError(t, err)

	require.NoError(t, mirror.RemoveSnapshot(ctx, p, guard, "2024-01-01T00:00:00Z"))

	snapshots, err := mirror.ListSnapshots(p)
	require.NoError(t, err)
	require.Empty(t, snapshots)

	count, bytes, err := mirror.GC(ctx, p, guard)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, int64(len(data)), bytes)
}

func TestDestroyRemovesLinkDirAndGCs(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()

	p, err := mirror.Init(mirror.Config{BaseDir: base, ID: "debian"})
	require.NoError(t, err)

	guard, err := p.Lock(ctx)
	require.NoError(t, err)
	defer guard.Unlock()

	data := []byte("snapshot-payload")
	cs := checksum.Of(data)
	require.NoError(t, p.AddFile(ctx, guard, data, cs, false))
	_, err = p.LinkFile(ctx, guard, cs, "2024-01-01T00:00:00Z/Release")
	require.NoError(t, err)

	_, _, err = mirror.Destroy(ctx, p, guard)
	require.NoError(t, err)

	_, err = os.Stat(p.LinkDir())
	require.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(base, ".pool"))
	require.NoError(t, err)

	// GC over an already-removed link dir must be a no-op, not an error.
	_, _, err = mirror.GC(ctx, p, guard)
	require.NoError(t, err)
}

func TestDiffSnapshotsReportsAddedFile(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()

	p, err := mirror.Init(mirror.Config{BaseDir: base, ID: "debian"})
	require.NoError(t, err)

	guard, err := p.Lock(ctx)
	require.NoError(t, err)
	defer guard.Unlock()

	dataA := []byte("release-a")
	csA := checksum.Of(dataA)
	require.NoError(t, p.AddFile(ctx, guard, dataA, csA, false))
	_, err = p.LinkFile(ctx, guard, csA, "2024-01-01T00:00:00Z/Release")
	require.NoError(t, err)

	dataB := []byte("release-b")
	csB := checksum.Of(dataB)
	require.NoError(t, p.AddFile(ctx, guard, dataB, csB, false))
	_, err = p.LinkFile(ctx, guard, csB, "2024-01-02T00:00:00Z/Release")
	require.NoError(t, err)
	_, err = p.LinkFile(ctx, guard, csB, "2024-01-02T00:00:00Z/Extra")
	require.NoError(t, err)

	diff, err := mirror.DiffSnapshots(ctx, p, guard, "2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z")
	require.NoError(t, err)
	require.Len(t, diff.Added, 1)
	require.Equal(t, "Extra", diff.Added[0].Path)
	require.Len(t, diff.Changed, 1)
	require.Equal(t, "Release", diff.Changed[0].Path)
}
