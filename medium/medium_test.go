package medium_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/proxmox/proxmox-offline-mirror/checksum"
	"github.com/proxmox/proxmox-offline-mirror/medium"
	"github.com/proxmox/proxmox-offline-mirror/mirror"
)

func seedMirror(t *testing.T, base, mirrorID string, files map[string][]byte) {
	t.Helper()

	p, err := mirror.Init(mirror.Config{BaseDir: base, ID: mirrorID})
	require.NoError(t, err)

	ctx := context.Background()

	guard, err := p.Lock(ctx)
	require.NoError(t, err)
	defer guard.Unlock()

	for relPath, data := range files {
		cs := checksum.Of(data)
		require.NoError(t, p.AddFile(ctx, guard, data, cs, false))
		_, err := p.LinkFile(ctx, guard, cs, relPath)
		require.NoError(t, err)
	}
}

func TestSyncReplicatesMirrorOntoMedium(t *testing.T) {
	ctx := context.Background()
	sourcesRoot := t.TempDir()
	mountpoint := t.TempDir()

	mirrorBase := filepath.Join(sourcesRoot, "debian")
	seedMirror(t, mirrorBase, "debian", map[string][]byte{
		"2024-01-01T00:00:00Z/dists/bookworm/Release": []byte("release-bytes"),
	})

	h, err := medium.Open(ctx, mountpoint)
	require.NoError(t, err)
	defer h.Close()

	cfg := medium.Config{Mountpoint: mountpoint, Mirrors: []string{"debian"}}
	sources := []medium.Source{{MirrorID: "debian", BaseDir: mirrorBase}}

	report, err := medium.Sync(ctx, h, cfg, sources, []string{"key-a"}, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 1, report.PerMirror["debian"].Progress.New)

	snapshots, err := medium.ListSnapshots(mountpoint, "debian")
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	require.Equal(t, "2024-01-01T00:00:00Z", snapshots[0].Name)

	state, _ := medium.Status(h, []string{"debian"})
	require.Contains(t, state.Mirrors, "debian")
	require.Equal(t, []string{"key-a"}, state.Subscriptions)
}

func TestSyncSecondRunReusesBlobs(t *testing.T) {
	ctx := context.Background()
	sourcesRoot := t.TempDir()
	mountpoint := t.TempDir()

	mirrorBase := filepath.Join(sourcesRoot, "debian")
	seedMirror(t, mirrorBase, "debian", map[string][]byte{
		"2024-01-01T00:00:00Z/dists/bookworm/Release": []byte("release-bytes"),
	})

	h, err := medium.Open(ctx, mountpoint)
	require.NoError(t, err)

	cfg := medium.Config{Mountpoint: mountpoint, Mirrors: []string{"debian"}}
	sources := []medium.Source{{MirrorID: "debian", BaseDir: mirrorBase}}

	_, err = medium.Sync(ctx, h, cfg, sources, nil, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, h.Close())

	h2, err := medium.Open(ctx, mountpoint)
	require.NoError(t, err)
	defer h2.Close()

	report, err := medium.Sync(ctx, h2, cfg, sources, nil, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 0, report.PerMirror["debian"].Progress.New)
	require.Equal(t, 1, report.PerMirror["debian"].Progress.Reused)
}

func TestSyncRejectsMismatchedMirrorSet(t *testing.T) {
	ctx := context.Background()
	mountpoint := t.TempDir()

	h, err := medium.Open(ctx, mountpoint)
	require.NoError(t, err)
	defer h.Close()

	cfg := medium.Config{Mountpoint: mountpoint, Mirrors: []string{"debian", "pve"}}
	sources := []medium.Source{{MirrorID: "debian", BaseDir: t.TempDir()}}

	_, err = medium.Sync(ctx, h, cfg, sources, nil, time.Now().UTC())
	require.Error(t, err)
}

func TestSyncDropsTargetOnlyMirror(t *testing.T) {
	ctx := context.Background()
	sourcesRoot := t.TempDir()
	mountpoint := t.TempDir()

	mirrorBase := filepath.Join(sourcesRoot, "debian")
	seedMirror(t, mirrorBase, "debian", map[string][]byte{
		"2024-01-01T00:00:00Z/Release": []byte("release-bytes"),
	})

	pveBase := filepath.Join(sourcesRoot, "pve")
	seedMirror(t, pveBase, "pve", map[string][]byte{
		"2024-01-01T00:00:00Z/Release": []byte("pve-release-bytes"),
	})

	h, err := medium.Open(ctx, mountpoint)
	require.NoError(t, err)

	cfgBoth := medium.Config{Mountpoint: mountpoint, Mirrors: []string{"debian", "pve"}}
	sourcesBoth := []medium.Source{
		{MirrorID: "debian", BaseDir: mirrorBase},
		{MirrorID: "pve", BaseDir: pveBase},
	}

	_, err = medium.Sync(ctx, h, cfgBoth, sourcesBoth, nil, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, h.Close())

	h2, err := medium.Open(ctx, mountpoint)
	require.NoError(t, err)
	defer h2.Close()

	cfgDebianOnly := medium.Config{Mountpoint: mountpoint, Mirrors: []string{"debian"}}
	sourcesDebianOnly := []medium.Source{{MirrorID: "debian", BaseDir: mirrorBase}}

	report, err := medium.Sync(ctx, h2, cfgDebianOnly, sourcesDebianOnly, nil, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, []string{"pve"}, report.Dropped)

	state, _ := medium.Status(h2, []string{"debian"})
	require.NotContains(t, state.Mirrors, "pve")
	require.Contains(t, state.Mirrors, "debian")
}

func TestSyncKeysTouchesOnlyState(t *testing.T) {
	ctx := context.Background()
	mountpoint := t.TempDir()

	h, err := medium.Open(ctx, mountpoint)
	require.NoError(t, err)
	defer h.Close()

	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, medium.SyncKeys(ctx, h, []string{"key-b"}, now))

	state, _ := medium.Status(h, nil)
	require.Equal(t, []string{"key-b"}, state.Subscriptions)
	require.Equal(t, now.Unix(), state.LastSync)
	require.Empty(t, state.Mirrors)
}
