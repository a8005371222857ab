package medium

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/proxmox/proxmox-offline-mirror/mirror"
	"github.com/proxmox/proxmox-offline-mirror/pomerror"
	"github.com/proxmox/proxmox-offline-mirror/pool"
)

// Config names one medium: its mountpoint and the set of mirror-ids
// it is configured to carry (§4.7).
type Config struct {
	Mountpoint string
	Mirrors    []string
	Verify     bool
}

// Source describes the source-side pool for one mirror being synced.
type Source struct {
	MirrorID      string
	BaseDir       string // the mirror's base_dir, as in mirror.Config
	Repository    string // recorded into state for display, e.g. the upstream suite/URL
	Architectures []string
}

// MediumMirrorState classifies the requested mirrors against the
// medium's current state (§4.7 step 2).
type MediumMirrorState struct {
	Existing []string
	New      []string
	Dropped  []string
}

func computeMirrorState(state MediumState, requested []string) MediumMirrorState {
	requestedSet := map[string]bool{}
	for _, id := range requested {
		requestedSet[id] = true
	}

	var mms MediumMirrorState

	for _, id := range requested {
		if _, ok := state.Mirrors[id]; ok {
			mms.Existing = append(mms.Existing, id)
		} else {
			mms.New = append(mms.New, id)
		}
	}

	for id := range state.Mirrors {
		if !requestedSet[id] {
			mms.Dropped = append(mms.Dropped, id)
		}
	}

	sort.Strings(mms.Existing)
	sort.Strings(mms.New)
	sort.Strings(mms.Dropped)

	return mms
}

func validateMirrors(cfg Config, sources []Source) error {
	if len(sources) != len(cfg.Mirrors) {
		return pomerror.Wrap(pomerror.KindConfiguration, "medium.sync", pomerror.ErrConfigMismatch)
	}

	configured := map[string]bool{}
	for _, id := range cfg.Mirrors {
		configured[id] = true
	}

	seen := map[string]bool{}

	for _, src := range sources {
		if !mirror.ValidID(src.MirrorID) {
			return pomerror.Wrap(pomerror.KindConfiguration, "medium.sync", pomerror.ErrInvalidIdentifier)
		}

		if !configured[src.MirrorID] || seen[src.MirrorID] {
			return pomerror.Wrap(pomerror.KindConfiguration, "medium.sync", pomerror.ErrConfigMismatch)
		}

		seen[src.MirrorID] = true
	}

	return nil
}

// targetMirrorDir is the medium-side link dir for one mirror:
// <mountpoint>/<mirror_id>.
func targetMirrorDir(mountpoint, mirrorID string) string {
	return filepath.Join(mountpoint, mirrorID)
}

// openOrCreateTarget opens (or creates, on first sync) the per-mirror
// target pool nested under its medium link dir, using the recorded
// pool subdirectory name if one exists, else deriving a fresh one from
// the source base dir (§4.7).
func openOrCreateTarget(cfg Config, state MediumState, src Source) (*pool.Pool, MirrorInfo, error) {
	info, known := state.Mirrors[src.MirrorID]

	subdir := info.Pool
	if !known || subdir == "" {
		subdir = poolSubdirFor(src.BaseDir)
	}

	linkDir := targetMirrorDir(cfg.Mountpoint, src.MirrorID)
	poolDir := filepath.Join(linkDir, subdir)
	resultInfo := MirrorInfo{Repository: src.Repository, Architectures: src.Architectures, Pool: subdir, sourceBaseDir: src.BaseDir}

	if _, err := os.Stat(poolDir); err == nil {
		p, err := pool.Open(linkDir, poolDir)
		if err != nil {
			return nil, MirrorInfo{}, err
		}

		return p, resultInfo, nil
	}

	if err := os.MkdirAll(linkDir, 0o700); err != nil {
		return nil, MirrorInfo{}, pomerror.Wrap(pomerror.KindIO, "medium.sync", err)
	}

	if err := os.MkdirAll(poolDir, 0o700); err != nil {
		return nil, MirrorInfo{}, pomerror.Wrap(pomerror.KindIO, "medium.sync", err)
	}

	p, err := pool.Open(linkDir, poolDir)
	if err != nil {
		return nil, MirrorInfo{}, err
	}

	return p, resultInfo, nil
}

// SyncReport summarizes one sync() invocation across every mirror.
type SyncReport struct {
	PerMirror map[string]pool.SyncResult
	Dropped   []string
}

// Sync implements §4.7's sync(): validates the requested mirror set
// against cfg, replicates every requested mirror's pool into the
// medium, retires any target-only mirror, and rewrites state.
func Sync(ctx context.Context, h *Handle, cfg Config, sources []Source, subscriptions []string, now time.Time) (SyncReport, error) {
	if err := validateMirrors(cfg, sources); err != nil {
		return SyncReport{}, err
	}

	state := h.State()
	report := SyncReport{PerMirror: map[string]pool.SyncResult{}}
	newMirrors := map[string]MirrorInfo{}

	mms := computeMirrorState(state, mirrorIDs(sources))

	for _, src := range sources {
		srcPool, err := mirror.Open(mirror.Config{BaseDir: src.BaseDir, ID: src.MirrorID})
		if err != nil {
			return report, pomerror.WithContext(err, src.MirrorID, "", "")
		}

		srcGuard, err := srcPool.Lock(ctx)
		if err != nil {
			return report, pomerror.WithContext(err, src.MirrorID, "", "")
		}

		targetPool, info, err := openOrCreateTarget(cfg, state, src)
		if err != nil {
			srcGuard.Unlock() //nolint:errcheck
			return report, pomerror.WithContext(err, src.MirrorID, "", "")
		}

		dstGuard, err := targetPool.Lock(ctx)
		if err != nil {
			srcGuard.Unlock() //nolint:errcheck
			return report, pomerror.WithContext(err, src.MirrorID, "", "")
		}

		result, err := srcPool.SyncPool(ctx, srcGuard, targetPool, dstGuard, cfg.Verify, nil)

		dstGuard.Unlock() //nolint:errcheck
		srcGuard.Unlock() //nolint:errcheck

		if err != nil {
			return report, pomerror.WithContext(err, src.MirrorID, "", "")
		}

		report.PerMirror[src.MirrorID] = result
		newMirrors[src.MirrorID] = info
	}

	for _, droppedID := range mms.Dropped {
		info, ok := state.Mirrors[droppedID]
		if !ok {
			return report, pomerror.WithContext(pomerror.ErrUnknownPoolForDroppedMirror, droppedID, "", "")
		}

		linkDir := targetMirrorDir(cfg.Mountpoint, droppedID)
		poolDir := filepath.Join(linkDir, info.Pool)

		targetPool, err := pool.Open(linkDir, poolDir)
		if err != nil {
			return report, pomerror.WithContext(err, droppedID, "", "")
		}

		dstGuard, err := targetPool.Lock(ctx)
		if err != nil {
			return report, pomerror.WithContext(err, droppedID, "", "")
		}

		if _, _, err := mirror.Destroy(ctx, targetPool, dstGuard); err != nil {
			dstGuard.Unlock() //nolint:errcheck
			return report, pomerror.WithContext(err, droppedID, "", "")
		}

		dstGuard.Unlock() //nolint:errcheck

		report.Dropped = append(report.Dropped, droppedID)
	}

	newState := MediumState{
		Mirrors:       newMirrors,
		Subscriptions: subscriptions,
		LastSync:      now.Unix(),
	}

	if err := h.writeState(ctx, newState); err != nil {
		return report, err
	}

	return report, nil
}

// SyncKeys implements §4.7's sync_keys(): write-only, touches no pool.
func SyncKeys(ctx context.Context, h *Handle, subscriptions []string, now time.Time) error {
	state := h.State()
	state.Subscriptions = subscriptions
	state.LastSync = now.Unix()

	return h.writeState(ctx, state)
}

// GC implements §4.7's gc(): opens every recorded mirror's target
// pool and runs C1 GC, summing totals.
func GC(ctx context.Context, h *Handle, cfg Config) (count int, bytes int64, err error) {
	state := h.State()

	for mirrorID, info := range state.Mirrors {
		linkDir := targetMirrorDir(cfg.Mountpoint, mirrorID)
		poolDir := filepath.Join(linkDir, info.Pool)

		p, err := pool.Open(linkDir, poolDir)
		if err != nil {
			return count, bytes, pomerror.WithContext(err, mirrorID, "", "")
		}

		guard, err := p.Lock(ctx)
		if err != nil {
			return count, bytes, pomerror.WithContext(err, mirrorID, "", "")
		}

		c, b, err := p.GC(ctx, guard)

		guard.Unlock() //nolint:errcheck

		if err != nil {
			return count, bytes, pomerror.WithContext(err, mirrorID, "", "")
		}

		count += c
		bytes += b
	}

	return count, bytes, nil
}

// Status implements §4.7's status(): a read-only snapshot of state
// plus the mirror-state classification against the requested set.
func Status(h *Handle, requested []string) (MediumState, MediumMirrorState) {
	return h.State(), computeMirrorState(h.State(), requested)
}

func mirrorIDs(sources []Source) []string {
	ids := make([]string, 0, len(sources))
	for _, s := range sources {
		ids = append(ids, s.MirrorID)
	}

	return ids
}
