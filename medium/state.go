// Package medium implements the Medium Synchronizer (C7): the
// cross-pool replication of mirror snapshots onto removable media,
// driven by a JSON state file at the mountpoint root.
//
// Grounded on blob/filesystem/filesystem_storage.go's write-to-temp +
// rename discipline for the state file, and on cas/repository.go's
// phase-oriented lifecycle (open, mutate, flush) generalized to the
// medium's lock-read-mutate-write-unlock cycle.
package medium

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	natefinchatomic "github.com/natefinch/atomic"

	"github.com/proxmox/proxmox-offline-mirror/internal/logging"
	"github.com/proxmox/proxmox-offline-mirror/pomerror"
)

var log = logging.Module("medium")

const (
	stateFileName = ".mirror-state"
	lockFileName  = ".mirror-state.lock"
	lockTimeout   = 30 * time.Second
)

// MirrorInfo records, per mirror, its source repository identity and
// where on the medium its replicated pool lives (§6 medium layout).
type MirrorInfo struct {
	Repository    string   `json:"repository"`
	Architectures []string `json:"architectures"`
	Pool          string   `json:"pool"`
	sourceBaseDir string
}

// MediumState is the on-disk record at <mountpoint>/.mirror-state,
// serialized kebab-case per §6.
type MediumState struct {
	Mirrors       map[string]MirrorInfo `json:"mirrors"`
	Subscriptions []string              `json:"subscriptions,omitempty"`
	LastSync      int64                 `json:"last-sync"`
}

func emptyState() MediumState {
	return MediumState{Mirrors: map[string]MirrorInfo{}}
}

// Handle is a locked, loaded medium state ready for mutation.
type Handle struct {
	mountpoint string
	fl         *flock.Flock
	state      MediumState
}

// Open locks the medium's state file and loads it, creating an empty
// one if absent.
func Open(ctx context.Context, mountpoint string) (*Handle, error) {
	fl := flock.New(filepath.Join(mountpoint, lockFileName))

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	ok, err := fl.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return nil, pomerror.Wrap(pomerror.KindLocking, "medium.open", err)
	}

	if !ok {
		return nil, pomerror.Wrap(pomerror.KindLocking, "medium.open", pomerror.ErrTimeout)
	}

	state, err := readState(mountpoint)
	if err != nil {
		fl.Unlock() //nolint:errcheck

		return nil, err
	}

	return &Handle{mountpoint: mountpoint, fl: fl, state: state}, nil
}

// Close releases the lock without writing state.
func (h *Handle) Close() error {
	return h.fl.Unlock()
}

// State returns a copy of the currently loaded state.
func (h *Handle) State() MediumState { return h.state }

func readState(mountpoint string) (MediumState, error) {
	path := filepath.Join(mountpoint, stateFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyState(), nil
		}

		return MediumState{}, pomerror.Wrap(pomerror.KindIO, "medium.read_state", err)
	}

	var state MediumState
	if err := json.Unmarshal(data, &state); err != nil {
		return MediumState{}, pomerror.Wrap(pomerror.KindFormat, "medium.read_state", err)
	}

	if state.Mirrors == nil {
		state.Mirrors = map[string]MirrorInfo{}
	}

	return state, nil
}

// writeState rewrites the state file atomically via temp+rename.
func (h *Handle) writeState(ctx context.Context, state MediumState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return pomerror.Wrap(pomerror.KindFormat, "medium.write_state", err)
	}

	path := filepath.Join(h.mountpoint, stateFileName)

	if err := natefinchatomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return pomerror.Wrap(pomerror.KindIO, "medium.write_state", err)
	}

	h.state = state

	log(ctx).Debugw("rewrote medium state", "mountpoint", h.mountpoint)

	return nil
}

// poolSubdirFor derives the stable per-mirror pool subdirectory name
// from the source base dir, per §4.7.
func poolSubdirFor(sourceBaseDir string) string {
	sum := sha256.Sum256([]byte(sourceBaseDir))
	return ".pool_" + hex.EncodeToString(sum[:])
}
