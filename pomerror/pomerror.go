// Package pomerror defines the error-kind taxonomy from §7 of the
// specification: a fixed set of sentinel Kinds plus a Core error type
// that annotates a cause with the operation context (mirror, snapshot,
// reference) the way kopia's CLI layer annotates storage errors before
// printing them.
package pomerror

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the error categories enumerated in §7. A Kind is
// read from an error chain by unwrapping to *Core with errors.As.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindIO            Kind = "io"
	KindLocking       Kind = "locking"
	KindNetwork       Kind = "network"
	KindIntegrity     Kind = "integrity"
	KindFormat        Kind = "format"
	KindState         Kind = "state"
)

// Sentinel causes referenced directly by component packages and by
// callers via errors.Is(err, pomerror.ErrX).
var (
	ErrAlreadyExists             = errors.New("already exists")
	ErrNotFound                  = errors.New("not found")
	ErrTimeout                   = errors.New("lock acquisition timed out")
	ErrConflict                  = errors.New("path already linked to a different inode")
	ErrChecksumMismatch          = errors.New("checksum mismatch")
	ErrNoSecureChecksum          = errors.New("missing secure checksum")
	ErrHTTPStatus                = errors.New("unexpected HTTP status")
	ErrResponseTooLarge          = errors.New("response exceeds max size")
	ErrNoReleaseAvailable        = errors.New("neither Release/Release.gpg nor InRelease could be acquired and verified")
	ErrSubscriptionRequired      = errors.New("subscription key required")
	ErrSubscriptionProductMismatch = errors.New("subscription key product mismatch")
	ErrNoValidSignature          = errors.New("no valid signature")
	ErrNoTrustMaterial           = errors.New("no trust material matched")
	ErrMalformedSignature        = errors.New("malformed signature")
	ErrUnparseable               = errors.New("unparseable index")
	ErrUnknownCompression        = errors.New("unknown compression")
	ErrConfigMismatch            = errors.New("medium config and state disagree")
	ErrUnknownPoolForDroppedMirror = errors.New("no pool recorded for dropped mirror")
	ErrSnapshotAlreadyExists     = errors.New("snapshot already exists")
	ErrInvalidIdentifier         = errors.New("identifier does not match the mirror/medium naming format")
)

// Core wraps a cause with the operation context that produced it.
type Core struct {
	Kind     Kind
	Op       string // e.g. "snapshot.create", "pool.link_file"
	Mirror   string
	Snapshot string
	Ref      string
	Err      error
}

func (e *Core) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Err)

	if e.Mirror != "" {
		msg = fmt.Sprintf("%s [mirror=%s]", msg, e.Mirror)
	}

	if e.Snapshot != "" {
		msg = fmt.Sprintf("%s [snapshot=%s]", msg, e.Snapshot)
	}

	if e.Ref != "" {
		msg = fmt.Sprintf("%s [ref=%s]", msg, e.Ref)
	}

	return msg
}

func (e *Core) Unwrap() error { return e.Err }

// Wrap annotates err with operation context. A nil err yields a nil
// result so call sites can `return pomerror.Wrap(...)` unconditionally
// after an `if err != nil` guard without double-wrapping nils.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}

	return &Core{Kind: kind, Op: op, Err: err}
}

// WithContext attaches mirror/snapshot/ref fields to an existing
// *Core (or wraps err fresh if it is not already one), used by the
// Snapshot Engine and Medium Synchronizer which know these fields only
// after a leaf component has already returned a Core error.
func WithContext(err error, mirror, snapshot, ref string) error {
	if err == nil {
		return nil
	}

	var c *Core
	if errors.As(err, &c) {
		cp := *c
		if mirror != "" {
			cp.Mirror = mirror
		}

		if snapshot != "" {
			cp.Snapshot = snapshot
		}

		if ref != "" {
			cp.Ref = ref
		}

		return &cp
	}

	return &Core{Kind: KindState, Op: "unknown", Mirror: mirror, Snapshot: snapshot, Ref: ref, Err: err}
}
