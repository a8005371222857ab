// Package snapshot implements the Snapshot Engine (C5): the
// three-phase pipeline (Release acquisition, index selection and
// acquisition, payload acquisition) that materializes an immutable,
// atomically-rotated mirror snapshot.
//
// Grounded on cas/repository.go's multi-phase commit/flush sequencing
// (stage writes, then a single atomic visibility flip) generalized
// from kopia's object-store commit to a whole-directory rename, and
// on cli/command_snapshot_create.go's progress/dry-run/ignore-errors
// option surface.
package snapshot

import (
	"regexp"

	"github.com/gobwas/glob"

	"github.com/proxmox/proxmox-offline-mirror/pgpverify"
)

// RepoType is one of the two kinds of sources an upstream Release can
// enumerate (§4.5 Phase B).
type RepoType string

const (
	RepoTypeDeb    RepoType = "deb"
	RepoTypeDebSrc RepoType = "deb-src"
)

// SkipRules are glob/exact filters applied in Phase C (§4.5).
type SkipRules struct {
	Sections []string
	Packages []string // glob patterns, compiled lazily by compilePackages
}

func (s SkipRules) compilePackages() ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(s.Packages))

	for _, pattern := range s.Packages {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, err
		}

		globs = append(globs, g)
	}

	return globs, nil
}

func (s SkipRules) matchesSection(component, section string) bool {
	for _, want := range s.Sections {
		if section == want || section == component+"/"+want {
			return true
		}
	}

	return false
}

// MirrorConfig is the resolved, validated configuration record the
// engine receives (§1): how it is produced (file parsing, CLI flags)
// is an external concern.
type MirrorConfig struct {
	ID            string
	BaseURL       string // e.g. "http://deb.debian.org/debian"
	Suite         string
	Components    []string
	Architectures []string
	RepoTypes     []RepoType

	Skip          SkipRules
	IgnoreErrors  bool
	Verify        bool
	UseSubscription string // product name, empty if none required
	ServerID      string

	UserAgent string
	Trust     pgpverify.TrustMaterial
	Policy    pgpverify.WeakCrypto

	MaxReleaseSize int64 // defaults applied by DefaultSizeCaps
	MaxSigSize     int64
}

// DefaultSizeCaps fills MaxReleaseSize/MaxSigSize with the spec's
// defaults (1 MiB signature, 256 MiB Release, §4.5) when unset.
func (c MirrorConfig) DefaultSizeCaps() MirrorConfig {
	if c.MaxSigSize == 0 {
		c.MaxSigSize = 1 << 20
	}

	if c.MaxReleaseSize == 0 {
		c.MaxReleaseSize = 256 << 20
	}

	return c
}

func (c MirrorConfig) hasRepoType(rt RepoType) bool {
	for _, t := range c.RepoTypes {
		if t == rt {
			return true
		}
	}

	return false
}

func (c MirrorConfig) hasArch(arch string) bool {
	for _, a := range c.Architectures {
		if a == arch {
			return true
		}
	}

	return false
}

func (c MirrorConfig) hasComponent(component string) bool {
	for _, comp := range c.Components {
		if comp == component {
			return true
		}
	}

	return false
}

// snapshotNamePattern is the RFC-3339-UTC regex from §6.
var snapshotNamePattern = regexp.MustCompile(`^[0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}Z$`)

// ValidSnapshotName reports whether name matches the snapshot regex.
func ValidSnapshotName(name string) bool {
	return snapshotNamePattern.MatchString(name)
}
