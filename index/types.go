// Package index implements the Index Decoder (C3): parsing of
// Release/InRelease, Packages and Sources manifests, classification of
// the file references they enumerate, and decompression of the
// formats APT mirrors serve indices in.
//
// It is grounded on cas/formatter.go and cas/objectid.go for the
// checksum-bearing record shapes, generalized from content-defined
// chunking metadata to Debian control-file (RFC 2822-like) manifests.
package index

import "github.com/proxmox/proxmox-offline-mirror/checksum"

// Compression names a supported index compression format.
type Compression string

const (
	CompressionNone  Compression = ""
	CompressionGzip  Compression = "gz"
	CompressionBzip2 Compression = "bz2"
	CompressionXZ    Compression = "xz"
)

// FileType classifies one reference found in a Release file (§4.3).
type FileType int

const (
	TypeIgnored FileType = iota
	TypePackages
	TypeSources
	TypeContents
	TypeContentsUdeb
	TypeTranslation
	TypePDiff
	TypePseudoRelease
)

func (t FileType) String() string {
	switch t {
	case TypePackages:
		return "Packages"
	case TypeSources:
		return "Sources"
	case TypeContents:
		return "Contents"
	case TypeContentsUdeb:
		return "ContentsUdeb"
	case TypeTranslation:
		return "Translation"
	case TypePDiff:
		return "PDiff"
	case TypePseudoRelease:
		return "PseudoRelease"
	default:
		return "Ignored"
	}
}

// IsPackageIndex reports whether fetch failures for this type are
// fatal to a snapshot (§4.5 Phase B): only Packages and Sources are.
func (t FileType) IsPackageIndex() bool {
	return t == TypePackages || t == TypeSources
}

// FileRef is one entry in a Release file's per-basename list: a
// relative path plus its classification, checksums, and size.
type FileRef struct {
	RelPath     string
	Basename    string
	Component   string
	Arch        string // binary architecture, or language code for Translation
	Type        FileType
	Compression Compression
	Checksums   checksum.Checksum
	Size        int64
}

// ReleaseFile is the decoded form of an upstream Release/InRelease
// manifest (§3).
type ReleaseFile struct {
	Suite         string
	Codename      string
	Components    []string
	Architectures []string
	AcquireByHash bool

	// Entries maps basename (e.g. "Packages.gz") to every reference
	// to a file with that basename, in the order they appeared.
	Entries map[string][]FileRef
}

// PackageEntry is one stanza of a Packages index.
type PackageEntry struct {
	Package   string
	Section   string
	File      string // Filename field: path relative to the repository root
	Size      int64
	Checksums checksum.Checksum
}

// PackagesFile is the decoded form of a Packages index.
type PackagesFile struct {
	Entries []PackageEntry
}

// SourceFileRef is one file referenced from a Sources stanza's Files/
// Checksums-Sha256/Checksums-Sha512 fields.
type SourceFileRef struct {
	Name      string
	Size      int64
	Checksums checksum.Checksum
}

// SourceEntry is one stanza of a Sources index.
type SourceEntry struct {
	Package   string
	Section   string
	Directory string
	Files     map[string]SourceFileRef
}

// SourcesFile is the decoded form of a Sources index.
type SourcesFile struct {
	Entries []SourceEntry
}
