package index

import (
	"path"
	"strings"
)

// classify derives an entry's FileType, component, architecture and
// compression from its Release-relative path, following the naming
// conventions every Debian-style archive uses (§4.3).
func classify(relPath string) (fileType FileType, component, arch string, compression Compression) {
	dir, base := path.Split(relPath)
	dir = strings.Trim(dir, "/")

	base, compression = splitCompression(base)

	segments := splitNonEmpty(dir)
	component = firstComponent(segments)

	switch {
	case base == "Release" || base == "InRelease":
		return classifyPseudoRelease(segments, component)

	case strings.HasPrefix(base, "Packages"):
		return TypePackages, component, archFromBinaryDir(segments), compression

	case strings.HasPrefix(base, "Sources"):
		return TypeSources, component, "", compression

	case strings.HasPrefix(base, "Contents-udeb-"):
		return TypeContentsUdeb, component, strings.TrimPrefix(base, "Contents-udeb-"), compression

	case strings.HasPrefix(base, "Contents-"):
		return TypeContents, component, strings.TrimPrefix(base, "Contents-"), compression

	case strings.HasPrefix(base, "Translation-"):
		return TypeTranslation, component, strings.TrimPrefix(base, "Translation-"), compression

	case isPDiffPath(segments, base):
		return TypePDiff, component, archFromBinaryDir(segments), compression

	default:
		return TypeIgnored, component, "", compression
	}
}

func classifyPseudoRelease(segments []string, component string) (FileType, string, string, Compression) {
	if len(segments) == 0 {
		// Top-level dists/<suite>/Release: not a per-directory pseudo
		// release, but still never fetched as a package index; treat
		// as ignored so callers fetch it through the Phase A path
		// instead of Phase B.
		return TypeIgnored, "", "", CompressionNone
	}

	last := segments[len(segments)-1]
	if last == "source" {
		return TypePseudoRelease, component, "", CompressionNone
	}

	if arch, ok := binaryArch(last); ok {
		return TypePseudoRelease, component, arch, CompressionNone
	}

	return TypePseudoRelease, component, "", CompressionNone
}

func isPDiffPath(segments []string, base string) bool {
	if len(segments) == 0 {
		return false
	}

	last := segments[len(segments)-1]

	return strings.HasSuffix(last, ".diff") || base == "Index" && strings.Contains(last, "diff")
}

func archFromBinaryDir(segments []string) string {
	for _, s := range segments {
		if arch, ok := binaryArch(s); ok {
			return arch
		}
	}

	return ""
}

func binaryArch(segment string) (string, bool) {
	const prefix = "binary-"
	if strings.HasPrefix(segment, prefix) {
		return strings.TrimPrefix(segment, prefix), true
	}

	return "", false
}

func firstComponent(segments []string) string {
	if len(segments) == 0 {
		return ""
	}

	return segments[0]
}

func splitNonEmpty(dir string) []string {
	if dir == "" {
		return nil
	}

	return strings.Split(dir, "/")
}

func splitCompression(base string) (string, Compression) {
	switch {
	case strings.HasSuffix(base, ".gz"):
		return strings.TrimSuffix(base, ".gz"), CompressionGzip
	case strings.HasSuffix(base, ".bz2"):
		return strings.TrimSuffix(base, ".bz2"), CompressionBzip2
	case strings.HasSuffix(base, ".xz"):
		return strings.TrimSuffix(base, ".xz"), CompressionXZ
	case strings.HasSuffix(base, ".lzma"):
		return strings.TrimSuffix(base, ".lzma"), CompressionXZ
	default:
		return base, CompressionNone
	}
}
