package index

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/proxmox/proxmox-offline-mirror/checksum"
	"github.com/proxmox/proxmox-offline-mirror/pomerror"
)

type releaseFileAccum struct {
	size          int64
	sha256, sha512 string
}

// ParseRelease decodes a Release/InRelease payload (already stripped
// of any OpenPGP armor by the caller) into a ReleaseFile (§4.3).
func ParseRelease(data []byte) (ReleaseFile, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	rel := ReleaseFile{Entries: map[string][]FileRef{}}
	files := map[string]*releaseFileAccum{}
	order := make([]string, 0, 256)

	var currentHashField string

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			currentHashField = ""
			continue
		}

		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if currentHashField == "" {
				continue
			}

			if err := accumulateHashLine(currentHashField, line, files, &order); err != nil {
				return ReleaseFile{}, pomerror.Wrap(pomerror.KindFormat, "index.parse_release", err)
			}

			continue
		}

		key, value, ok := splitField(line)
		if !ok {
			continue
		}

		switch key {
		case "Suite":
			rel.Suite = value
		case "Codename":
			rel.Codename = value
		case "Components":
			rel.Components = strings.Fields(value)
		case "Architectures":
			rel.Architectures = strings.Fields(value)
		case "Acquire-By-Hash":
			rel.AcquireByHash = strings.EqualFold(strings.TrimSpace(value), "yes")
		}

		switch key {
		case "MD5Sum", "SHA1", "SHA256", "SHA512":
			currentHashField = key
		default:
			currentHashField = ""
		}
	}

	if err := scanner.Err(); err != nil {
		return ReleaseFile{}, pomerror.Wrap(pomerror.KindFormat, "index.parse_release", pomerror.ErrUnparseable)
	}

	if len(order) == 0 {
		return ReleaseFile{}, pomerror.Wrap(pomerror.KindFormat, "index.parse_release", pomerror.ErrUnparseable)
	}

	for _, relPath := range order {
		acc := files[relPath]

		cs, err := checksum.FromHex(acc.sha256, acc.sha512)
		if err != nil {
			return ReleaseFile{}, pomerror.Wrap(pomerror.KindFormat, "index.parse_release", err)
		}

		fileType, component, arch, compression := classify(relPath)

		ref := FileRef{
			RelPath:     relPath,
			Basename:    basenameOf(relPath),
			Component:   component,
			Arch:        arch,
			Type:        fileType,
			Compression: compression,
			Checksums:   cs,
			Size:        acc.size,
		}

		rel.Entries[ref.Basename] = append(rel.Entries[ref.Basename], ref)
	}

	return rel, nil
}

func accumulateHashLine(field, line string, files map[string]*releaseFileAccum, order *[]string) error {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return pomerror.ErrUnparseable
	}

	hexDigest, sizeStr, relPath := fields[0], fields[1], fields[2]

	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return pomerror.ErrUnparseable
	}

	acc, ok := files[relPath]
	if !ok {
		acc = &releaseFileAccum{}
		files[relPath] = acc
		*order = append(*order, relPath)
	}

	acc.size = size

	switch field {
	case "SHA256":
		acc.sha256 = hexDigest
	case "SHA512":
		acc.sha512 = hexDigest
	}

	return nil
}

func splitField(line string) (key, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}

	return line[:idx], strings.TrimSpace(line[idx+1:]), true
}

func basenameOf(relPath string) string {
	if idx := strings.LastIndex(relPath, "/"); idx >= 0 {
		return relPath[idx+1:]
	}

	return relPath
}
