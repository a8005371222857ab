package index

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/proxmox/proxmox-offline-mirror/checksum"
	"github.com/proxmox/proxmox-offline-mirror/pomerror"
)

type sourcesFileAccum struct {
	size           int64
	sha256, sha512 string
}

// ParseSources decodes a Sources index (§4.3). Each stanza carries
// scalar Package/Section/Directory fields plus one or more multi-line
// Files/Checksums-Sha256/Checksums-Sha512 fields enumerating the
// source package's constituent files.
func ParseSources(data []byte) (SourcesFile, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var sf SourcesFile

	var (
		pkg, section, directory string
		accum                   map[string]*sourcesFileAccum
		order                   []string
		currentField            string
	)

	reset := func() {
		pkg, section, directory = "", "", ""
		accum = map[string]*sourcesFileAccum{}
		order = nil
		currentField = ""
	}

	flush := func() error {
		if pkg == "" {
			reset()
			return nil
		}

		files := map[string]SourceFileRef{}

		for _, name := range order {
			acc := accum[name]

			cs, err := checksum.FromHex(acc.sha256, acc.sha512)
			if err != nil {
				return err
			}

			files[name] = SourceFileRef{Name: name, Size: acc.size, Checksums: cs}
		}

		sf.Entries = append(sf.Entries, SourceEntry{
			Package:   pkg,
			Section:   section,
			Directory: directory,
			Files:     files,
		})

		reset()

		return nil
	}

	reset()

	for scanner.Scan() {
		line := scanner.Text()

		if strings.TrimSpace(line) == "" {
			if err := flush(); err != nil {
				return SourcesFile{}, pomerror.Wrap(pomerror.KindFormat, "index.parse_sources", err)
			}

			continue
		}

		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if currentField == "" {
				continue
			}

			if err := accumulateSourceHashLine(currentField, line, accum, &order); err != nil {
				return SourcesFile{}, pomerror.Wrap(pomerror.KindFormat, "index.parse_sources", err)
			}

			continue
		}

		key, value, ok := splitField(line)
		if !ok {
			continue
		}

		switch key {
		case "Package":
			pkg = value
		case "Section":
			section = value
		case "Directory":
			directory = value
		}

		switch key {
		case "Files", "Checksums-Sha256", "Checksums-Sha512":
			currentField = key
		default:
			currentField = ""
		}
	}

	if err := scanner.Err(); err != nil {
		return SourcesFile{}, pomerror.Wrap(pomerror.KindFormat, "index.parse_sources", pomerror.ErrUnparseable)
	}

	if err := flush(); err != nil {
		return SourcesFile{}, pomerror.Wrap(pomerror.KindFormat, "index.parse_sources", err)
	}

	return sf, nil
}

func accumulateSourceHashLine(field, line string, accum map[string]*sourcesFileAccum, order *[]string) error {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return pomerror.ErrUnparseable
	}

	hexDigest, sizeStr, name := fields[0], fields[1], fields[2]

	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return pomerror.ErrUnparseable
	}

	acc, ok := accum[name]
	if !ok {
		acc = &sourcesFileAccum{}
		accum[name] = acc
		*order = append(*order, name)
	}

	acc.size = size

	switch field {
	case "Checksums-Sha256":
		acc.sha256 = hexDigest
	case "Checksums-Sha512":
		acc.sha512 = hexDigest
	case "Files":
		// Files: carries MD5 + size + name; size is still useful, the
		// hash itself is superseded by the Checksums-Sha* fields.
	}

	return nil
}
