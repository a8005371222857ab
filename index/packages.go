package index

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/proxmox/proxmox-offline-mirror/checksum"
	"github.com/proxmox/proxmox-offline-mirror/pomerror"
)

// ParsePackages decodes a Packages index into individual stanzas
// (§4.3). Stanzas are separated by a blank line; scalar fields only.
func ParsePackages(data []byte) (PackagesFile, error) {
	var pf PackagesFile

	stanzas, err := splitStanzas(data)
	if err != nil {
		return PackagesFile{}, pomerror.Wrap(pomerror.KindFormat, "index.parse_packages", err)
	}

	for _, fields := range stanzas {
		pkg := fields["Package"]
		if pkg == "" {
			continue
		}

		size, _ := strconv.ParseInt(fields["Size"], 10, 64)

		cs, err := checksum.FromHex(fields["SHA256"], fields["SHA512"])
		if err != nil {
			return PackagesFile{}, pomerror.Wrap(pomerror.KindFormat, "index.parse_packages", err)
		}

		pf.Entries = append(pf.Entries, PackageEntry{
			Package:   pkg,
			Section:   fields["Section"],
			File:      fields["Filename"],
			Size:      size,
			Checksums: cs,
		})
	}

	return pf, nil
}

// splitStanzas groups a deb822 document's lines into scalar-field
// maps, one per blank-line-separated stanza. Continuation lines
// (starting with whitespace) are appended, newline-joined, to the
// value of the field before them.
func splitStanzas(data []byte) ([]map[string]string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var stanzas []map[string]string

	current := map[string]string{}
	lastKey := ""

	flush := func() {
		if len(current) > 0 {
			stanzas = append(stanzas, current)
		}

		current = map[string]string{}
		lastKey = ""
	}

	for scanner.Scan() {
		line := scanner.Text()

		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}

		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if lastKey != "" {
				current[lastKey] += "\n" + line
			}

			continue
		}

		key, value, ok := splitField(line)
		if !ok {
			continue
		}

		current[key] = value
		lastKey = key
	}

	if err := scanner.Err(); err != nil {
		return nil, pomerror.ErrUnparseable
	}

	flush()

	return stanzas, nil
}
