// Package repoline implements the Repository Line Generator (C8):
// rewriting a one-line apt source to point at a medium snapshot.
//
// No teacher file parses this wire format; it is plain stdlib
// string handling, as DESIGN.md records for this leaf.
package repoline

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/proxmox/proxmox-offline-mirror/pomerror"
)

// Line is a parsed one-line apt source: "deb [opt=val ...] uri suite
// component...".
type Line struct {
	Type       string
	Options    []string
	URI        string
	Suite      string
	Components []string
}

// Parse splits a one-line apt source into its fields.
func Parse(line string) (Line, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return Line{}, pomerror.Wrap(pomerror.KindFormat, "repoline.parse", pomerror.ErrUnparseable)
	}

	fields := strings.Fields(trimmed)
	if len(fields) < 3 {
		return Line{}, pomerror.Wrap(pomerror.KindFormat, "repoline.parse", pomerror.ErrUnparseable)
	}

	l := Line{Type: fields[0]}
	rest := fields[1:]

	if len(rest) > 0 && strings.HasPrefix(rest[0], "[") {
		optToken := rest[0]

		for !strings.HasSuffix(optToken, "]") && len(rest) > 1 {
			rest = rest[1:]
			optToken += " " + rest[0]
		}

		if !strings.HasSuffix(optToken, "]") {
			return Line{}, pomerror.Wrap(pomerror.KindFormat, "repoline.parse", pomerror.ErrUnparseable)
		}

		inner := strings.TrimSuffix(strings.TrimPrefix(optToken, "["), "]")
		l.Options = strings.Fields(inner)
		rest = rest[1:]
	}

	if len(rest) < 2 {
		return Line{}, pomerror.Wrap(pomerror.KindFormat, "repoline.parse", pomerror.ErrUnparseable)
	}

	l.URI = rest[0]
	l.Suite = rest[1]
	l.Components = rest[2:]

	return l, nil
}

// String re-serializes l in the standard one-line format.
func (l Line) String() string {
	var b strings.Builder

	b.WriteString(l.Type)
	b.WriteByte(' ')

	if len(l.Options) > 0 {
		b.WriteByte('[')
		b.WriteString(strings.Join(l.Options, " "))
		b.WriteString("] ")
	}

	b.WriteString(l.URI)
	b.WriteByte(' ')
	b.WriteString(l.Suite)

	for _, c := range l.Components {
		b.WriteByte(' ')
		b.WriteString(c)
	}

	return b.String()
}

// withOption returns a copy of l.Options with key=value set,
// replacing any existing option sharing key.
func withOption(options []string, key, value string) []string {
	out := make([]string, 0, len(options)+1)
	found := false

	for _, opt := range options {
		if strings.HasPrefix(opt, key+"=") {
			out = append(out, key+"="+value)
			found = true

			continue
		}

		out = append(out, opt)
	}

	if !found {
		out = append(out, key+"="+value)
	}

	return out
}

// ForSnapshot implements §4.8: parses the original repository line,
// replaces its URI with the medium snapshot's file:// location, and
// sets check-valid-until=false (replacing an existing value, or
// appending the option when absent).
func ForSnapshot(originalLine, mountpoint, mirrorID, snapshotID string) (string, error) {
	if !utf8.ValidString(mountpoint) {
		return "", pomerror.Wrap(pomerror.KindFormat, "repoline.for_snapshot", pomerror.ErrUnparseable)
	}

	l, err := Parse(originalLine)
	if err != nil {
		return "", err
	}

	l.URI = fmt.Sprintf("file://%s", strings.TrimRight(mountpoint, "/")+"/"+mirrorID+"/"+snapshotID)
	l.Options = withOption(l.Options, "check-valid-until", "false")

	return strings.TrimRight(l.String(), "\n"), nil
}
