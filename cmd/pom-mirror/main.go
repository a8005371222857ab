// Command pom-mirror is a thin illustrative entry point wiring the
// pool, snapshot, mirror, and medium packages together. It is
// deliberately minimal: the command-line surface, its flag parsing,
// and the subscription-key wizard are external concerns the
// specification scopes out of this repository; this binary exists to
// demonstrate the pipeline end to end, not to be a full-featured tool.
//
// Grounded on cli/app.go's kingpin application skeleton and its
// colorable stdout/stderr setup.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
	colorable "github.com/mattn/go-colorable"

	"github.com/proxmox/proxmox-offline-mirror/fetch"
	"github.com/proxmox/proxmox-offline-mirror/mirror"
	"github.com/proxmox/proxmox-offline-mirror/pgpverify"
	"github.com/proxmox/proxmox-offline-mirror/snapshot"
)

func newSnapshotID() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

var (
	stdout = colorable.NewColorableStdout()
	stderr = colorable.NewColorableStderr()

	errorColor = color.New(color.FgHiRed)
)

func main() {
	app := kingpin.New("pom-mirror", "Offline APT mirror toolkit")

	initCmd := app.Command("init", "Create a mirror's pool and link dir")
	initBaseDir := initCmd.Arg("base-dir", "Mirror base directory").Required().String()
	initID := initCmd.Arg("id", "Mirror identifier").Required().String()

	snapshotCmd := app.Command("snapshot", "Fetch a new snapshot of a mirror")
	snapBaseDir := snapshotCmd.Arg("base-dir", "Mirror base directory").Required().String()
	snapID := snapshotCmd.Arg("id", "Mirror identifier").Required().String()
	snapURL := snapshotCmd.Flag("base-url", "Upstream repository base URL").Required().String()
	snapSuite := snapshotCmd.Flag("suite", "Distribution suite").Required().String()
	snapComponents := snapshotCmd.Flag("component", "Component to mirror (repeatable)").Required().Strings()
	snapArches := snapshotCmd.Flag("arch", "Architecture to mirror (repeatable)").Required().Strings()
	snapTrustFile := snapshotCmd.Flag("trust", "Path to an armored OpenPGP public keyring").Required().String()
	snapDryRun := snapshotCmd.Flag("dry-run", "Report what would be fetched without writing").Bool()

	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	var err error

	switch cmd {
	case initCmd.FullCommand():
		err = runInit(*initBaseDir, *initID)
	case snapshotCmd.FullCommand():
		err = runSnapshot(*snapBaseDir, *snapID, *snapURL, *snapSuite, *snapComponents, *snapArches, *snapTrustFile, *snapDryRun)
	}

	if err != nil {
		errorColor.Fprintf(stderr, "error: %v\n", err) //nolint:errcheck

		os.Exit(1)
	}
}

func runInit(baseDir, id string) error {
	_, err := mirror.Init(mirror.Config{BaseDir: baseDir, ID: id})
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "initialized mirror %q at %s\n", id, baseDir)

	return nil
}

func runSnapshot(baseDir, id, baseURL, suite string, components, arches []string, trustFile string, dryRun bool) error {
	trustData, err := os.ReadFile(trustFile)
	if err != nil {
		return err
	}

	trust, err := pgpverify.ParseTrustMaterial(trustData)
	if err != nil {
		return err
	}

	p, err := mirror.Init(mirror.Config{BaseDir: baseDir, ID: id})
	if err != nil {
		return err
	}

	ctx := context.Background()

	guard, err := p.Lock(ctx)
	if err != nil {
		return err
	}
	defer guard.Unlock() //nolint:errcheck

	cfg := snapshot.MirrorConfig{
		ID:            id,
		BaseURL:       baseURL,
		Suite:         suite,
		Components:    components,
		Architectures: arches,
		RepoTypes:     []snapshot.RepoType{snapshot.RepoTypeDeb},
		Trust:         trust,
		UserAgent:     "pom-mirror/1.0",
	}

	engine := &snapshot.Engine{Pool: p, Fetcher: fetch.Config{UserAgent: cfg.UserAgent}}
	snapshotID := newSnapshotID()

	result, err := engine.CreateSnapshot(ctx, guard, cfg, snapshotID, nil, dryRun)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "snapshot %s: %d new (%d bytes), %d reused\n",
		snapshotID, result.Progress.New, result.Progress.NewBytes, result.Progress.Reused)

	for _, w := range result.Warnings {
		color.New(color.FgYellow).Fprintf(stdout, "warning: %s\n", w) //nolint:errcheck
	}

	return nil
}
