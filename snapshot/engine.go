package snapshot

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/proxmox/proxmox-offline-mirror/checksum"
	"github.com/proxmox/proxmox-offline-mirror/fetch"
	"github.com/proxmox/proxmox-offline-mirror/index"
	"github.com/proxmox/proxmox-offline-mirror/internal/logging"
	"github.com/proxmox/proxmox-offline-mirror/internal/metrics"
	"github.com/proxmox/proxmox-offline-mirror/pgpverify"
	"github.com/proxmox/proxmox-offline-mirror/pomerror"
	"github.com/proxmox/proxmox-offline-mirror/pool"
	"github.com/proxmox/proxmox-offline-mirror/subscription"
)

var log = logging.Module("snapshot")

// Result is create_snapshot's return value (§4.5).
type Result struct {
	Progress pool.Progress

	SkipCount int
	SkipBytes int64

	Warnings []string

	DryRun             bool
	DryRunIndexBytes   int64
	DryRunPackageCount int
	DryRunPackageBytes int64
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Engine drives create_snapshot against one mirror's pool.
type Engine struct {
	Pool    *pool.Pool
	Fetcher fetch.Config
	Metrics *metrics.Collectors
}

// run carries the per-invocation state phaseA/B/C thread through,
// replacing what would otherwise be package-level mutable state.
type run struct {
	cfg     MirrorConfig
	tmpRoot string
	dryRun  bool
	guard   *pool.Guard
	fetcher fetch.Config
	result  *Result

	// materialized caches a bare (uncompressed) index body by its
	// dists-relative path for the duration of one snapshot, so Phase
	// B can hand C3's parsers the bytes it already produced.
	materialized map[string][]byte
}

func (r *run) distsPath(relPath string) string {
	return path.Join(r.tmpRoot, "dists", r.cfg.Suite, relPath)
}

// CreateSnapshot implements §4.5 end to end.
func (e *Engine) CreateSnapshot(ctx context.Context, guard *pool.Guard, cfg MirrorConfig, snapshotID string, keys []subscription.Key, dryRun bool) (Result, error) {
	cfg = cfg.DefaultSizeCaps()

	if !ValidSnapshotName(snapshotID) {
		return Result{}, pomerror.Wrap(pomerror.KindConfiguration, "snapshot.create_snapshot", fmt.Errorf("invalid snapshot name %q", snapshotID))
	}

	key, err := subscription.Resolve(keys, cfg.UseSubscription)
	if err != nil {
		return Result{}, pomerror.WithContext(err, cfg.ID, snapshotID, "")
	}

	fetcher := e.Fetcher
	fetcher.UserAgent = cfg.UserAgent
	fetcher.Auth = subscription.BasicAuthHeader(key, cfg.ServerID)

	r := &run{
		cfg:          cfg,
		tmpRoot:      snapshotID + ".tmp",
		dryRun:       dryRun,
		guard:        guard,
		fetcher:      fetcher,
		result:       &Result{DryRun: dryRun},
		materialized: map[string][]byte{},
	}

	rel, err := e.phaseA(ctx, r)
	if err != nil {
		return *r.result, pomerror.WithContext(err, cfg.ID, snapshotID, "")
	}

	packagesByComponent, sourcesByComponent, err := e.phaseB(ctx, r, rel)
	if err != nil {
		return *r.result, pomerror.WithContext(err, cfg.ID, snapshotID, "")
	}

	if err := e.phaseC(ctx, r, packagesByComponent, sourcesByComponent); err != nil {
		return *r.result, pomerror.WithContext(err, cfg.ID, snapshotID, "")
	}

	if dryRun {
		return *r.result, nil
	}

	if err := e.Pool.Rename(ctx, guard, r.tmpRoot, snapshotID); err != nil {
		return *r.result, pomerror.WithContext(err, cfg.ID, snapshotID, "")
	}

	log(ctx).Infow("snapshot created", "mirror", cfg.ID, "snapshot", snapshotID, "new", r.result.Progress.New, "reused", r.result.Progress.Reused)

	return *r.result, nil
}

// phaseA acquires and verifies Release/InRelease (§4.5 Phase A).
func (e *Engine) phaseA(ctx context.Context, r *run) (index.ReleaseFile, error) {
	baseURL := fmt.Sprintf("%s/dists/%s", strings.TrimRight(r.cfg.BaseURL, "/"), r.cfg.Suite)

	var (
		payload []byte
		ok      bool
	)

	warningsBefore := len(r.result.Warnings)

	if p, found := e.tryDetachedRelease(ctx, r, baseURL); found {
		payload, ok = p, true
	}

	if p, found := e.tryInlineRelease(ctx, r, baseURL); !ok && found {
		payload, ok = p, true
	}

	if !ok {
		return index.ReleaseFile{}, pomerror.Wrap(pomerror.KindNetwork, "snapshot.phase_a", pomerror.ErrNoReleaseAvailable)
	}

	// One branch succeeded: the other branch's failure is logged, not
	// kept as a snapshot warning.
	for _, w := range r.result.Warnings[warningsBefore:] {
		log(ctx).Infow("phase A: release variant unavailable", "detail", w)
	}

	r.result.Warnings = r.result.Warnings[:warningsBefore]

	rel, err := index.ParseRelease(payload)
	if err != nil {
		return index.ReleaseFile{}, pomerror.Wrap(pomerror.KindFormat, "snapshot.phase_a", err)
	}

	return rel, nil
}

func (e *Engine) tryDetachedRelease(ctx context.Context, r *run, baseURL string) ([]byte, bool) {
	releaseRes, err := fetch.Fetch(ctx, r.fetcher, baseURL+"/Release", r.cfg.MaxReleaseSize, nil)
	if err != nil {
		r.result.warn("Release: %v", err)
		return nil, false
	}

	sigRes, err := fetch.Fetch(ctx, r.fetcher, baseURL+"/Release.gpg", r.cfg.MaxSigSize, nil)
	if err != nil {
		r.result.warn("Release.gpg: %v", err)
		return nil, false
	}

	verified, err := pgpverify.VerifyDetached(releaseRes.Body, sigRes.Body, r.cfg.Trust, r.cfg.Policy)
	if err != nil {
		r.result.warn("Release signature: %v", err)
		return nil, false
	}

	releaseCS := checksum.Of(releaseRes.Body)
	if err := e.addAndLink(ctx, r, releaseRes.Body, releaseCS, r.distsPath("Release")); err != nil {
		r.result.warn("Release: %v", err)
		return nil, false
	}

	sigCS := checksum.Of(sigRes.Body)
	if err := e.addAndLink(ctx, r, sigRes.Body, sigCS, r.distsPath("Release.gpg")); err != nil {
		r.result.warn("Release.gpg: %v", err)
	}

	return verified, true
}

func (e *Engine) tryInlineRelease(ctx context.Context, r *run, baseURL string) ([]byte, bool) {
	inReleaseRes, err := fetch.Fetch(ctx, r.fetcher, baseURL+"/InRelease", r.cfg.MaxReleaseSize, nil)
	if err != nil {
		r.result.warn("InRelease: %v", err)
		return nil, false
	}

	payload, err := pgpverify.VerifyInline(inReleaseRes.Body, r.cfg.Trust, r.cfg.Policy)
	if err != nil {
		r.result.warn("InRelease signature: %v", err)
		return nil, false
	}

	cs := checksum.Of(inReleaseRes.Body)
	if err := e.addAndLink(ctx, r, inReleaseRes.Body, cs, r.distsPath("InRelease")); err != nil {
		r.result.warn("InRelease: %v", err)
		return nil, false
	}

	return payload, true
}

// addAndLink adds data to the pool under cs (unless it already
// contains it) and links it at relPath relative to link_dir, unless
// dryRun suppresses persistence (§4.5).
func (e *Engine) addAndLink(ctx context.Context, r *run, data []byte, cs checksum.Checksum, relPath string) error {
	if r.dryRun {
		r.result.Progress.New++
		r.result.Progress.NewBytes += int64(len(data))

		return nil
	}

	already, err := e.Pool.Contains(cs)
	if err != nil {
		return err
	}

	if !already {
		if err := e.Pool.AddFile(ctx, r.guard, data, cs, false); err != nil {
			return err
		}

		r.result.Progress.New++
		r.result.Progress.NewBytes += int64(len(data))

		if e.Metrics != nil {
			e.Metrics.ObserveProgress(1, int64(len(data)), 0)
		}
	} else {
		r.result.Progress.Reused++

		if e.Metrics != nil {
			e.Metrics.ObserveProgress(0, 0, 1)
		}
	}

	_, err = e.Pool.LinkFile(ctx, r.guard, cs, relPath)

	return err
}

// phaseB selects and acquires indices (§4.5 Phase B).
func (e *Engine) phaseB(ctx context.Context, r *run, rel index.ReleaseFile) (map[string]index.PackagesFile, map[string]index.SourcesFile, error) {
	packagesByComponent := map[string]index.PackagesFile{}
	sourcesByComponent := map[string]index.SourcesFile{}

	basenames := make([]string, 0, len(rel.Entries))
	for basename := range rel.Entries {
		basenames = append(basenames, basename)
	}

	sort.Slice(basenames, func(i, j int) bool {
		ri, rj := compressionRank(basenames[i]), compressionRank(basenames[j])
		if ri != rj {
			return ri < rj
		}

		return basenames[i] < basenames[j]
	})

	for _, basename := range basenames {
		refs := rel.Entries[basename]
		if len(refs) == 0 {
			continue
		}

		for _, ref := range refs {
			if !phaseBIncluded(r.cfg, ref) {
				continue
			}

			if err := e.acquireIndexEntry(ctx, r, rel, ref, packagesByComponent, sourcesByComponent); err != nil {
				if ref.Type.IsPackageIndex() {
					return nil, nil, err
				}

				r.result.warn("%s: %v", ref.RelPath, err)
			}
		}
	}

	return packagesByComponent, sourcesByComponent, nil
}

func (e *Engine) acquireIndexEntry(ctx context.Context, r *run, rel index.ReleaseFile, ref index.FileRef, packagesByComponent map[string]index.PackagesFile, sourcesByComponent map[string]index.SourcesFile) error {
	if !r.cfg.hasComponent(ref.Component) {
		return nil
	}

	bareRelPath := ref.RelPath
	if ref.Compression != index.CompressionNone {
		bareRelPath = strings.TrimSuffix(ref.RelPath, "."+string(ref.Compression))
	}

	if ref.Compression == index.CompressionNone {
		if _, already := r.materialized[bareRelPath]; already {
			return nil // materialized by its compressed sibling already
		}
	}

	if err := e.acquireOneIndexFile(ctx, r, rel, ref, bareRelPath); err != nil {
		return err
	}

	if ref.Type != index.TypePackages && ref.Type != index.TypeSources {
		return nil
	}

	data, ok := r.materialized[bareRelPath]
	if !ok {
		return pomerror.Wrap(pomerror.KindState, "snapshot.phase_b", pomerror.ErrNotFound)
	}

	if ref.Type == index.TypePackages {
		pf, err := index.ParsePackages(data)
		if err != nil {
			return err
		}

		merged := packagesByComponent[ref.Component]
		merged.Entries = append(merged.Entries, pf.Entries...)
		packagesByComponent[ref.Component] = merged

		return nil
	}

	sf, err := index.ParseSources(data)
	if err != nil {
		return err
	}

	merged := sourcesByComponent[ref.Component]
	merged.Entries = append(merged.Entries, sf.Entries...)
	sourcesByComponent[ref.Component] = merged

	return nil
}

// acquireOneIndexFile fetches (or reuses from the pool) ref, and when
// it is compressed, decompresses and materializes the uncompressed
// sibling named by bareRelPath (§4.5 Phase B).
func (e *Engine) acquireOneIndexFile(ctx context.Context, r *run, rel index.ReleaseFile, ref index.FileRef, bareRelPath string) error {
	bareRef, bareOK := findRef(rel, bareRelPath)

	if !r.dryRun {
		if handled, err := e.reuseFromPool(ctx, r, ref, bareRef, bareOK, bareRelPath); handled || err != nil {
			return err
		}
	}

	body, err := e.fetchRefBytes(ctx, r, rel, ref)
	if err != nil {
		return err
	}

	r.result.DryRunIndexBytes += int64(len(body))

	if err := e.addAndLink(ctx, r, body, ref.Checksums, r.distsPath(ref.RelPath)); err != nil {
		return err
	}

	decompressed := body

	if ref.Compression != index.CompressionNone {
		decompressed, err = index.Decompress(body, ref.Compression)
		if err != nil {
			return err
		}

		bareCS := checksum.Of(decompressed)
		if bareOK && !bareRef.Checksums.Empty() {
			bareCS = bareRef.Checksums
		}

		if err := e.addAndLink(ctx, r, decompressed, bareCS, r.distsPath(bareRelPath)); err != nil {
			return err
		}
	}

	r.materialized[bareRelPath] = decompressed

	return nil
}

// reuseFromPool handles the "pool already contains both the
// compressed and uncompressed checksums" fast path (§4.5 Phase B): no
// network fetch, only re-linking (and, if Verify, re-hashing).
func (e *Engine) reuseFromPool(ctx context.Context, r *run, ref index.FileRef, bareRef index.FileRef, bareOK bool, bareRelPath string) (bool, error) {
	haveCompressed, err := e.Pool.Contains(ref.Checksums)
	if err != nil || !haveCompressed {
		return false, nil
	}

	haveBare := true

	if bareOK {
		haveBare, err = e.Pool.Contains(bareRef.Checksums)
		if err != nil {
			return false, nil
		}
	}

	if !haveBare {
		return false, nil
	}

	compressedBytes, err := e.Pool.GetContents(ref.Checksums, r.cfg.Verify)
	if err != nil {
		return false, err
	}

	if _, err := e.Pool.LinkFile(ctx, r.guard, ref.Checksums, r.distsPath(ref.RelPath)); err != nil {
		return false, err
	}

	r.result.Progress.Reused++

	if bareOK {
		bareBytes, err := e.Pool.GetContents(bareRef.Checksums, r.cfg.Verify)
		if err != nil {
			return false, err
		}

		r.materialized[bareRelPath] = bareBytes

		if _, err := e.Pool.LinkFile(ctx, r.guard, bareRef.Checksums, r.distsPath(bareRelPath)); err != nil {
			return false, err
		}

		r.result.Progress.Reused++
	} else {
		decompressed, err := index.Decompress(compressedBytes, ref.Compression)
		if err != nil {
			return false, err
		}

		r.materialized[bareRelPath] = decompressed

		if err := e.addAndLink(ctx, r, decompressed, checksum.Of(decompressed), r.distsPath(bareRelPath)); err != nil {
			return false, err
		}
	}

	return true, nil
}

func (e *Engine) fetchRefBytes(ctx context.Context, r *run, rel index.ReleaseFile, ref index.FileRef) ([]byte, error) {
	dir := path.Dir(ref.RelPath)
	baseURL := fmt.Sprintf("%s/dists/%s", strings.TrimRight(r.cfg.BaseURL, "/"), r.cfg.Suite)

	cs := ref.Checksums

	if rel.AcquireByHash {
		for _, algo := range []checksum.Algo{checksum.SHA512, checksum.SHA256} {
			hexDigest, ok := cs.Hex(algo)
			if !ok {
				continue
			}

			url := fmt.Sprintf("%s/%s/by-hash/%s/%s", baseURL, dir, strings.ToUpper(string(algo)), hexDigest)

			res, err := fetch.Fetch(ctx, r.fetcher, url, ref.Size+1024, &cs)
			if err == nil {
				return res.Body, nil
			}
		}
	}

	url := fmt.Sprintf("%s/%s", baseURL, ref.RelPath)

	res, err := fetch.Fetch(ctx, r.fetcher, url, ref.Size+1024, &cs)
	if err != nil {
		return nil, err
	}

	return res.Body, nil
}

func findRef(rel index.ReleaseFile, relPath string) (index.FileRef, bool) {
	basename := path.Base(relPath)

	for _, ref := range rel.Entries[basename] {
		if ref.RelPath == relPath {
			return ref, true
		}
	}

	return index.FileRef{}, false
}

func compressionRank(basename string) int {
	if strings.HasSuffix(basename, ".gz") || strings.HasSuffix(basename, ".bz2") || strings.HasSuffix(basename, ".xz") || strings.HasSuffix(basename, ".lzma") {
		return 0
	}

	return 1
}

func phaseBIncluded(cfg MirrorConfig, ref index.FileRef) bool {
	switch ref.Type {
	case index.TypeIgnored, index.TypePDiff:
		return false
	case index.TypeSources:
		return cfg.hasRepoType(RepoTypeDebSrc)
	}

	if ref.Arch != "" && (ref.Type == index.TypePackages || ref.Type == index.TypeContents || ref.Type == index.TypeContentsUdeb) {
		return cfg.hasRepoType(RepoTypeDeb) && cfg.hasArch(ref.Arch)
	}

	return true
}

// phaseC acquires package and source payloads (§4.5 Phase C).
func (e *Engine) phaseC(ctx context.Context, r *run, packagesByComponent map[string]index.PackagesFile, sourcesByComponent map[string]index.SourcesFile) error {
	components := sortedKeys(packagesByComponent)

	for _, component := range components {
		for _, entry := range packagesByComponent[component].Entries {
			if r.cfg.Skip.matchesSection(component, entry.Section) || skipByName(r.cfg, entry.Package) {
				r.result.SkipCount++
				r.result.SkipBytes += entry.Size

				continue
			}

			if r.dryRun {
				r.result.DryRunPackageCount++
				r.result.DryRunPackageBytes += entry.Size

				continue
			}

			if err := e.acquirePayload(ctx, r, entry.File, entry.Size, entry.Checksums); err != nil {
				if r.cfg.IgnoreErrors {
					r.result.warn("%s: %v", entry.File, err)
					continue
				}

				return err
			}
		}
	}

	srcComponents := sortedKeys(sourcesByComponent)

	for _, component := range srcComponents {
		for _, entry := range sourcesByComponent[component].Entries {
			skip := r.cfg.Skip.matchesSection(component, entry.Section) || skipByName(r.cfg, entry.Package)

			for name, f := range entry.Files {
				relPath := path.Join(entry.Directory, name)

				if skip {
					r.result.SkipCount++
					r.result.SkipBytes += f.Size

					continue
				}

				if r.dryRun {
					r.result.DryRunPackageCount++
					r.result.DryRunPackageBytes += f.Size

					continue
				}

				if err := e.acquirePayload(ctx, r, relPath, f.Size, f.Checksums); err != nil {
					if r.cfg.IgnoreErrors {
						r.result.warn("%s: %v", relPath, err)
						continue
					}

					return err
				}
			}
		}
	}

	return nil
}

func (e *Engine) acquirePayload(ctx context.Context, r *run, relPath string, size int64, cs checksum.Checksum) error {
	already, err := e.Pool.Contains(cs)
	if err != nil {
		return err
	}

	if already {
		if r.cfg.Verify {
			if _, err := e.Pool.GetContents(cs, true); err != nil {
				return err
			}
		}

		_, err := e.Pool.LinkFile(ctx, r.guard, cs, path.Join(r.tmpRoot, relPath))
		if err == nil {
			r.result.Progress.Reused++
		}

		return err
	}

	url := fmt.Sprintf("%s/%s", strings.TrimRight(r.cfg.BaseURL, "/"), relPath)

	res, err := fetch.Fetch(ctx, r.fetcher, url, size+1024, &cs)
	if err != nil {
		return err
	}

	return e.addAndLink(ctx, r, res.Body, cs, path.Join(r.tmpRoot, relPath))
}

func skipByName(cfg MirrorConfig, name string) bool {
	globs, err := cfg.Skip.compilePackages()
	if err != nil {
		return false
	}

	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}

	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
