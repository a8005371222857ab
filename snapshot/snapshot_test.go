package snapshot_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	gzip "github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/proxmox/proxmox-offline-mirror/fetch"
	"github.com/proxmox/proxmox-offline-mirror/internal/pooltesting"
	"github.com/proxmox/proxmox-offline-mirror/pgpverify"
	"github.com/proxmox/proxmox-offline-mirror/snapshot"
)

func hexSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	return buf.Bytes()
}

func TestCreateSnapshotDebOnlyEndToEnd(t *testing.T) {
	entity, err := openpgp.NewEntity("Repo Signer", "", "signer@example.com", nil)
	require.NoError(t, err)

	debContent := []byte("DEBDATA-PAYLOAD")
	debSHA256 := hexSHA256(debContent)

	packagesPlain := []byte(fmt.Sprintf(
		"Package: hello\nSection: main\nFilename: pool/main/h/hello/hello_1.0_amd64.deb\nSize: %d\nSHA256: %s\n\n",
		len(debContent), debSHA256,
	))
	packagesGz := gzipBytes(t, packagesPlain)

	release := []byte(fmt.Sprintf(
		"Suite: bookworm\nCodename: bookworm\nComponents: main\nArchitectures: amd64\nSHA256:\n %s %d main/binary-amd64/Packages.gz\n %s %d main/binary-amd64/Packages\n",
		hexSHA256(packagesGz), len(packagesGz),
		hexSHA256(packagesPlain), len(packagesPlain),
	))

	var sigBuf bytes.Buffer
	require.NoError(t, openpgp.ArmoredDetachSign(&sigBuf, entity, bytes.NewReader(release), nil))

	var pubBuf bytes.Buffer
	w, err := armor.Encode(&pubBuf, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.Serialize(w))
	require.NoError(t, w.Close())

	trust, err := pgpverify.ParseTrustMaterial(pubBuf.Bytes())
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/dists/bookworm/Release", func(w http.ResponseWriter, r *http.Request) { w.Write(release) })
	mux.HandleFunc("/dists/bookworm/Release.gpg", func(w http.ResponseWriter, r *http.Request) { w.Write(sigBuf.Bytes()) })
	mux.HandleFunc("/dists/bookworm/InRelease", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })
	mux.HandleFunc("/dists/bookworm/main/binary-amd64/Packages.gz", func(w http.ResponseWriter, r *http.Request) { w.Write(packagesGz) })
	mux.HandleFunc("/pool/main/h/hello/hello_1.0_amd64.deb", func(w http.ResponseWriter, r *http.Request) { w.Write(debContent) })

	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := pooltesting.NewPool(t, "mirror")
	ctx := context.Background()

	guard, err := p.Lock(ctx)
	require.NoError(t, err)
	defer guard.Unlock()

	cfg := snapshot.MirrorConfig{
		ID:            "debian",
		BaseURL:       srv.URL,
		Suite:         "bookworm",
		Components:    []string{"main"},
		Architectures: []string{"amd64"},
		RepoTypes:     []snapshot.RepoType{snapshot.RepoTypeDeb},
		Trust:         trust,
		UserAgent:     "pom-mirror-test/1.0",
	}

	engine := &snapshot.Engine{Fetcher: fetch.Config{}, Pool: p}

	result, err := engine.CreateSnapshot(ctx, guard, cfg, "2024-01-01T00:00:00Z", nil, false)
	require.NoError(t, err)
	require.Empty(t, result.Warnings)
	require.GreaterOrEqual(t, result.Progress.New, 4)

	snapshotDir := filepath.Join(p.LinkDir(), "2024-01-01T00:00:00Z")

	_, err = os.Stat(filepath.Join(snapshotDir, "dists", "bookworm", "Release"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(snapshotDir, "dists", "bookworm", "main", "binary-amd64", "Packages"))
	require.NoError(t, err)

	gotDeb, err := os.ReadFile(filepath.Join(snapshotDir, "pool", "main", "h", "hello", "hello_1.0_amd64.deb"))
	require.NoError(t, err)
	require.Equal(t, debContent, gotDeb)
}

func TestCreateSnapshotSecondRunReusesEverything(t *testing.T) {
	entity, err := openpgp.NewEntity("Repo Signer", "", "signer@example.com", nil)
	require.NoError(t, err)

	debContent := []byte("DEBDATA-PAYLOAD-2")
	debSHA256 := hexSHA256(debContent)

	packagesPlain := []byte(fmt.Sprintf(
		"Package: hello\nSection: main\nFilename: pool/main/h/hello/hello_2.0_amd64.deb\nSize: %d\nSHA256: %s\n\n",
		len(debContent), debSHA256,
	))
	packagesGz := gzipBytes(t, packagesPlain)

	release := []byte(fmt.Sprintf(
		"Suite: bookworm\nCodename: bookworm\nComponents: main\nArchitectures: amd64\nSHA256:\n %s %d main/binary-amd64/Packages.gz\n %s %d main/binary-amd64/Packages\n",
		hexSHA256(packagesGz), len(packagesGz),
		hexSHA256(packagesPlain), len(packagesPlain),
	))

	var sigBuf bytes.Buffer
	require.NoError(t, openpgp.ArmoredDetachSign(&sigBuf, entity, bytes.NewReader(release), nil))

	var pubBuf bytes.Buffer
	w, err := armor.Encode(&pubBuf, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.Serialize(w))
	require.NoError(t, w.Close())

	trust, err := pgpverify.ParseTrustMaterial(pubBuf.Bytes())
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/dists/bookworm/Release", func(w http.ResponseWriter, r *http.Request) { w.Write(release) })
	mux.HandleFunc("/dists/bookworm/Release.gpg", func(w http.ResponseWriter, r *http.Request) { w.Write(sigBuf.Bytes()) })
	mux.HandleFunc("/dists/bookworm/InRelease", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })
	mux.HandleFunc("/dists/bookworm/main/binary-amd64/Packages.gz", func(w http.ResponseWriter, r *http.Request) { w.Write(packagesGz) })
	mux.HandleFunc("/pool/main/h/hello/hello_2.0_amd64.deb", func(w http.ResponseWriter, r *http.Request) { w.Write(debContent) })

	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := pooltesting.NewPool(t, "mirror")
	ctx := context.Background()

	guard, err := p.Lock(ctx)
	require.NoError(t, err)
	defer guard.Unlock()

	cfg := snapshot.MirrorConfig{
		ID:            "debian",
		BaseURL:       srv.URL,
		Suite:         "bookworm",
		Components:    []string{"main"},
		Architectures: []string{"amd64"},
		RepoTypes:     []snapshot.RepoType{snapshot.RepoTypeDeb},
		Trust:         trust,
	}

	engine := &snapshot.Engine{Fetcher: fetch.Config{}, Pool: p}

	_, err = engine.CreateSnapshot(ctx, guard, cfg, "2024-01-01T00:00:00Z", nil, false)
	require.NoError(t, err)

	result2, err := engine.CreateSnapshot(ctx, guard, cfg, "2024-01-02T00:00:00Z", nil, false)
	require.NoError(t, err)
	require.Equal(t, 0, result2.Progress.New)
	require.Equal(t, int64(0), result2.Progress.NewBytes)
	require.Greater(t, result2.Progress.Reused, 0)
}

// TestCreateSnapshotFiltersArchDespiteSharedBasename reproduces §4.5/§8
// scenario 1 with two architectures whose index files share a literal
// basename ("Packages.gz" under both binary-amd64/ and binary-i386/):
// only the configured architecture may be fetched.
func TestCreateSnapshotFiltersArchDespiteSharedBasename(t *testing.T) {
	entity, err := openpgp.NewEntity("Repo Signer", "", "signer@example.com", nil)
	require.NoError(t, err)

	amd64Content := []byte("Package: hello\nSection: main\nFilename: pool/main/h/hello/hello_1.0_amd64.deb\nSize: 1\nSHA256: " + hexSHA256([]byte("x")) + "\n\n")
	amd64Gz := gzipBytes(t, amd64Content)

	i386Content := []byte("Package: hello\nSection: main\nFilename: pool/main/h/hello/hello_1.0_i386.deb\nSize: 1\nSHA256: " + hexSHA256([]byte("y")) + "\n\n")
	i386Gz := gzipBytes(t, i386Content)

	release := []byte(fmt.Sprintf(
		"Suite: bookworm\nCodename: bookworm\nComponents: main\nArchitectures: amd64 i386\nSHA256:\n %s %d main/binary-amd64/Packages.gz\n %s %d main/binary-i386/Packages.gz\n",
		hexSHA256(amd64Gz), len(amd64Gz),
		hexSHA256(i386Gz), len(i386Gz),
	))

	var sigBuf bytes.Buffer
	require.NoError(t, openpgp.ArmoredDetachSign(&sigBuf, entity, bytes.NewReader(release), nil))

	var pubBuf bytes.Buffer
	w, err := armor.Encode(&pubBuf, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.Serialize(w))
	require.NoError(t, w.Close())

	trust, err := pgpverify.ParseTrustMaterial(pubBuf.Bytes())
	require.NoError(t, err)

	var i386Fetched bool

	mux := http.NewServeMux()
	mux.HandleFunc("/dists/bookworm/Release", func(w http.ResponseWriter, r *http.Request) { w.Write(release) })
	mux.HandleFunc("/dists/bookworm/Release.gpg", func(w http.ResponseWriter, r *http.Request) { w.Write(sigBuf.Bytes()) })
	mux.HandleFunc("/dists/bookworm/InRelease", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })
	mux.HandleFunc("/dists/bookworm/main/binary-amd64/Packages.gz", func(w http.ResponseWriter, r *http.Request) { w.Write(amd64Gz) })
	mux.HandleFunc("/dists/bookworm/main/binary-i386/Packages.gz", func(w http.ResponseWriter, r *http.Request) {
		i386Fetched = true
		w.Write(i386Gz)
	})
	mux.HandleFunc("/pool/main/h/hello/hello_1.0_amd64.deb", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("x")) })

	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := pooltesting.NewPool(t, "mirror")
	ctx := context.Background()

	guard, err := p.Lock(ctx)
	require.NoError(t, err)
	defer guard.Unlock()

	cfg := snapshot.MirrorConfig{
		ID:            "debian",
		BaseURL:       srv.URL,
		Suite:         "bookworm",
		Components:    []string{"main"},
		Architectures: []string{"amd64"},
		RepoTypes:     []snapshot.RepoType{snapshot.RepoTypeDeb},
		Trust:         trust,
		UserAgent:     "pom-mirror-test/1.0",
	}

	engine := &snapshot.Engine{Fetcher: fetch.Config{}, Pool: p}

	result, err := engine.CreateSnapshot(ctx, guard, cfg, "2024-01-01T00:00:00Z", nil, false)
	require.NoError(t, err)
	require.Empty(t, result.Warnings)
	require.False(t, i386Fetched, "excluded architecture must never be fetched")

	snapshotDir := filepath.Join(p.LinkDir(), "2024-01-01T00:00:00Z")

	_, err = os.Stat(filepath.Join(snapshotDir, "dists", "bookworm", "main", "binary-amd64", "Packages.gz"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(snapshotDir, "dists", "bookworm", "main", "binary-i386", "Packages.gz"))
	require.True(t, os.IsNotExist(err))
}
