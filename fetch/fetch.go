// Package fetch implements the Fetcher (C4): single HTTP GETs with
// optional authentication and size/checksum gating. It is grounded on
// blob/webdav.go's http.Client wiring (request construction, status
// handling, User-Agent header) adapted from WebDAV blob storage to a
// plain read-only GET leaf.
package fetch

import (
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/proxmox/proxmox-offline-mirror/checksum"
	"github.com/proxmox/proxmox-offline-mirror/pomerror"
)

// Config is the Fetcher's configuration surface (§4.4).
type Config struct {
	UserAgent string
	Auth      string // inserted as-is into the Authorization header
	Client    *http.Client
}

func (c Config) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}

	return http.DefaultClient
}

// Result carries the fetched body plus the wire byte count, which may
// differ from len(Body) only in bookkeeping intent (callers use it to
// drive progress, §4.4).
type Result struct {
	Body        []byte
	FetchedBytes int64
}

// Fetch issues a single GET against url, capping the response body at
// maxSize bytes and optionally validating it against cs.
func Fetch(ctx context.Context, cfg Config, url string, maxSize int64, cs *checksum.Checksum) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, pomerror.Wrap(pomerror.KindNetwork, "fetch.fetch", err)
	}

	if cfg.UserAgent != "" {
		req.Header.Set("User-Agent", cfg.UserAgent)
	}

	if cfg.Auth != "" {
		req.Header.Set("Authorization", cfg.Auth)
	}

	resp, err := cfg.httpClient().Do(req)
	if err != nil {
		return Result{}, pomerror.Wrap(pomerror.KindNetwork, "fetch.fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, pomerror.Wrap(pomerror.KindNetwork, "fetch.fetch", httpStatusError(resp.StatusCode))
	}

	limited := io.LimitReader(resp.Body, maxSize+1)

	body, err := io.ReadAll(limited)
	if err != nil {
		return Result{}, pomerror.Wrap(pomerror.KindNetwork, "fetch.fetch", err)
	}

	if int64(len(body)) > maxSize {
		return Result{}, pomerror.Wrap(pomerror.KindNetwork, "fetch.fetch", pomerror.ErrResponseTooLarge)
	}

	if cs != nil {
		if err := checksum.Verify(body, *cs); err != nil {
			return Result{}, pomerror.Wrap(pomerror.KindIntegrity, "fetch.fetch", err)
		}
	}

	return Result{Body: body, FetchedBytes: int64(len(body))}, nil
}

func httpStatusError(code int) error {
	return errors.Wrapf(pomerror.ErrHTTPStatus, "%d %s", code, http.StatusText(code))
}
