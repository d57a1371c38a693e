// Package downloader fetches manifests and asset bytes over HTTP. It is a
// single-attempt primitive: retry and backoff policy belongs to the caller so
// it stays configurable without duplicating HTTP logic.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/updraft-io/updraft/config"
	"github.com/updraft-io/updraft/manifest"
	"github.com/updraft-io/updraft/version"
)

const maxManifestSize = 8 << 20 // 8 MiB

// Downloader issues HTTP requests against the update server. It is safe for
// concurrent use; the only shared state is the underlying connection pool.
type Downloader struct {
	client         *http.Client
	requestHeaders map[string]string
}

// New creates a Downloader applying the config's per-call timeout and request headers
func New(cfg *config.Config) *Downloader {
	return &Downloader{
		client:         &http.Client{Timeout: cfg.DownloadTimeout},
		requestHeaders: cfg.RequestHeaders,
	}
}

// DownloadManifest fetches and parses an update manifest. It requires a 2xx
// response with a JSON content type and returns a typed error otherwise.
func (d *Downloader) DownloadManifest(ctx context.Context, url string, headers map[string]string) (*manifest.Manifest, error) {
	resp, err := d.get(ctx, url, headers)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "json") {
		return nil, &InvalidManifestError{Err: fmt.Errorf("unrecognized content type %q", contentType)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, &NetworkError{Err: fmt.Errorf("read manifest body: %w", err)}
	}

	m, err := manifest.Parse(body)
	if err != nil {
		return nil, &InvalidManifestError{Err: err}
	}

	log.Debugf("downloaded manifest %s from %s", m.ID, url)
	return m, nil
}

// DownloadAsset fetches raw asset bytes. The caller is responsible for hashing
// and handing the bytes to the store.
func (d *Downloader) DownloadAsset(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	resp, err := d.get(ctx, url, headers)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: fmt.Errorf("read asset body: %w", err)}
	}

	return data, nil
}

// DownloadToFile streams the response body to dstFile without buffering the
// whole payload in memory. Bytes go to a temp file first and are renamed into
// place only on success, so cancellation never leaves a partial file at the
// final path.
func (d *Downloader) DownloadToFile(ctx context.Context, url string, headers map[string]string, dstFile string) error {
	resp, err := d.get(ctx, url, headers)
	if err != nil {
		return err
	}
	defer closeBody(resp)

	dir := filepath.Dir(dstFile)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	tempFile, err := os.CreateTemp(dir, ".*"+filepath.Base(dstFile))
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempName := tempFile.Name()
	defer func() {
		if _, serr := os.Stat(tempName); serr == nil {
			if rerr := os.Remove(tempName); rerr != nil {
				log.Warnf("failed to remove temp file %s: %v", tempName, rerr)
			}
		}
	}()

	if _, err = io.Copy(tempFile, resp.Body); err != nil {
		_ = tempFile.Close()
		return &NetworkError{Err: fmt.Errorf("write response body: %w", err)}
	}

	if err = tempFile.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tempName, err)
	}

	if err = os.Rename(tempName, dstFile); err != nil {
		return fmt.Errorf("move %s to %s: %w", tempName, dstFile, err)
	}

	log.Debugf("downloaded %s to %s", url, dstFile)
	return nil
}

func (d *Downloader) get(ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}

	req.Header.Set("User-Agent", version.UserAgent())
	for key, value := range d.requestHeaders {
		req.Header.Set(key, value)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkError{Err: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		closeBody(resp)
		return nil, &ServerError{StatusCode: resp.StatusCode}
	}

	return resp, nil
}

func closeBody(resp *http.Response) {
	if cerr := resp.Body.Close(); cerr != nil {
		log.Warnf("error closing response body: %v", cerr)
	}
}
