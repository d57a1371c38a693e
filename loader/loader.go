// Package loader drives the remote-update flow: fetch the manifest, decide
// via the loader selection policy whether it is worth persisting, download
// every asset with bounded concurrency, verify content hashes and hand the
// results to the store. Transient network failures are retried here with
// exponential backoff; the downloader itself stays a single-attempt primitive.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/updraft-io/updraft/config"
	"github.com/updraft-io/updraft/downloader"
	"github.com/updraft-io/updraft/manifest"
	"github.com/updraft-io/updraft/selection"
	"github.com/updraft-io/updraft/status"
	"github.com/updraft-io/updraft/store"
	"github.com/updraft-io/updraft/update"
)

// AssetsDirName is the flat on-disk directory keyed by content hash, relative to the data dir
const AssetsDirName = "assets"

// Loader loads remote updates into the store
type Loader struct {
	cfg        *config.Config
	store      store.Store
	downloader *downloader.Downloader
	policy     selection.LoaderSelectionPolicy
}

// New creates a Loader
func New(cfg *config.Config, st store.Store, dl *downloader.Downloader, policy selection.LoaderSelectionPolicy) *Loader {
	return &Loader{
		cfg:        cfg,
		store:      st,
		downloader: dl,
		policy:     policy,
	}
}

// AssetsDir returns the absolute asset directory for the configured data dir
func AssetsDir(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, AssetsDirName)
}

// LoadRemoteUpdate fetches the current manifest and, if the selection policy
// approves, downloads and persists the update. It returns the stored update
// and whether anything new was loaded. Permanent failures mark the update
// Failed in the store and are not retried for that update id.
func (l *Loader) LoadRemoteUpdate(ctx context.Context, launched *update.Update) (*update.Update, bool, error) {
	var m *manifest.Manifest
	err := l.withRetry(ctx, func() error {
		parsed, err := l.downloader.DownloadManifest(ctx, l.cfg.UpdateURL.String(), nil)
		if err != nil {
			return err
		}
		m = parsed
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("download manifest: %w", err)
	}

	upd, assets := m.ToUpdate(l.cfg.ScopeKey, l.cfg.ManifestFilters)

	if stored, err := l.store.GetUpdate(ctx, upd.ID); err == nil {
		log.Debugf("update %s already stored with status %s, skipping load", upd.ID, stored.Status)
		return stored, false, nil
	}

	if !l.policy.ShouldLoadNewUpdate(upd, launched, l.cfg.ManifestFilters) {
		log.Debugf("selection policy rejected update %s, skipping load", upd.ID)
		return nil, false, nil
	}

	if err := l.store.AddUpdate(ctx, upd); err != nil {
		return nil, false, err
	}

	if err := l.loadAssets(ctx, upd, assets); err != nil {
		if serr := l.store.UpdateStatus(ctx, upd.ID, update.StatusFailed); serr != nil {
			log.Errorf("failed to mark update %s failed: %v", upd.ID, serr)
		}
		return nil, false, fmt.Errorf("load assets of update %s: %w", upd.ID, err)
	}

	if err := l.store.UpdateStatus(ctx, upd.ID, update.StatusReady); err != nil {
		return nil, false, err
	}
	upd.Status = update.StatusReady

	log.Infof("loaded update %s (commit time %s) with %d assets", upd.ID, upd.CommitTime, len(assets))
	return upd, true, nil
}

// loadAssets downloads all assets concurrently, bounded by the config's
// download limit. Completion order between assets is deliberately unordered.
func (l *Loader) loadAssets(ctx context.Context, upd *update.Update, assets []update.Asset) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.MaxConcurrentDownloads)

	for i := range assets {
		asset := assets[i]
		g.Go(func() error {
			return l.loadAsset(gctx, upd, &asset)
		})
	}

	return g.Wait()
}

// loadAsset streams one asset to disk and verifies it without buffering the
// payload in memory. The bytes land under a throwaway name first and are
// renamed to their content-addressed path only after the digest checks out.
func (l *Loader) loadAsset(ctx context.Context, upd *update.Update, asset *update.Asset) error {
	// content already on disk for another update: link, do not download again
	if existing, err := l.store.AssetByContentHash(ctx, asset.HashAtomic); err == nil {
		log.Debugf("asset %s already stored at %s, linking", asset.Key, existing.RelativePath)
		asset.HashContent = asset.HashAtomic
		return l.store.AddAsset(ctx, asset, upd.ID)
	}

	dir := AssetsDir(l.cfg)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create assets dir %s: %w", dir, err)
	}

	incoming := filepath.Join(dir, ".incoming-"+uuid.New().String())
	defer func() {
		if _, serr := os.Stat(incoming); serr == nil {
			if rerr := os.Remove(incoming); rerr != nil {
				log.Warnf("failed to remove incoming file %s: %v", incoming, rerr)
			}
		}
	}()

	err := l.withRetry(ctx, func() error {
		return l.downloader.DownloadToFile(ctx, asset.URL, asset.Headers, incoming)
	})
	if err != nil {
		return fmt.Errorf("download asset %s: %w", asset.Key, err)
	}

	actual, err := hashFile(incoming)
	if err != nil {
		return fmt.Errorf("hash asset %s: %w", asset.Key, err)
	}
	if actual != asset.HashAtomic {
		return &downloader.ChecksumMismatchError{Expected: asset.HashAtomic, Actual: actual}
	}

	asset.HashContent = actual
	asset.RelativePath = actual
	asset.DownloadTime = time.Now()

	if err := os.Rename(incoming, filepath.Join(dir, asset.RelativePath)); err != nil {
		return fmt.Errorf("move asset %s into place: %w", asset.Key, err)
	}

	return l.store.AddAsset(ctx, asset, upd.ID)
}

// hashFile computes the sha256 hex digest of a file without loading it whole
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			log.Warnf("failed to close file %s: %v", path, cerr)
		}
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// withRetry retries transient download failures with exponential backoff up to
// the configured attempt budget; permanent failures abort immediately.
func (l *Loader) withRetry(ctx context.Context, operation func() error) error {
	expBackoff := backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, ctx)

	attempts := uint64(1)
	if l.cfg.MaxDownloadAttempts > 1 {
		attempts = uint64(l.cfg.MaxDownloadAttempts)
	}

	return backoff.Retry(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if !downloader.IsTransient(err) {
			return backoff.Permanent(err)
		}
		log.Warnf("transient download failure, will retry: %v", err)
		return err
	}, backoff.WithMaxRetries(expBackoff, attempts-1))
}

// IsPermanentFailure reports whether the load error rules the update out for
// good: invalid manifests and checksum mismatches arrive corrected only under
// a new update id.
func IsPermanentFailure(err error) bool {
	var invalidManifest *downloader.InvalidManifestError
	var checksum *downloader.ChecksumMismatchError
	if errors.As(err, &invalidManifest) || errors.As(err, &checksum) {
		return true
	}
	if serr, ok := status.FromError(err); ok && serr != nil {
		return serr.Type() == status.InvalidTransition || serr.Type() == status.AlreadyExists
	}
	return false
}
