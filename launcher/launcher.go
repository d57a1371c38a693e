// Package launcher picks the update to run and assembles its launch handle.
// The embedded update bundled at build time is the fallback of last resort:
// as long as it exists, Launch cannot fail.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/updraft-io/updraft/config"
	"github.com/updraft-io/updraft/loader"
	"github.com/updraft-io/updraft/manifest"
	"github.com/updraft-io/updraft/selection"
	"github.com/updraft-io/updraft/store"
	"github.com/updraft-io/updraft/update"
	"github.com/updraft-io/updraft/util"
)

// ErrNoLaunchableUpdate means not even the embedded update is available. This
// is a fatal packaging error surfaced to the host, not recovered here.
var ErrNoLaunchableUpdate = errors.New("no launchable update and no embedded update available")

// LaunchedUpdate is the ready-to-run bundle handle passed to the hosting runtime
type LaunchedUpdate struct {
	Update *update.Update
	// LaunchAssetPath is the absolute path of the bundle entry point
	LaunchAssetPath string
	// AssetPaths maps logical asset names to absolute paths
	AssetPaths map[string]string
	// IsEmbedded marks the build-time fallback bundle
	IsEmbedded bool
}

// Launcher orchestrates store and selection policy to activate an update
type Launcher struct {
	cfg    *config.Config
	store  store.Store
	policy selection.LauncherSelectionPolicy
}

// New creates a Launcher
func New(cfg *config.Config, st store.Store, policy selection.LauncherSelectionPolicy) *Launcher {
	return &Launcher{cfg: cfg, store: st, policy: policy}
}

// Launch queries the ready updates, delegates the pick to the selection
// policy, resolves the launch asset and asset map and verifies the launch
// asset exists on disk. An update whose launch asset went missing is marked
// Failed and the selection is retried without it. With no stored candidate
// left the embedded update is launched.
func (l *Launcher) Launch(ctx context.Context) (*LaunchedUpdate, error) {
	excluded := map[uuid.UUID]bool{}

	for {
		candidates, err := l.store.LaunchableUpdates(ctx, l.cfg.ScopeKey, l.cfg.ManifestFilters)
		if err != nil {
			return nil, err
		}

		eligible := candidates[:0]
		for _, c := range candidates {
			if !excluded[c.ID] {
				eligible = append(eligible, c)
			}
		}

		picked := l.policy.LaunchableUpdate(eligible, l.cfg.ManifestFilters)
		if picked == nil {
			return l.launchEmbedded()
		}

		launched, err := l.resolve(ctx, picked)
		if err == nil {
			return launched, nil
		}
		if !errors.Is(err, errLaunchAssetMissing) {
			return nil, err
		}

		log.Warnf("launch asset of update %s missing on disk, marking failed and retrying selection", picked.ID)
		if serr := l.store.UpdateStatus(ctx, picked.ID, update.StatusFailed); serr != nil {
			log.Errorf("failed to mark update %s failed: %v", picked.ID, serr)
		}
		if serr := l.store.IncrementFailedLaunchCount(ctx, picked.ID); serr != nil {
			log.Errorf("failed to record failed launch of update %s: %v", picked.ID, serr)
		}
		excluded[picked.ID] = true
	}
}

var errLaunchAssetMissing = errors.New("launch asset missing on disk")

func (l *Launcher) resolve(ctx context.Context, picked *update.Update) (*LaunchedUpdate, error) {
	assets, err := l.store.AssetsForUpdate(ctx, picked.ID)
	if err != nil {
		return nil, err
	}

	assetsDir := loader.AssetsDir(l.cfg)
	assetPaths := make(map[string]string, len(assets))
	launchAssetPath := ""
	for _, asset := range assets {
		absPath := filepath.Join(assetsDir, asset.RelativePath)
		assetPaths[asset.Key] = absPath
		if asset.IsLaunchAsset {
			launchAssetPath = absPath
		}
	}

	if launchAssetPath == "" || !util.FileExists(launchAssetPath) {
		return nil, errLaunchAssetMissing
	}

	if err := l.store.MarkUpdateAccessed(ctx, picked.ID); err != nil {
		log.Warnf("failed to mark update %s accessed: %v", picked.ID, err)
	}
	if err := l.store.IncrementSuccessfulLaunchCount(ctx, picked.ID); err != nil {
		log.Warnf("failed to record successful launch of update %s: %v", picked.ID, err)
	}

	log.Infof("launching update %s from %s", picked.ID, launchAssetPath)
	return &LaunchedUpdate{
		Update:          picked,
		LaunchAssetPath: launchAssetPath,
		AssetPaths:      assetPaths,
	}, nil
}

// launchEmbedded builds the launch handle from the build-time bundle directory
func (l *Launcher) launchEmbedded() (*LaunchedUpdate, error) {
	embedded, err := l.EmbeddedUpdate()
	if err != nil {
		return nil, err
	}
	log.Infof("no stored update launchable, falling back to embedded update %s", embedded.Update.ID)
	return embedded, nil
}

// EmbeddedUpdate reads and resolves the embedded bundle without touching the
// store. Assets live next to manifest.json, named by their logical key.
func (l *Launcher) EmbeddedUpdate() (*LaunchedUpdate, error) {
	if !l.cfg.HasEmbeddedUpdate {
		return nil, ErrNoLaunchableUpdate
	}

	manifestPath := filepath.Join(l.cfg.EmbeddedDir, "manifest.json")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read embedded manifest: %v", ErrNoLaunchableUpdate, err)
	}

	m, err := manifest.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: parse embedded manifest: %v", ErrNoLaunchableUpdate, err)
	}

	upd, assets := m.ToUpdate(l.cfg.ScopeKey, l.cfg.ManifestFilters)
	upd.Status = update.StatusReady

	assetPaths := make(map[string]string, len(assets))
	launchAssetPath := ""
	for _, asset := range assets {
		absPath := filepath.Join(l.cfg.EmbeddedDir, asset.Key)
		assetPaths[asset.Key] = absPath
		if asset.IsLaunchAsset {
			launchAssetPath = absPath
		}
	}

	if launchAssetPath == "" || !util.FileExists(launchAssetPath) {
		return nil, fmt.Errorf("%w: embedded launch asset missing", ErrNoLaunchableUpdate)
	}

	return &LaunchedUpdate{
		Update:          upd,
		LaunchAssetPath: launchAssetPath,
		AssetPaths:      assetPaths,
		IsEmbedded:      true,
	}, nil
}
