// Package reaper garbage-collects updates and assets nothing references
// anymore. Deletion is two-phase: rows are marked first in fast transactions,
// files are unlinked, then rows are dropped. The sweep is safe to interrupt at
// any point, a later pass re-discovers marked-but-not-yet-unlinked assets and
// finishes the job.
package reaper

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/updraft-io/updraft/config"
	"github.com/updraft-io/updraft/loader"
	"github.com/updraft-io/updraft/selection"
	"github.com/updraft-io/updraft/store"
	"github.com/updraft-io/updraft/update"
)

// Reaper deletes unreferenced updates and assets from the store and the disk
type Reaper struct {
	cfg    *config.Config
	store  store.Store
	policy selection.ReaperSelectionPolicy
}

// New creates a Reaper
func New(cfg *config.Config, st store.Store, policy selection.ReaperSelectionPolicy) *Reaper {
	return &Reaper{cfg: cfg, store: st, policy: policy}
}

// Sweep computes the deletable updates via the selection policy, marks them,
// marks the assets left without a referencing update, unlinks their files and
// finally drops the rows. The policy never marks the launched update, so no
// file the host may be reading disappears underneath it.
func (r *Reaper) Sweep(ctx context.Context, launched *update.Update) error {
	all, err := r.store.AllUpdates(ctx, r.cfg.ScopeKey)
	if err != nil {
		return err
	}

	toDelete := r.policy.UpdatesToDelete(launched, all, r.cfg.ManifestFilters)
	if err := r.store.MarkUpdatesForDeletion(ctx, toDelete); err != nil {
		return err
	}
	if len(toDelete) > 0 {
		log.Debugf("marked %d updates for deletion", len(toDelete))
	}

	unreferenced, err := r.store.UnreferencedAssets(ctx)
	if err != nil {
		return err
	}
	assetIDs := make([]uint, 0, len(unreferenced))
	for _, asset := range unreferenced {
		assetIDs = append(assetIDs, asset.ID)
	}
	if err := r.store.MarkAssetsForDeletion(ctx, assetIDs); err != nil {
		return err
	}

	// includes assets marked by an earlier, interrupted sweep; content that a
	// load re-linked to a live update since marking is not returned
	marked, err := r.store.MarkedAssets(ctx)
	if err != nil {
		return err
	}

	assetsDir := loader.AssetsDir(r.cfg)
	var unlinkErrs *multierror.Error
	deletable := make([]uint, 0, len(marked))
	for _, asset := range marked {
		path := filepath.Join(assetsDir, asset.RelativePath)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			// keep the row marked, the next sweep retries the unlink
			unlinkErrs = multierror.Append(unlinkErrs, err)
			continue
		}
		deletable = append(deletable, asset.ID)
	}

	if err := r.store.DeleteAssetsWithIDs(ctx, deletable); err != nil {
		return multierror.Append(unlinkErrs, err).ErrorOrNil()
	}
	if err := r.store.DeleteUnusedUpdates(ctx); err != nil {
		return multierror.Append(unlinkErrs, err).ErrorOrNil()
	}

	if len(deletable) > 0 || len(toDelete) > 0 {
		log.Infof("reaper swept %d updates and %d assets", len(toDelete), len(deletable))
	}
	return unlinkErrs.ErrorOrNil()
}
