package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/updraft-io/updraft/status"
	"github.com/updraft-io/updraft/update"
)

// SqlStore is the relational Store implementation. All writes are serialized
// behind a store-wide write lock; readers proceed concurrently against the
// database. Dedup-sensitive check-then-act sequences (AddAsset) rely on that
// lock to stay atomic across the check and the write.
type SqlStore struct {
	db        *gorm.DB
	writeLock sync.Mutex
}

// updateAsset maps the many-to-many join table between updates and assets
type updateAsset struct {
	UpdateID uuid.UUID `gorm:"primaryKey"`
	AssetID  uint      `gorm:"primaryKey"`
}

func (updateAsset) TableName() string {
	return "updates_assets"
}

// NewSqlStore creates a new SqlStore instance and runs schema migration
func NewSqlStore(ctx context.Context, db *gorm.DB) (*SqlStore, error) {
	if err := db.WithContext(ctx).AutoMigrate(&update.Update{}, &update.Asset{}, &updateAsset{}); err != nil {
		return nil, status.Errorf(status.Internal, "auto migrate: %v", err)
	}

	return &SqlStore{db: db}, nil
}

// AddUpdate inserts a new update row inside a transaction. An id collision is
// a programmer error surfaced as AlreadyExists, never retried.
func (s *SqlStore) AddUpdate(ctx context.Context, upd *update.Update) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	start := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing update.Update
		result := tx.Select("id").First(&existing, "id = ?", upd.ID)
		if result.Error == nil {
			return status.NewDuplicateUpdateError(upd.ID.String())
		}
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return result.Error
		}

		return tx.Omit(clause.Associations).Create(upd).Error
	})
	if err != nil {
		return storeError(err, "add update %s", upd.ID)
	}

	log.Debugf("persisted update %s in %v", upd.ID, time.Since(start))
	return nil
}

// AddAsset links an asset to an update, deduplicating by content hash: if a
// row with the same hash already exists only the join record is created and
// the passed asset is overwritten with the stored row, so the caller learns
// the canonical on-disk path. Otherwise the caller must have written the file
// to asset.RelativePath already and a new row is inserted.
func (s *SqlStore) AddAsset(ctx context.Context, asset *update.Asset, updateID uuid.UUID) error {
	if asset.HashContent == "" {
		return status.Errorf(status.InvalidArgument, "asset %s has no content hash", asset.Key)
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&update.Update{}).Where("id = ?", updateID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return status.NewUpdateNotFoundError(updateID.String())
		}

		var existing update.Asset
		result := tx.Where("hash_content = ?", asset.HashContent).First(&existing)
		switch {
		case result.Error == nil:
			// identical content already on disk, link it instead of writing a second file
			columns := map[string]interface{}{}
			if asset.IsLaunchAsset && !existing.IsLaunchAsset {
				columns["is_launch_asset"] = true
				existing.IsLaunchAsset = true
			}
			// the link revives content an interrupted sweep had marked, the
			// reaper must not unlink it anymore
			if existing.MarkedForDeletion {
				columns["marked_for_deletion"] = false
				existing.MarkedForDeletion = false
			}
			if len(columns) > 0 {
				if err := tx.Model(&update.Asset{}).Where("id = ?", existing.ID).Updates(columns).Error; err != nil {
					return err
				}
			}
			*asset = existing
		case errors.Is(result.Error, gorm.ErrRecordNotFound):
			if err := tx.Create(asset).Error; err != nil {
				return err
			}
		default:
			return result.Error
		}

		join := updateAsset{UpdateID: updateID, AssetID: asset.ID}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&join).Error
	})
	if err != nil {
		return storeError(err, "add asset %s to update %s", asset.Key, updateID)
	}

	return nil
}

// UpdateStatus performs an atomic status transition, rejecting moves the state
// machine does not allow
func (s *SqlStore) UpdateStatus(ctx context.Context, updateID uuid.UUID, newStatus update.UpdateStatus) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var upd update.Update
		if err := tx.First(&upd, "id = ?", updateID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return status.NewUpdateNotFoundError(updateID.String())
			}
			return err
		}

		if !upd.Status.CanTransitionTo(newStatus) {
			return status.NewInvalidTransitionError(updateID.String(), upd.Status, newStatus)
		}

		return tx.Model(&update.Update{}).Where("id = ?", updateID).Update("status", newStatus).Error
	})
	if err != nil {
		return storeError(err, "update status of %s", updateID)
	}

	log.Debugf("update %s transitioned to %s", updateID, newStatus)
	return nil
}

// GetUpdate returns one update by id
func (s *SqlStore) GetUpdate(ctx context.Context, updateID uuid.UUID) (*update.Update, error) {
	var upd update.Update
	if err := s.db.WithContext(ctx).First(&upd, "id = ?", updateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, status.NewUpdateNotFoundError(updateID.String())
		}
		return nil, storeError(err, "get update %s", updateID)
	}
	return &upd, nil
}

// AllUpdates returns every update in the scope, newest first
func (s *SqlStore) AllUpdates(ctx context.Context, scopeKey string) ([]update.Update, error) {
	var updates []update.Update
	err := s.db.WithContext(ctx).
		Where("scope_key = ?", scopeKey).
		Order("commit_time desc, id asc").
		Find(&updates).Error
	if err != nil {
		return nil, storeError(err, "list updates")
	}
	return updates, nil
}

// LaunchableUpdates returns the ready updates matching the filters, ordered by
// commit time descending with ties broken by ascending UUID string for
// determinism. An update that launched successfully at least once stays
// launchable even after later failed launches.
func (s *SqlStore) LaunchableUpdates(ctx context.Context, scopeKey string, filters update.ManifestFilters) ([]update.Update, error) {
	var updates []update.Update
	err := s.db.WithContext(ctx).
		Where("scope_key = ? AND status = ?", scopeKey, update.StatusReady).
		Where("successful_launch_count > 0 OR failed_launch_count < 1").
		Order("commit_time desc, id asc").
		Find(&updates).Error
	if err != nil {
		return nil, storeError(err, "list launchable updates")
	}

	filtered := updates[:0]
	for _, upd := range updates {
		if filters.Matches(upd.Metadata) {
			filtered = append(filtered, upd)
		}
	}
	return filtered, nil
}

// AssetsForUpdate returns all assets joined to the update. The result is a
// finite snapshot; callers iterating twice should materialize it themselves.
func (s *SqlStore) AssetsForUpdate(ctx context.Context, updateID uuid.UUID) ([]update.Asset, error) {
	var assets []update.Asset
	err := s.db.WithContext(ctx).
		Joins("JOIN updates_assets ON updates_assets.asset_id = assets.id").
		Where("updates_assets.update_id = ?", updateID).
		Find(&assets).Error
	if err != nil {
		return nil, storeError(err, "list assets of update %s", updateID)
	}
	return assets, nil
}

// AssetByContentHash returns the asset row owning the given content hash, or
// NotFound. Loaders use it to skip downloading content already on disk.
func (s *SqlStore) AssetByContentHash(ctx context.Context, hashContent string) (*update.Asset, error) {
	var asset update.Asset
	if err := s.db.WithContext(ctx).Where("hash_content = ?", hashContent).First(&asset).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, status.Errorf(status.NotFound, "no asset with content hash %s", hashContent)
		}
		return nil, storeError(err, "get asset by content hash")
	}
	return &asset, nil
}

// MarkUpdateAccessed stamps the update with the current time
func (s *SqlStore) MarkUpdateAccessed(ctx context.Context, updateID uuid.UUID) error {
	return s.updateColumn(ctx, updateID, "last_accessed", time.Now())
}

// IncrementSuccessfulLaunchCount records one successful launch of the update
func (s *SqlStore) IncrementSuccessfulLaunchCount(ctx context.Context, updateID uuid.UUID) error {
	return s.incrementColumn(ctx, updateID, "successful_launch_count")
}

// IncrementFailedLaunchCount records one failed launch of the update
func (s *SqlStore) IncrementFailedLaunchCount(ctx context.Context, updateID uuid.UUID) error {
	return s.incrementColumn(ctx, updateID, "failed_launch_count")
}

// MarkUpdatesForDeletion moves the given updates to the Unused status. This is
// the fast first phase of the two-phase delete; physical deletion happens in
// DeleteUnusedUpdates.
func (s *SqlStore) MarkUpdatesForDeletion(ctx context.Context, updateIDs []uuid.UUID) error {
	if len(updateIDs) == 0 {
		return nil
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	err := s.db.WithContext(ctx).
		Model(&update.Update{}).
		Where("id IN ? AND status <> ?", updateIDs, update.StatusUnused).
		Update("status", update.StatusUnused).Error
	if err != nil {
		return storeError(err, "mark updates for deletion")
	}
	return nil
}

// MarkAssetsForDeletion flags asset rows for the reaper's physical pass
func (s *SqlStore) MarkAssetsForDeletion(ctx context.Context, assetIDs []uint) error {
	if len(assetIDs) == 0 {
		return nil
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	err := s.db.WithContext(ctx).
		Model(&update.Asset{}).
		Where("id IN ?", assetIDs).
		Update("marked_for_deletion", true).Error
	if err != nil {
		return storeError(err, "mark assets for deletion")
	}
	return nil
}

// MarkedAssets returns assets flagged for deletion that are still
// unreferenced. A crash between marking and unlinking is recovered by the next
// reaper pass re-reading this set; a marked asset linked to a live update in
// the meantime is excluded so its file is never unlinked.
func (s *SqlStore) MarkedAssets(ctx context.Context) ([]update.Asset, error) {
	var assets []update.Asset
	err := s.db.WithContext(ctx).
		Where("marked_for_deletion = ? AND id NOT IN (?)", true, referencedAssetIDs(s.db)).
		Find(&assets).Error
	if err != nil {
		return nil, storeError(err, "list marked assets")
	}
	return assets, nil
}

// UnreferencedAssets returns assets no non-deleted update references. The
// reference count is recomputed from the join table on every call, never
// maintained incrementally.
func (s *SqlStore) UnreferencedAssets(ctx context.Context) ([]update.Asset, error) {
	var assets []update.Asset
	if err := s.db.WithContext(ctx).Where("id NOT IN (?)", referencedAssetIDs(s.db)).Find(&assets).Error; err != nil {
		return nil, storeError(err, "list unreferenced assets")
	}
	return assets, nil
}

// referencedAssetIDs is the subquery of asset ids joined to any update that is
// not marked Unused
func referencedAssetIDs(db *gorm.DB) *gorm.DB {
	return db.
		Table("updates_assets").
		Select("updates_assets.asset_id").
		Joins("JOIN updates ON updates.id = updates_assets.update_id").
		Where("updates.status <> ?", update.StatusUnused)
}

// DeleteAssetsWithIDs drops asset rows and their join records in one
// transaction. Rows that lost their deletion mark or gained a reference from a
// live update since the caller computed the id set are skipped, never deleted.
func (s *SqlStore) DeleteAssetsWithIDs(ctx context.Context, assetIDs []uint) error {
	if len(assetIDs) == 0 {
		return nil
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var deletable []uint
		err := tx.Model(&update.Asset{}).
			Where("id IN ? AND marked_for_deletion = ? AND id NOT IN (?)", assetIDs, true, referencedAssetIDs(tx)).
			Pluck("id", &deletable).Error
		if err != nil {
			return err
		}
		if len(deletable) == 0 {
			return nil
		}

		if err := tx.Where("asset_id IN ?", deletable).Delete(&updateAsset{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", deletable).Delete(&update.Asset{}).Error
	})
	if err != nil {
		return storeError(err, "delete assets")
	}
	return nil
}

// DeleteUnusedUpdates drops every update previously marked for deletion
// together with its join records
func (s *SqlStore) DeleteUnusedUpdates(ctx context.Context) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		unused := tx.Model(&update.Update{}).Select("id").Where("status = ?", update.StatusUnused)
		if err := tx.Where("update_id IN (?)", unused).Delete(&updateAsset{}).Error; err != nil {
			return err
		}
		return tx.Where("status = ?", update.StatusUnused).Delete(&update.Update{}).Error
	})
	if err != nil {
		return storeError(err, "delete unused updates")
	}
	return nil
}

// Close releases the underlying database handle
func (s *SqlStore) Close(_ context.Context) error {
	sql, err := s.db.DB()
	if err != nil {
		return err
	}
	return sql.Close()
}

func (s *SqlStore) updateColumn(ctx context.Context, updateID uuid.UUID, column string, value interface{}) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	result := s.db.WithContext(ctx).Model(&update.Update{}).Where("id = ?", updateID).Update(column, value)
	if result.Error != nil {
		return storeError(result.Error, "update %s of %s", column, updateID)
	}
	if result.RowsAffected == 0 {
		return status.NewUpdateNotFoundError(updateID.String())
	}
	return nil
}

func (s *SqlStore) incrementColumn(ctx context.Context, updateID uuid.UUID, column string) error {
	return s.updateColumn(ctx, updateID, column, gorm.Expr(column+" + 1"))
}

// storeError keeps typed status errors intact and wraps everything else as an
// internal store failure; the transaction has already been rolled back.
func storeError(err error, format string, args ...interface{}) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Errorf(status.Internal, format+": %v", append(args, err)...)
}
