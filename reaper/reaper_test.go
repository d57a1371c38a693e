package reaper

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/updraft-io/updraft/config"
	"github.com/updraft-io/updraft/loader"
	"github.com/updraft-io/updraft/selection"
	"github.com/updraft-io/updraft/store"
	"github.com/updraft-io/updraft/update"
)

func newTestReaper(t *testing.T, keepGenerations int) (*Reaper, store.Store, *config.Config) {
	t.Helper()

	cfg := &config.Config{
		ScopeKey:        "scope-a",
		RuntimeVersion:  "1.0.0",
		DataDir:         t.TempDir(),
		KeepGenerations: keepGenerations,
	}

	st, err := store.NewSqliteStore(context.Background(), cfg.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, st.Close(context.Background()))
	})

	return New(cfg, st, &selection.DefaultReaperPolicy{KeepGenerations: keepGenerations}), st, cfg
}

// addUpdateWithAssets stores a ready update whose assets are written to disk
func addUpdateWithAssets(t *testing.T, st store.Store, cfg *config.Config, commitTime time.Time, hashes ...string) *update.Update {
	t.Helper()
	ctx := context.Background()

	upd := &update.Update{
		ID:         uuid.New(),
		CommitTime: commitTime,
		ScopeKey:   cfg.ScopeKey,
		Status:     update.StatusPending,
	}
	require.NoError(t, st.AddUpdate(ctx, upd))

	for i, hash := range hashes {
		asset := &update.Asset{
			Key:           hash + ".bin",
			URL:           "https://cdn.example.com/" + hash,
			HashAtomic:    hash,
			HashContent:   hash,
			RelativePath:  hash,
			IsLaunchAsset: i == 0,
		}
		require.NoError(t, st.AddAsset(ctx, asset, upd.ID))

		path := filepath.Join(loader.AssetsDir(cfg), hash)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
		require.NoError(t, os.WriteFile(path, []byte("content-"+hash), 0640))
	}

	require.NoError(t, st.UpdateStatus(ctx, upd.ID, update.StatusReady))
	return upd
}

func TestSweep_DeletesOutdatedUpdates(t *testing.T) {
	r, st, cfg := newTestReaper(t, 1)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	launched := addUpdateWithAssets(t, st, cfg, base, "hash-launched")
	outdated := addUpdateWithAssets(t, st, cfg, base.Add(time.Hour), "hash-outdated")
	newest := addUpdateWithAssets(t, st, cfg, base.Add(2*time.Hour), "hash-newest")

	require.NoError(t, r.Sweep(ctx, launched))

	// the launched update and the rollback buffer survive
	_, err := st.GetUpdate(ctx, launched.ID)
	require.NoError(t, err)
	_, err = st.GetUpdate(ctx, newest.ID)
	require.NoError(t, err)

	_, err = st.GetUpdate(ctx, outdated.ID)
	require.Error(t, err)

	assetsDir := loader.AssetsDir(cfg)
	assert.FileExists(t, filepath.Join(assetsDir, "hash-launched"))
	assert.FileExists(t, filepath.Join(assetsDir, "hash-newest"))
	assert.NoFileExists(t, filepath.Join(assetsDir, "hash-outdated"))
}

func TestSweep_SharedAssetSurvives(t *testing.T) {
	r, st, cfg := newTestReaper(t, 0)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	outdated := addUpdateWithAssets(t, st, cfg, base, "hash-shared", "hash-private")
	launched := addUpdateWithAssets(t, st, cfg, base.Add(time.Hour), "hash-shared")

	require.NoError(t, r.Sweep(ctx, launched))

	_, err := st.GetUpdate(ctx, outdated.ID)
	require.Error(t, err)

	assetsDir := loader.AssetsDir(cfg)
	assert.FileExists(t, filepath.Join(assetsDir, "hash-shared"))
	assert.NoFileExists(t, filepath.Join(assetsDir, "hash-private"))

	// the surviving update still resolves its asset
	assets, err := st.AssetsForUpdate(ctx, launched.ID)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, "hash-shared", assets[0].HashContent)
}

func TestSweep_NothingToDo(t *testing.T) {
	r, st, cfg := newTestReaper(t, 1)
	ctx := context.Background()

	launched := addUpdateWithAssets(t, st, cfg, time.Now(), "hash-only")
	require.NoError(t, r.Sweep(ctx, launched))

	_, err := st.GetUpdate(ctx, launched.ID)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(loader.AssetsDir(cfg), "hash-only"))
}

func TestSweep_MissingFileIsNotAnError(t *testing.T) {
	r, st, cfg := newTestReaper(t, 0)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	outdated := addUpdateWithAssets(t, st, cfg, base, "hash-gone")
	launched := addUpdateWithAssets(t, st, cfg, base.Add(time.Hour), "hash-launched")

	// the file disappeared outside the reaper's control
	require.NoError(t, os.Remove(filepath.Join(loader.AssetsDir(cfg), "hash-gone")))

	require.NoError(t, r.Sweep(ctx, launched))

	_, err := st.GetUpdate(ctx, outdated.ID)
	require.Error(t, err)
	_, err = st.AssetByContentHash(ctx, "hash-gone")
	require.Error(t, err)
}

func TestSweep_KeepsAssetRelinkedAfterInterruptedPass(t *testing.T) {
	r, st, cfg := newTestReaper(t, 1)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// an old update and its asset were marked, then the sweep died before
	// unlinking the file
	doomed := addUpdateWithAssets(t, st, cfg, base, "hash-shared")
	doomedAssets, err := st.AssetsForUpdate(ctx, doomed.ID)
	require.NoError(t, err)
	require.Len(t, doomedAssets, 1)
	require.NoError(t, st.MarkUpdatesForDeletion(ctx, []uuid.UUID{doomed.ID}))
	require.NoError(t, st.MarkAssetsForDeletion(ctx, []uint{doomedAssets[0].ID}))

	// a newer launched update ships the same content and links the marked row
	launched := addUpdateWithAssets(t, st, cfg, base.Add(time.Hour), "hash-shared")

	require.NoError(t, r.Sweep(ctx, launched))

	// the launched update's asset row and file survived the resumed sweep
	sharedPath := filepath.Join(loader.AssetsDir(cfg), "hash-shared")
	assert.FileExists(t, sharedPath)

	assets, err := st.AssetsForUpdate(ctx, launched.ID)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, "hash-shared", assets[0].HashContent)
	assert.False(t, assets[0].MarkedForDeletion)

	_, err = st.GetUpdate(ctx, doomed.ID)
	require.Error(t, err)
}

func TestSweep_ResumesInterruptedPass(t *testing.T) {
	r, st, cfg := newTestReaper(t, 1)
	ctx := context.Background()

	launched := addUpdateWithAssets(t, st, cfg, time.Now(), "hash-launched")

	// simulate a crash after marking: the asset row is flagged but its file
	// and row were never removed
	orphan := &update.Asset{
		Key:          "orphan.bin",
		URL:          "https://cdn.example.com/orphan",
		HashAtomic:   "hash-orphan",
		HashContent:  "hash-orphan",
		RelativePath: "hash-orphan",
	}
	doomed := addUpdateWithAssets(t, st, cfg, time.Now().Add(-time.Hour), "hash-doomed")
	require.NoError(t, st.AddAsset(ctx, orphan, doomed.ID))
	orphanPath := filepath.Join(loader.AssetsDir(cfg), "hash-orphan")
	require.NoError(t, os.WriteFile(orphanPath, []byte("orphan"), 0640))

	require.NoError(t, st.MarkUpdatesForDeletion(ctx, []uuid.UUID{doomed.ID}))
	require.NoError(t, st.MarkAssetsForDeletion(ctx, []uint{orphan.ID}))

	require.NoError(t, r.Sweep(ctx, launched))

	assert.NoFileExists(t, orphanPath)
	_, err := st.AssetByContentHash(ctx, "hash-orphan")
	require.Error(t, err)
	_, err = st.GetUpdate(ctx, doomed.ID)
	require.Error(t, err)
}
