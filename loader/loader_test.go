package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/updraft-io/updraft/config"
	"github.com/updraft-io/updraft/downloader"
	"github.com/updraft-io/updraft/selection"
	"github.com/updraft-io/updraft/store"
	"github.com/updraft-io/updraft/update"
)

func sha256hex(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

// testServer serves one manifest with a launch asset and one extra asset
type testServer struct {
	*httptest.Server
	updateID    uuid.UUID
	bundle      []byte
	image       []byte
	bundleHash  string
	imageHash   string
	assetCalls  map[string]int
	manifestDoc func() string
}

func newUpdateServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		updateID:   uuid.New(),
		bundle:     []byte("launch-bundle-bytes"),
		image:      []byte("image-bytes"),
		assetCalls: map[string]int{},
	}
	ts.bundleHash = sha256hex(ts.bundle)
	ts.imageHash = sha256hex(ts.image)

	mux := http.NewServeMux()
	mux.HandleFunc("/manifest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(ts.manifestDoc()))
	})
	mux.HandleFunc("/assets/bundle.js", func(w http.ResponseWriter, r *http.Request) {
		ts.assetCalls["bundle.js"]++
		_, _ = w.Write(ts.bundle)
	})
	mux.HandleFunc("/assets/logo.png", func(w http.ResponseWriter, r *http.Request) {
		ts.assetCalls["logo.png"]++
		_, _ = w.Write(ts.image)
	})
	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	ts.manifestDoc = func() string {
		return fmt.Sprintf(`{
			"id": %q,
			"createdAt": "2026-01-15T10:30:00Z",
			"runtimeVersion": "1.0.0",
			"assets": [
				{"url": %q, "key": "bundle.js", "contentType": "application/javascript", "hash": %q},
				{"url": %q, "key": "logo.png", "contentType": "image/png", "hash": %q}
			],
			"launchAsset": "bundle.js"
		}`, ts.updateID, ts.URL+"/assets/bundle.js", ts.bundleHash, ts.URL+"/assets/logo.png", ts.imageHash)
	}
	return ts
}

func newTestLoader(t *testing.T, serverURL string) (*Loader, store.Store, *config.Config) {
	t.Helper()

	u, err := url.Parse(serverURL + "/manifest")
	require.NoError(t, err)

	cfg := &config.Config{
		UpdateURL:              u,
		ScopeKey:               "scope-a",
		RuntimeVersion:         "1.0.0",
		DataDir:                t.TempDir(),
		MaxConcurrentDownloads: 2,
		MaxDownloadAttempts:    1,
		DownloadTimeout:        5 * time.Second,
	}

	st, err := store.NewSqliteStore(context.Background(), cfg.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, st.Close(context.Background()))
	})

	l := New(cfg, st, downloader.New(cfg), &selection.DefaultLoaderPolicy{})
	return l, st, cfg
}

func TestLoadRemoteUpdate(t *testing.T) {
	server := newUpdateServer(t)
	l, st, cfg := newTestLoader(t, server.URL)
	ctx := context.Background()

	upd, isNew, err := l.LoadRemoteUpdate(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, upd)
	assert.True(t, isNew)
	assert.Equal(t, server.updateID, upd.ID)
	assert.Equal(t, update.StatusReady, upd.Status)

	stored, err := st.GetUpdate(ctx, server.updateID)
	require.NoError(t, err)
	assert.Equal(t, update.StatusReady, stored.Status)

	assets, err := st.AssetsForUpdate(ctx, server.updateID)
	require.NoError(t, err)
	require.Len(t, assets, 2)

	for _, asset := range assets {
		path := filepath.Join(AssetsDir(cfg), asset.RelativePath)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, asset.HashContent, sha256hex(data))
		assert.Equal(t, asset.HashAtomic, asset.HashContent)
	}
}

func TestLoadRemoteUpdate_AlreadyStored(t *testing.T) {
	server := newUpdateServer(t)
	l, _, _ := newTestLoader(t, server.URL)
	ctx := context.Background()

	_, isNew, err := l.LoadRemoteUpdate(ctx, nil)
	require.NoError(t, err)
	require.True(t, isNew)

	upd, isNew, err := l.LoadRemoteUpdate(ctx, nil)
	require.NoError(t, err)
	assert.False(t, isNew)
	require.NotNil(t, upd)
	assert.Equal(t, server.updateID, upd.ID)

	// assets were not downloaded a second time
	assert.Equal(t, 1, server.assetCalls["bundle.js"])
	assert.Equal(t, 1, server.assetCalls["logo.png"])
}

func TestLoadRemoteUpdate_PolicyRejectsOlder(t *testing.T) {
	server := newUpdateServer(t)
	l, _, _ := newTestLoader(t, server.URL)

	launched := &update.Update{
		ID:         uuid.New(),
		CommitTime: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	upd, isNew, err := l.LoadRemoteUpdate(context.Background(), launched)
	require.NoError(t, err)
	assert.Nil(t, upd)
	assert.False(t, isNew)
	assert.Zero(t, server.assetCalls["bundle.js"])
}

func TestLoadRemoteUpdate_ChecksumMismatch(t *testing.T) {
	server := newUpdateServer(t)
	// corrupt the served bundle after the hash was computed
	server.bundle = []byte("tampered-bytes")

	l, st, cfg := newTestLoader(t, server.URL)
	ctx := context.Background()

	_, _, err := l.LoadRemoteUpdate(ctx, nil)
	require.Error(t, err)
	var mismatch *downloader.ChecksumMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.True(t, IsPermanentFailure(err))

	stored, err := st.GetUpdate(ctx, server.updateID)
	require.NoError(t, err)
	assert.Equal(t, update.StatusFailed, stored.Status)

	// the tampered bundle never reached the content-addressed directory and
	// no partially downloaded file was left behind
	assert.NoFileExists(t, filepath.Join(AssetsDir(cfg), server.bundleHash))
	entries, err := os.ReadDir(AssetsDir(cfg))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasPrefix(entry.Name(), ".incoming-"), "leftover download file %s", entry.Name())
	}
}

func TestLoadRemoteUpdate_DeduplicatesAcrossUpdates(t *testing.T) {
	server := newUpdateServer(t)
	l, st, _ := newTestLoader(t, server.URL)
	ctx := context.Background()

	_, _, err := l.LoadRemoteUpdate(ctx, nil)
	require.NoError(t, err)

	// a second update ships the same assets under a new id
	secondID := uuid.New()
	server.updateID = secondID
	upd, isNew, err := l.LoadRemoteUpdate(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, upd)
	require.True(t, isNew)

	// content already on disk was linked, not fetched again
	assert.Equal(t, 1, server.assetCalls["bundle.js"])
	assert.Equal(t, 1, server.assetCalls["logo.png"])

	assets, err := st.AssetsForUpdate(ctx, secondID)
	require.NoError(t, err)
	assert.Len(t, assets, 2)
}

func TestLoadRemoteUpdate_RetriesTransientFailures(t *testing.T) {
	var manifestCalls int
	server := newUpdateServer(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/manifest", func(w http.ResponseWriter, r *http.Request) {
		manifestCalls++
		if manifestCalls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(server.manifestDoc()))
	})
	mux.HandleFunc("/assets/bundle.js", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(server.bundle)
	})
	mux.HandleFunc("/assets/logo.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(server.image)
	})
	flaky := httptest.NewServer(mux)
	defer flaky.Close()

	// assets still point at the original server, only the manifest is flaky
	l, _, _ := newTestLoader(t, flaky.URL)
	l.cfg.MaxDownloadAttempts = 3

	upd, isNew, err := l.LoadRemoteUpdate(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, upd)
	assert.True(t, isNew)
	assert.Equal(t, 2, manifestCalls)
}

func TestLoadRemoteUpdate_PermanentFailureNotRetried(t *testing.T) {
	var manifestCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest", func(w http.ResponseWriter, r *http.Request) {
		manifestCalls++
		w.WriteHeader(http.StatusNotFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	l, _, _ := newTestLoader(t, server.URL)
	l.cfg.MaxDownloadAttempts = 3

	_, _, err := l.LoadRemoteUpdate(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, 1, manifestCalls)
}
