// Package controller is the only surface the hosting runtime talks to. It
// wires store, downloader, loader, launcher and reaper together and serializes
// launching and reaping so they never race against the same store generation.
package controller

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/updraft-io/updraft/config"
	"github.com/updraft-io/updraft/downloader"
	"github.com/updraft-io/updraft/launcher"
	"github.com/updraft-io/updraft/loader"
	"github.com/updraft-io/updraft/reaper"
	"github.com/updraft-io/updraft/selection"
	"github.com/updraft-io/updraft/store"
	"github.com/updraft-io/updraft/update"
)

// Controller exposes the update subsystem to the host
type Controller struct {
	cfg      *config.Config
	store    store.Store
	loader   *loader.Loader
	launcher *launcher.Launcher
	reaper   *reaper.Reaper

	// mu serializes Launch and Sweep and guards the launched handle
	mu       sync.Mutex
	launched *launcher.LaunchedUpdate
}

// New builds a controller with the default selection policies
func New(ctx context.Context, cfg *config.Config) (*Controller, error) {
	return NewWithPolicy(ctx, cfg, selection.NewDefaultPolicy(cfg.RuntimeVersion, cfg.KeepGenerations))
}

// NewWithPolicy builds a controller with custom selection strategies
func NewWithPolicy(ctx context.Context, cfg *config.Config, policy selection.Policy) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.NewStore(ctx, "", cfg.DataDir)
	if err != nil {
		return nil, err
	}

	dl := downloader.New(cfg)
	return &Controller{
		cfg:      cfg,
		store:    st,
		loader:   loader.New(cfg, st, dl, policy.Loader),
		launcher: launcher.New(cfg, st, policy.Launcher),
		reaper:   reaper.New(cfg, st, policy.Reaper),
	}, nil
}

// Start selects and activates the update to run. Exactly one update is
// launched at a time per controller.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	launched, err := c.launcher.Launch(ctx)
	if err != nil {
		return err
	}
	c.launched = launched
	return nil
}

// GetLaunchedUpdate returns the currently launched update handle, nil before Start
func (c *Controller) GetLaunchedUpdate() *launcher.LaunchedUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.launched
}

// GetEmbeddedUpdate resolves the build-time bundle
func (c *Controller) GetEmbeddedUpdate() (*launcher.LaunchedUpdate, error) {
	return c.launcher.EmbeddedUpdate()
}

// CheckResult is the outcome of an asynchronous update check
type CheckResult struct {
	// Update is the stored update the check resolved to, nil when nothing applied
	Update *update.Update
	// IsNew marks that the update was freshly downloaded by this check
	IsNew bool
	Err   error
}

// CheckForUpdateAsync fetches the current manifest and loads the update it
// describes if the loader selection policy approves. The returned channel
// receives exactly one result and is closed afterwards.
func (c *Controller) CheckForUpdateAsync(ctx context.Context) <-chan CheckResult {
	results := make(chan CheckResult, 1)

	go func() {
		defer close(results)

		upd, isNew, err := c.loader.LoadRemoteUpdate(ctx, c.launchedModel())
		if err != nil {
			log.Errorf("update check failed: %v", err)
		}
		results <- CheckResult{Update: upd, IsNew: isNew, Err: err}
	}()

	return results
}

// RequestRelaunch re-runs update selection, swaps the launched handle and
// sweeps stale updates in the background. The callback receives the launch
// outcome; worst case the previously launched update stays active.
func (c *Controller) RequestRelaunch(ctx context.Context, done func(error)) {
	go func() {
		c.mu.Lock()
		launched, err := c.launcher.Launch(ctx)
		if err == nil {
			c.launched = launched
		}
		c.mu.Unlock()

		if err == nil {
			if serr := c.sweep(ctx); serr != nil {
				log.Warnf("post-relaunch sweep failed: %v", serr)
			}
		}
		if done != nil {
			done(err)
		}
	}()
}

// Sweep runs the reaper against a consistent snapshot of the launched update
func (c *Controller) Sweep(ctx context.Context) error {
	return c.sweep(ctx)
}

func (c *Controller) sweep(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reaper.Sweep(ctx, c.launchedLocked())
}

// Close releases the store
func (c *Controller) Close(ctx context.Context) error {
	return c.store.Close(ctx)
}

// launchedModel is what the loader policy compares a fresh manifest against.
// The embedded update counts here so its bundle is never re-downloaded.
func (c *Controller) launchedModel() *update.Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.launched == nil {
		return nil
	}
	return c.launched.Update
}

// launchedLocked is the reaper's view: the embedded update is not a store row,
// so an embedded launch retains nothing beyond the policy's rollback buffer
func (c *Controller) launchedLocked() *update.Update {
	if c.launched == nil || c.launched.IsEmbedded {
		return nil
	}
	return c.launched.Update
}
