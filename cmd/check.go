package cmd

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/updraft-io/updraft/launcher"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "check the update server for a new update and download it",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		SetupCloseHandler(ctx, cancel)

		ctrl, err := newController(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := ctrl.Close(ctx); cerr != nil {
				log.Warnf("failed to close controller: %v", cerr)
			}
		}()

		// a fresh install may have nothing to launch yet, the check still runs
		if err := ctrl.Start(ctx); err != nil && !errors.Is(err, launcher.ErrNoLaunchableUpdate) {
			return err
		}

		result := <-ctrl.CheckForUpdateAsync(ctx)
		if result.Err != nil {
			return result.Err
		}

		switch {
		case result.Update == nil:
			cmd.Println("no new update available")
		case result.IsNew:
			cmd.Printf("downloaded new update %s (commit time %s)\n", result.Update.ID, result.Update.CommitTime)
		default:
			cmd.Printf("update %s already stored with status %s\n", result.Update.ID, result.Update.Status)
		}
		return nil
	},
}
