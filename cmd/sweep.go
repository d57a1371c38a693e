package cmd

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "delete stored updates and assets nothing references anymore",
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

		// the sweep keeps the update a concurrent host would launch now
		if err := ctrl.Start(ctx); err != nil {
			return err
		}

		return ctrl.Sweep(ctx)
	},
}
