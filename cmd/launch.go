package cmd

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "select the update to run and print its launch handle",
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

		if err := ctrl.Start(ctx); err != nil {
			return err
		}

		launched := ctrl.GetLaunchedUpdate()
		handle := struct {
			UpdateID        string            `json:"updateId"`
			LaunchAssetPath string            `json:"launchAssetPath"`
			AssetPaths      map[string]string `json:"assetPaths"`
			IsEmbedded      bool              `json:"isEmbedded"`
		}{
			UpdateID:        launched.Update.ID.String(),
			LaunchAssetPath: launched.LaunchAssetPath,
			AssetPaths:      launched.AssetPaths,
			IsEmbedded:      launched.IsEmbedded,
		}

		out, err := json.MarshalIndent(handle, "", "    ")
		if err != nil {
			return err
		}
		cmd.Println(string(out))
		return nil
	},
}
