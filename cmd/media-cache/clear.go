package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var clearYes bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearYes {
			return fmt.Errorf("refusing to clear the cache without --yes")
		}

		a, err := newApp(context.Background(), cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()
		if !a.owner() {
			return fmt.Errorf("%w; use DELETE /api/cache on the running server", errCacheBusy)
		}

		deleted, err := a.cache.ClearAll()
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d files from %s\n", deleted, a.cache.RootDir())
		return err
	},
}

func init() {
	clearCmd.Flags().BoolVar(&clearYes, "yes", false, "confirm deleting every cached file")
}
