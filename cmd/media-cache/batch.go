package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/vertextoedge/media-cache/internal/domain"
)

var (
	batchDest        string
	batchConcurrency int
)

var batchCmd = &cobra.Command{
	Use:   "batch <items.json|->",
	Short: "Download a list of files and print the batch result as JSON",
	Long: `batch reads a JSON array of items, each with remote_id, source_url and
optionally file_name and expected_size_bytes, and downloads them in order.

The whole batch is rejected up front when it cannot fit. A full disk during
the batch stops the remaining items.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := readBatchItems(cmd, args[0])
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return fmt.Errorf("no items to download")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		a, err := newApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		result := a.batches.DownloadBatch(ctx, &domain.BatchRequest{
			Items:          items,
			DestinationDir: batchDest,
			Concurrency:    batchConcurrency,
		})

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
		if result.Succeeded != result.Total() {
			return fmt.Errorf("%d of %d items downloaded", result.Succeeded, result.Total())
		}
		return nil
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchDest, "dest", "", "destination directory (default is the cache root)")
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 0, "parallel downloads (default from config)")
}

func readBatchItems(cmd *cobra.Command, path string) ([]domain.BatchItem, error) {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var items []domain.BatchItem
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, fmt.Errorf("invalid batch file: %w", err)
	}
	for i, item := range items {
		req := domain.DownloadRequest{RemoteID: item.RemoteID, SourceURL: item.SourceURL}
		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}
	return items, nil
}
