package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vertextoedge/media-cache/internal/domain"
)

var (
	fetchName string
	fetchSize int64
	fetchDest string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <remote-id> <url>",
	Short: "Download one file into the cache and print its local path",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		a, err := newApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		req := &domain.DownloadRequest{
			RemoteID:          args[0],
			SourceURL:         args[1],
			FileName:          fetchName,
			ExpectedSizeBytes: fetchSize,
			DestinationDir:    fetchDest,
		}

		// A cached copy is returned without touching the network
		if fetchDest == "" {
			if entry, ok := a.cache.Get(req.RemoteID); ok {
				fmt.Fprintln(cmd.OutOrStdout(), entry.LocalPath)
				return nil
			}
		}

		task := a.engine.Start(ctx, req)
		for p := range task.Progress() {
			printProgress(cmd, p)
		}
		entry, err := task.Wait()
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return userError(err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), entry.LocalPath)
		return nil
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchName, "name", "", "file name to store under (default from the URL)")
	fetchCmd.Flags().Int64Var(&fetchSize, "size", 0, "expected size in bytes, if known")
	fetchCmd.Flags().StringVar(&fetchDest, "dest", "", "destination directory (default is the cache root)")
}

func printProgress(cmd *cobra.Command, p domain.Progress) {
	if p.Percent < 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "\r%s  %s", p.RemoteID, humanize.IBytes(uint64(p.BytesTransferred)))
		return
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "\r%s  %s / %s (%.0f%%)", p.RemoteID,
		humanize.IBytes(uint64(p.BytesTransferred)),
		humanize.IBytes(uint64(p.TotalBytes)),
		p.Percent)
}

// userError turns a download failure into the message shown to the user
func userError(err error) error {
	var de *domain.DownloadError
	if errors.As(err, &de) {
		return errors.New(de.UserMessage())
	}
	return err
}
