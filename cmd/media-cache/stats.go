package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vertextoedge/media-cache/internal/service/server"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size and free space",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(context.Background(), cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := server.CollectStats(a.cache, a.guard)
		if err != nil {
			return fmt.Errorf("failed to collect stats: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Cache root:  %s\n", a.cache.RootDir())
		fmt.Fprintf(out, "Entries:     %d\n", stats.Entries)
		fmt.Fprintf(out, "Total size:  %s\n", humanize.IBytes(uint64(stats.TotalSizeBytes)))
		fmt.Fprintf(out, "Free space:  %s\n", humanize.IBytes(uint64(stats.AvailableBytes)))
		if stats.LowSpace {
			fmt.Fprintln(out, "Warning:     disk space is running low")
		}

		if jobs, err := a.db.GetJobStats(); err == nil {
			fmt.Fprintf(out, "Jobs:        %d completed, %d failed, %d in progress\n",
				jobs.CompletedCount, jobs.FailedCount, jobs.InProgressCount)
		}
		return nil
	},
}
