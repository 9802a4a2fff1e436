package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	display "github.com/nstephens/glowworm-display"
	"github.com/nstephens/glowworm-display/internal/errutil"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var prefetchCmd = &cobra.Command{
	Use:   "prefetch <group-id>",
	Short: "Download the group's manifest media into the cache",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		groupID := parseGroupID(args[0])

		c := newCoordinator()
		defer closeCoordinator(c)

		res, err := c.PrefetchGroup(cmd.Context(), groupID, newProgressBar())
		if err != nil {
			errutil.ReportError(err, "Prefetch failed", "group_id", groupID)
			os.Exit(1)
		}
		printRunResult("Prefetched", groupID, res)
		if res.Failed > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(prefetchCmd)
}

// newProgressBar renders download progress on stderr.
func newProgressBar() display.ProgressFunc {
	bar := progressbar.NewOptions64(
		-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(10),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			if _, err := fmt.Fprint(os.Stderr, "\n"); err != nil {
				errutil.LogMsg(err, "Failed to print newline to stderr")
			}
		}),
	)
	return func(p display.Progress) {
		bar.ChangeMax64(p.TotalBytes)
		if err := bar.Set64(p.Bytes); err != nil {
			errutil.LogMsg(err, "Failed to update progress bar")
		}
	}
}

func printRunResult(verb string, groupID int64, res *display.Result) {
	fmt.Printf("%s group %d: %d downloaded, %d already cached, %d failed, %s in %s\n",
		verb, groupID, res.Succeeded, res.Skipped, res.Failed,
		humanize.Bytes(uint64(res.BytesDownloaded)),
		res.Duration.Round(time.Millisecond))
	if res.Removed > 0 {
		fmt.Printf("Removed %d stale items\n", res.Removed)
	}
	if len(res.FailedIDs) > 0 {
		fmt.Fprintf(os.Stderr, "Failed items: %s\n", strings.Join(res.FailedIDs, ", "))
	}
}
