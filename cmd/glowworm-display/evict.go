package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/nstephens/glowworm-display/internal/errutil"
	"github.com/spf13/cobra"
)

var evictToThreshold bool

var evictCmd = &cobra.Command{
	Use:   "evict [count]",
	Short: "Evict the least recently used media from the cache",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := newCoordinator()
		defer closeCoordinator(c)

		if evictToThreshold {
			if len(args) > 0 {
				fmt.Fprintln(os.Stderr, "cannot combine a count with --to-threshold")
				os.Exit(1)
			}
			n, err := c.EvictToThreshold(cmd.Context())
			if err != nil {
				errutil.ReportError(err, "Eviction failed")
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "Evicted %d items\n", n)
			return
		}

		count := cfg.Quota.EvictBatch
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				errutil.ReportError(err, "Count must be a positive number", "arg", args[0])
				os.Exit(1)
			}
			count = n
		}

		ids, err := c.EvictLRU(cmd.Context(), count)
		if err != nil {
			errutil.ReportError(err, "Eviction failed")
			os.Exit(1)
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		fmt.Fprintf(os.Stderr, "Evicted %d items\n", len(ids))
	},
}

func init() {
	evictCmd.Flags().BoolVar(&evictToThreshold, "to-threshold", false,
		"evict in batches until usage drops below the configured target")
	rootCmd.AddCommand(evictCmd)
}
