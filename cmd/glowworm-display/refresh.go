package main

import (
	"os"

	"github.com/nstephens/glowworm-display/internal/errutil"
	"github.com/spf13/cobra"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh <group-id>",
	Short: "Sync the cache with the group's manifest, removing stale media",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		groupID := parseGroupID(args[0])

		c := newCoordinator()
		defer closeCoordinator(c)

		res, err := c.RefreshGroup(cmd.Context(), groupID, newProgressBar())
		if err != nil {
			errutil.ReportError(err, "Refresh failed", "group_id", groupID)
			os.Exit(1)
		}
		printRunResult("Refreshed", groupID, res)
		if res.Failed > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}
