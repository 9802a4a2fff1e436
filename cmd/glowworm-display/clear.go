package main

import (
	"fmt"
	"os"

	"github.com/nstephens/glowworm-display/internal/errutil"
	"github.com/spf13/cobra"
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached media item",
	Run: func(cmd *cobra.Command, args []string) {
		c := newCoordinator()
		defer closeCoordinator(c)

		if err := c.ClearCache(cmd.Context()); err != nil {
			errutil.ReportError(err, "Failed to clear cache")
			os.Exit(1)
		}
		fmt.Println("Cache cleared")
	},
}

func init() {
	rootCmd.AddCommand(clearCmd)
}
