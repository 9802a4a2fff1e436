package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run the background maintenance loop until interrupted",
	Long: `maintain prunes expired media and evicts least recently used items
whenever usage crosses the configured threshold. Kiosks run it as a
long-lived service next to the renderer.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c := newCoordinator()
		defer closeCoordinator(c)

		if !c.RequestPersistence(ctx) {
			slog.Warn("Cache storage is not persistent, media may not survive a reboot")
		}

		c.RunMaintenance(ctx)
		slog.Info("Maintenance stopped")
	},
}

func init() {
	rootCmd.AddCommand(maintainCmd)
}
